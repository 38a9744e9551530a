package escrow_test

import (
	"testing"

	"FortyAcres/internal/escrow"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	veAddr = testutil.Addr(0xe5)
	aero   = testutil.Addr(0xae)
	alice  = testutil.Addr(0xa1)
	bob    = testutil.Addr(0xb0)
	voter  = testutil.Addr(0x70)
)

func setup(t *testing.T) (*escrow.VotingEscrow, *state.Env) {
	t.Helper()
	_, env := testutil.NewEnv(t)
	testutil.Fund(t, env, alice, aero, 1_000_000)
	ve := escrow.New(veAddr, aero)
	ve.SetVoter(voter)
	return ve, env
}

func TestCreateLock_PermanentWeightEqualsAmount(t *testing.T) {
	ve, env := setup(t)

	id, err := ve.CreateLock(env.As(alice), testutil.U(1_000), 0, true, alice)
	require.NoError(t, err)

	owner, err := ve.OwnerOf(id)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.Equal(t, uint64(1_000), ve.Weight(id, env.Time).Uint64())
	assert.Equal(t, uint64(1_000), env.BalanceOf(veAddr, aero).Uint64())
}

func TestCreateLock_WeightDecays(t *testing.T) {
	ve, env := setup(t)

	id, err := ve.CreateLock(env.As(alice), testutil.U(1_000_000), escrow.MaxLockTime, false, alice)
	require.NoError(t, err)

	lock, ok := ve.Locked(id)
	require.True(t, ok)
	now := ve.Weight(id, env.Time)
	later := ve.Weight(id, env.Time+86_400*30)
	assert.True(t, later.Lt(now), "weight should decay over time")
	assert.True(t, ve.Weight(id, lock.End).IsZero(), "weight is zero at lock end")
}

func TestCreateLock_RejectsBadDuration(t *testing.T) {
	ve, env := setup(t)

	_, err := ve.CreateLock(env.As(alice), testutil.U(1), 60, false, alice)
	assert.ErrorIs(t, err, escrow.ErrLockDuration)

	_, err = ve.CreateLock(env.As(alice), testutil.U(1), escrow.MaxLockTime+2*604_800, false, alice)
	assert.ErrorIs(t, err, escrow.ErrLockDuration)
}

func TestTransferFrom_RequiresApproval(t *testing.T) {
	ve, env := setup(t)
	id, _ := ve.CreateLock(env.As(alice), testutil.U(10), 0, true, alice)

	err := ve.TransferFrom(env.As(bob), alice, bob, id)
	assert.ErrorIs(t, err, escrow.ErrNotApproved)

	require.NoError(t, ve.Approve(env.As(alice), bob, id))
	require.NoError(t, ve.TransferFrom(env.As(bob), alice, bob, id))

	owner, _ := ve.OwnerOf(id)
	assert.Equal(t, bob, owner)
	assert.False(t, ve.IsApprovedOrOwner(alice, id), "previous owner loses control")
}

func TestMerge_SumsAndBurns(t *testing.T) {
	ve, env := setup(t)
	a, _ := ve.CreateLock(env.As(alice), testutil.U(100), 0, true, alice)
	b, _ := ve.CreateLock(env.As(alice), testutil.U(250), escrow.MaxLockTime, false, alice)

	require.NoError(t, ve.Merge(env.As(alice), b, a))

	assert.Equal(t, uint64(350), ve.LockedAmount(a).Uint64())
	_, err := ve.OwnerOf(b)
	assert.ErrorIs(t, err, escrow.ErrNonexistentToken)
	lock, _ := ve.Locked(a)
	assert.True(t, lock.Permanent)
}

func TestMerge_VotedSourceRejected(t *testing.T) {
	ve, env := setup(t)
	a, _ := ve.CreateLock(env.As(alice), testutil.U(100), 0, true, alice)
	b, _ := ve.CreateLock(env.As(alice), testutil.U(100), 0, true, alice)
	require.NoError(t, ve.Voting(env.As(voter), b, true))

	assert.ErrorIs(t, ve.Merge(env.As(alice), b, a), escrow.ErrAlreadyVoted)
}

func TestVoting_OnlyVoter(t *testing.T) {
	ve, env := setup(t)
	id, _ := ve.CreateLock(env.As(alice), testutil.U(100), 0, true, alice)

	assert.ErrorIs(t, ve.Voting(env.As(alice), id, true), escrow.ErrNotVoter)
}

func TestSnapshotRestore(t *testing.T) {
	ve, env := setup(t)
	id, _ := ve.CreateLock(env.As(alice), testutil.U(100), 0, true, alice)
	ve.SetApprovalForAll(env.As(alice), bob, true)

	restored := escrow.New(veAddr, aero)
	restored.Restore(ve.Snapshot())

	owner, err := restored.OwnerOf(id)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.True(t, restored.IsApprovedOrOwner(bob, id))
	assert.Equal(t, ve.Snapshot(), restored.Snapshot())
}
