package rewards_test

import (
	"math"
	"testing"

	"FortyAcres/internal/escrow"
	"FortyAcres/internal/rewards"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aero      = testutil.Addr(0xae)
	usdc      = testutil.Addr(0xc1)
	weth      = testutil.Addr(0xe7)
	alice     = testutil.Addr(0xa1)
	bob       = testutil.Addr(0xb0)
	briber    = testutil.Addr(0xbb)
	poolA     = testutil.Addr(0x1a)
	poolB     = testutil.Addr(0x1b)
	feesA     = testutil.Addr(0x2a)
	bribesA   = testutil.Addr(0x3a)
	feesB     = testutil.Addr(0x2b)
	bribesB   = testutil.Addr(0x3b)
	voterAddr = testutil.Addr(0x70)
)

type fixture struct {
	env   *state.Env
	ve    *escrow.VotingEscrow
	voter *rewards.Voter
	token uint64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	_, env := testutil.NewEnv(t)
	ve := escrow.New(testutil.Addr(0xe5), aero)
	ve.SetVoter(voterAddr)
	v := rewards.NewVoter(voterAddr, ve)
	v.AddPool(rewards.Pool{Address: poolA, Fees: feesA, Bribes: bribesA})
	v.AddPool(rewards.Pool{Address: poolB, Fees: feesB, Bribes: bribesB})

	testutil.Fund(t, env, alice, aero, 1_000)
	testutil.Fund(t, env, briber, usdc, 1_000_000)
	testutil.Fund(t, env, briber, weth, 1_000_000)
	id, err := ve.CreateLock(env.As(alice), testutil.U(1_000), 0, true, alice)
	require.NoError(t, err)
	return &fixture{env: env, ve: ve, voter: v, token: id}
}

func TestVote_SplitsWeight(t *testing.T) {
	f := setup(t)

	err := f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA, poolB}, []uint64{3, 1})
	require.NoError(t, err)

	assert.Equal(t, uint64(750), f.voter.Votes(f.token, poolA).Uint64())
	assert.Equal(t, uint64(250), f.voter.Votes(f.token, poolB).Uint64())
	assert.True(t, f.ve.Voted(f.token))

	pool, err := f.voter.PoolVote(f.token, 1)
	require.NoError(t, err)
	assert.Equal(t, poolB, pool)
	_, err = f.voter.PoolVote(f.token, 2)
	assert.ErrorIs(t, err, rewards.ErrIndexOutOfRange)
}

func TestVote_OncePerEpoch(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA}, []uint64{1}))

	err := f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolB}, []uint64{1})
	assert.ErrorIs(t, err, rewards.ErrAlreadyVoted)
	assert.False(t, f.voter.CanVote(f.token, f.env.Time))

	next := f.env.At(f.env.Time + 604_800)
	assert.True(t, f.voter.CanVote(f.token, next.Time))
	require.NoError(t, f.voter.Vote(next.As(alice), f.token, []common.Address{poolB}, []uint64{1}))
	assert.True(t, f.voter.Votes(f.token, poolA).IsZero(), "previous ballot is replaced")
	assert.Equal(t, uint64(1_000), f.voter.PoolWeight(poolB).Uint64())
}

func TestVote_Validation(t *testing.T) {
	f := setup(t)

	assert.ErrorIs(t, f.voter.Vote(f.env.As(bob), f.token, []common.Address{poolA}, []uint64{1}), rewards.ErrNotApprovedOrOwner)
	assert.ErrorIs(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA}, []uint64{1, 2}), rewards.ErrLengthMismatch)
	assert.ErrorIs(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{bob}, []uint64{1}), rewards.ErrUnknownPool)
	assert.ErrorIs(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA}, []uint64{0}), rewards.ErrZeroWeight)
	assert.ErrorIs(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA, poolB}, []uint64{math.MaxUint64, 2}), rewards.ErrWeightOverflow)
	assert.False(t, f.ve.Voted(f.token))

	epochStart := f.env.Epoch()
	assert.ErrorIs(t, f.voter.Vote(f.env.At(epochStart+10).As(alice), f.token, []common.Address{poolA}, []uint64{1}), rewards.ErrDistributeWindow)
}

func TestReset_ClearsVotes(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA}, []uint64{1}))

	require.NoError(t, f.voter.Reset(f.env.As(alice), f.token))

	assert.False(t, f.ve.Voted(f.token))
	assert.True(t, f.voter.PoolWeight(poolA).IsZero())
}

func TestClaim_PaysOwner(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.voter.NotifyReward(f.env.As(briber), bribesA, f.token, usdc, testutil.U(500)))
	require.NoError(t, f.voter.NotifyReward(f.env.As(briber), feesA, f.token, weth, testutil.U(70)))

	err := f.voter.ClaimBribes(f.env.As(alice), []common.Address{bribesA}, [][]common.Address{{usdc}}, f.token)
	require.NoError(t, err)
	err = f.voter.ClaimFees(f.env.As(alice), []common.Address{feesA}, [][]common.Address{{weth, usdc}}, f.token)
	require.NoError(t, err)

	assert.Equal(t, uint64(500), f.env.BalanceOf(alice, usdc).Uint64())
	assert.Equal(t, uint64(70), f.env.BalanceOf(alice, weth).Uint64())
	assert.True(t, f.voter.Earned(bribesA, f.token, usdc).IsZero())
}

func TestClaim_WrongKindRejected(t *testing.T) {
	f := setup(t)

	err := f.voter.ClaimFees(f.env.As(alice), []common.Address{bribesA}, [][]common.Address{{usdc}}, f.token)
	assert.ErrorIs(t, err, rewards.ErrWrongKind)

	err = f.voter.ClaimBribes(f.env.As(alice), []common.Address{bob}, [][]common.Address{{usdc}}, f.token)
	assert.ErrorIs(t, err, rewards.ErrUnknownDistributor)
}

func TestPoolOf(t *testing.T) {
	f := setup(t)

	pool, ok := f.voter.PoolOf(bribesB)
	require.True(t, ok)
	assert.Equal(t, poolB, pool)
}

func TestSnapshotRestore(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.voter.Vote(f.env.As(alice), f.token, []common.Address{poolA, poolB}, []uint64{1, 1}))
	require.NoError(t, f.voter.NotifyReward(f.env.As(briber), bribesA, f.token, usdc, testutil.U(5)))

	restored := rewards.NewVoter(voterAddr, f.ve)
	restored.Restore(f.voter.Snapshot())

	assert.Equal(t, f.voter.Snapshot(), restored.Snapshot())
	assert.Equal(t, f.voter.PoolWeight(poolA), restored.PoolWeight(poolA))
}
