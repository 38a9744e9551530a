package loan_test

import (
	"errors"
	"math"
	"testing"

	"FortyAcres/internal/loan"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (f *fixture) setDefaultVote() {
	f.t.Helper()
	require.NoError(f.t, f.core.SetDefaultVote(f.env.As(owner), []common.Address{poolA}, []uint64{1}))
}

func TestVote_OncePerEpoch(t *testing.T) {
	f := setup(t)
	f.setDefaultVote()
	ref := f.borrow(f.core, alice, f.token, 1_000_000, loan.LoanOptions{})

	voted, err := f.core.Vote(f.env, ref)
	require.NoError(t, err)
	assert.True(t, voted)
	assert.Equal(t, testutil.E(100, 21), f.voter.PoolWeight(poolA))

	voted, err = f.core.Vote(f.env, ref)
	require.NoError(t, err)
	assert.False(t, voted, "second vote in an epoch is a no-op")
	assert.Equal(t, testutil.E(100, 21), f.voter.PoolWeight(poolA))

	next := fpmath.EpochNext(f.env.Time)
	voted, err = f.core.Vote(f.env.At(next+60), ref)
	require.NoError(t, err)
	assert.False(t, voted, "first hour of an epoch is closed")

	voted, err = f.core.Vote(f.env.At(next+2*3600), ref)
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestVote_NothingConfigured(t *testing.T) {
	f := setup(t)
	ref := f.borrow(f.core, alice, f.token, 1_000_000, loan.LoanOptions{})

	voted, err := f.core.Vote(f.env, ref)
	require.NoError(t, err)
	assert.False(t, voted)

	_, err = f.core.Vote(f.env, loan.NFT(404))
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestUserVote_ManualAndCooldown(t *testing.T) {
	f := setup(t)
	ref := f.borrow(f.core, alice, f.token, 1_000_000, loan.LoanOptions{})
	refs := []loan.CollateralRef{ref}

	err := f.core.UserVote(f.env.As(bob), refs, []common.Address{poolA}, []uint64{1})
	assert.ErrorIs(t, err, loan.ErrNotBorrower)

	err = f.core.UserVote(f.env.As(alice), refs, []common.Address{testutil.Addr(0x1c)}, []uint64{1})
	assert.ErrorIs(t, err, loan.ErrUnapprovedPool)

	err = f.core.UserVote(f.env.As(alice), refs, []common.Address{poolA, poolA}, []uint64{math.MaxUint64, 2})
	assert.ErrorIs(t, err, loan.ErrVoteWeightOverflow)
	assert.False(t, f.ve.Voted(f.token))

	require.NoError(t, f.core.UserVote(f.env.As(alice), refs, []common.Address{poolA}, []uint64{1}))
	p, _ := f.core.Position(ref)
	assert.True(t, p.Manual())
	assert.Equal(t, f.env.Epoch(), p.LastVoteEpoch, "manual allocation is submitted immediately")
	assert.True(t, f.ve.Voted(f.token))

	require.NoError(t, f.core.UserVote(f.env.As(alice), refs, nil, nil))
	p, _ = f.core.Position(ref)
	assert.False(t, p.Manual())

	err = f.core.UserVote(f.env.As(alice), refs, []common.Address{poolA}, []uint64{1})
	assert.ErrorIs(t, err, loan.ErrVoteCooldown)

	later := f.env.At(f.env.Time + 7*86400)
	require.NoError(t, f.core.UserVote(later.As(alice), refs, []common.Address{poolA}, []uint64{1}))
}

func TestReset_RequiresZeroBalance(t *testing.T) {
	f := setup(t)
	ref := f.borrow(f.core, alice, f.token, 1_000_000, loan.LoanOptions{})
	require.NoError(t, f.core.UserVote(f.env.As(alice), []loan.CollateralRef{ref}, []common.Address{poolA}, []uint64{1}))

	assert.ErrorIs(t, f.core.Reset(f.env.As(alice), ref), loan.ErrOutstandingBalance)

	f.env.As(alice).Approve(coreAddr, usdc, state.MaxAllowance())
	testutil.Fund(t, f.env, alice, usdc, 8_000)
	_, err := f.core.Pay(f.env.As(alice), ref, nil)
	require.NoError(t, err)

	require.NoError(t, f.core.Reset(f.env.As(alice), ref))
	p, _ := f.core.Position(ref)
	assert.False(t, p.Manual())
	assert.False(t, f.ve.Voted(f.token))
	assert.True(t, f.voter.PoolWeight(poolA).IsZero())
}

type routerMock struct {
	mock.Mock
}

func (m *routerMock) Vote(env *state.Env, tokenID uint64, pools []common.Address, weights []uint64) error {
	return m.Called(tokenID, pools, weights).Error(0)
}

func (m *routerMock) Reset(env *state.Env, tokenID uint64) error {
	return m.Called(tokenID).Error(0)
}

func (m *routerMock) ClaimFees(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error {
	return m.Called(dists, tokens, tokenID).Error(0)
}

func (m *routerMock) ClaimBribes(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error {
	return m.Called(dists, tokens, tokenID).Error(0)
}

func (m *routerMock) PoolVote(tokenID uint64, idx int) (common.Address, error) {
	args := m.Called(tokenID, idx)
	return args.Get(0).(common.Address), args.Error(1)
}

func (m *routerMock) DistributorInfo(dist common.Address) (common.Address, bool, bool) {
	args := m.Called(dist)
	return args.Get(0).(common.Address), args.Bool(1), args.Bool(2)
}

func (m *routerMock) CanVote(tokenID uint64, ts uint64) bool {
	return m.Called(tokenID, ts).Bool(0)
}

func TestVote_RouterFailureLeavesPositionUnvoted(t *testing.T) {
	f := setup(t)
	router := new(routerMock)
	params := loan.DefaultParams()
	params.Multiplier = multiplier
	c, err := loan.New(loan.Config{Address: core2Addr, Owner: owner, Params: params}, loan.Deps{
		Vault:     f.vault,
		Valuer:    f.ve,
		Custodian: f.ve,
		Router:    router,
	})
	require.NoError(t, err)
	f.vault.AuthorizeLender(f.env, core2Addr, true)
	require.NoError(t, c.SetApprovedPools(f.env.As(owner), []common.Address{poolA}, true))
	require.NoError(t, c.SetDefaultVote(f.env.As(owner), []common.Address{poolA}, []uint64{1}))
	ref := f.borrow(c, alice, f.token, 1_000_000, loan.LoanOptions{})

	router.On("CanVote", f.token, f.env.Time).Return(true)
	router.On("Vote", f.token, []common.Address{poolA}, []uint64{1}).Return(errors.New("gauge killed"))

	voted, err := c.Vote(f.env, ref)
	assert.Error(t, err)
	assert.False(t, voted)
	p, _ := c.Position(ref)
	assert.Zero(t, p.LastVoteEpoch)
	router.AssertExpectations(t)
}
