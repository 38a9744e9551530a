package community_test

import (
	"testing"

	"FortyAcres/internal/community"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc      = testutil.Addr(0xc1)
	alice     = testutil.Addr(0xa1)
	bob       = testutil.Addr(0xb0)
	keeper    = testutil.Addr(0x03)
	manager   = testutil.Addr(0x40)
	ledgerAdr = testutil.Addr(0xcc)
)

func TestEarned_ProRataAfterEpochEnds(t *testing.T) {
	_, env := testutil.NewEnv(t)
	l := community.New(ledgerAdr, 7, manager)
	testutil.Fund(t, env, keeper, usdc, 1_000)

	require.NoError(t, l.Deposit(env.As(manager), alice, testutil.U(3)))
	require.NoError(t, l.Deposit(env.As(manager), bob, testutil.U(1)))
	require.NoError(t, l.NotifyRewardAmount(env.As(keeper), usdc, testutil.U(400)))
	assert.Equal(t, uint64(400), l.TokenRewardsPerEpoch(usdc, env.Epoch()).Uint64())

	assert.True(t, l.Earned(usdc, alice, env.Time).IsZero(), "current epoch is not claimable")

	next := env.At(fpmath.EpochNext(env.Time) + 10)
	assert.Equal(t, uint64(300), l.Earned(usdc, alice, next.Time).Uint64())
	assert.Equal(t, uint64(100), l.Earned(usdc, bob, next.Time).Uint64())

	paid, err := l.GetReward(next.As(alice), alice, []common.Address{usdc})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), paid[usdc].Uint64())
	assert.Equal(t, uint64(300), env.BalanceOf(alice, usdc).Uint64())
	assert.True(t, l.Earned(usdc, alice, next.Time).IsZero())
}

func TestEarned_UsesEndOfEpochBalance(t *testing.T) {
	_, env := testutil.NewEnv(t)
	l := community.New(ledgerAdr, 7, manager)
	testutil.Fund(t, env, keeper, usdc, 1_000)

	require.NoError(t, l.Deposit(env.As(manager), alice, testutil.U(1)))
	require.NoError(t, l.Deposit(env.As(manager), bob, testutil.U(1)))
	require.NoError(t, l.NotifyRewardAmount(env.As(keeper), usdc, testutil.U(400)))

	e1 := env.At(fpmath.EpochNext(env.Time) + 10)
	require.NoError(t, l.Withdraw(e1.As(manager), bob, testutil.U(1)))
	require.NoError(t, l.NotifyRewardAmount(e1.As(keeper), usdc, testutil.U(200)))

	e2 := env.At(fpmath.EpochNext(e1.Time) + 10)
	assert.Equal(t, uint64(400), l.Earned(usdc, alice, e2.Time).Uint64())
	assert.Equal(t, uint64(200), l.Earned(usdc, bob, e2.Time).Uint64())

	_, err := l.GetReward(e2.As(keeper), bob, []common.Address{usdc})
	assert.ErrorIs(t, err, community.ErrUnauthorized)
	_, err = l.GetReward(e2.As(manager), bob, []common.Address{usdc})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), env.BalanceOf(bob, usdc).Uint64())
}

func TestShares_Guards(t *testing.T) {
	_, env := testutil.NewEnv(t)
	l := community.New(ledgerAdr, 7, manager)

	assert.ErrorIs(t, l.Deposit(env.As(alice), alice, testutil.U(1)), community.ErrUnauthorized)
	assert.ErrorIs(t, l.Deposit(env.As(manager), alice, testutil.U(0)), community.ErrZeroAmount)
	require.NoError(t, l.Deposit(env.As(manager), alice, testutil.U(5)))
	assert.ErrorIs(t, l.Withdraw(env.As(manager), alice, testutil.U(6)), community.ErrInsufficientShares)
	assert.Equal(t, uint64(5), l.TotalSupply().Uint64())
}

func TestSnapshotRestore(t *testing.T) {
	_, env := testutil.NewEnv(t)
	l := community.New(ledgerAdr, 7, manager)
	testutil.Fund(t, env, keeper, usdc, 10)
	require.NoError(t, l.Deposit(env.As(manager), alice, testutil.U(2)))
	require.NoError(t, l.NotifyRewardAmount(env.As(keeper), usdc, testutil.U(10)))

	restored := community.New(ledgerAdr, 7, manager)
	restored.Restore(l.Snapshot())
	assert.Equal(t, l.Snapshot(), restored.Snapshot())

	later := fpmath.EpochNext(env.Time) + 1
	assert.Equal(t, l.Earned(usdc, alice, later), restored.Earned(usdc, alice, later))
}
