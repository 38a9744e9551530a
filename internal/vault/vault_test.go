package vault_test

import (
	"testing"

	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"
	"FortyAcres/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc      = testutil.Addr(0xc1)
	vaultAddr = testutil.Addr(0x7a)
	market    = testutil.Addr(0x40)
	lp        = testutil.Addr(0x1f)
	borrower  = testutil.Addr(0xb0)
	operator  = testutil.Addr(0x0b)
)

func setup(t *testing.T) (*vault.Vault, *state.Env) {
	t.Helper()
	_, env := testutil.NewEnv(t)
	v := vault.New(vaultAddr, usdc)
	v.AuthorizeLender(env, market, true)
	testutil.Fund(t, env, lp, usdc, 100_000_000)
	testutil.Fund(t, env, market, usdc, 10_000_000)
	return v, env
}

func TestDeposit_FirstDepositorOneToOne(t *testing.T) {
	v, env := setup(t)

	shares, err := v.Deposit(env.As(lp), testutil.U(100_000_000), lp)
	require.NoError(t, err)

	assert.Equal(t, uint64(100_000_000), shares.Uint64())
	assert.Equal(t, uint64(100_000_000), v.SharesOf(env, lp).Uint64())
	assert.Equal(t, uint64(100_000_000), v.TotalAssets(env).Uint64())
	assert.True(t, v.IsLender(market))
	assert.False(t, v.IsLender(lp))

	toShares, err := v.ConvertToShares(env, testutil.U(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), toShares.Uint64())
	toAssets, err := v.ConvertToAssets(env, testutil.U(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), toAssets.Uint64())
}

func TestLendRepay_TotalAssetsUnchanged(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(100_000_000), lp)

	require.NoError(t, v.Lend(env.As(market), borrower, testutil.U(5_000_000)))
	assert.Equal(t, uint64(95_000_000), v.Idle(env).Uint64())
	assert.Equal(t, uint64(5_000_000), v.Outstanding().Uint64())
	assert.Equal(t, uint64(100_000_000), v.TotalAssets(env).Uint64())

	require.NoError(t, env.As(borrower).Transfer(vaultAddr, usdc, testutil.U(5_000_000), 0))
	require.NoError(t, v.Repay(env.As(market), testutil.U(5_000_000)))
	assert.True(t, v.Outstanding().IsZero())
	assert.Equal(t, uint64(100_000_000), v.TotalAssets(env).Uint64())
}

func TestLend_Unauthorized(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(1_000), lp)

	assert.ErrorIs(t, v.Lend(env.As(borrower), borrower, testutil.U(1)), vault.ErrUnauthorizedLender)
	assert.ErrorIs(t, v.Lend(env.As(market), borrower, testutil.U(1_001)), vault.ErrInsufficientLiquidity)
}

func TestNotifyYield_VestsOverEpoch(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(100_000_000), lp)

	require.NoError(t, env.As(market).Transfer(vaultAddr, usdc, testutil.U(700_000), 0))
	require.NoError(t, v.NotifyYield(env.As(market), testutil.U(700_000)))

	locked := v.EpochRewardsLocked(env.Time)
	// GenesisTime is three days into the epoch: four sevenths remain locked.
	assert.Equal(t, uint64(400_000), locked.Uint64())
	assert.Equal(t, uint64(100_300_000), v.TotalAssets(env).Uint64())

	later := env.At(fpmath.EpochNext(env.Time))
	assert.Equal(t, uint64(100_700_000), v.TotalAssets(later).Uint64())
}

func TestRedeem_ReceivesYield(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(100_000_000), lp)
	require.NoError(t, env.As(market).Transfer(vaultAddr, usdc, testutil.U(1_000_000), 0))
	require.NoError(t, v.NotifyYield(env.As(market), testutil.U(1_000_000)))

	later := env.At(fpmath.EpochNext(env.Time) + 1)
	assets, err := v.Redeem(later.As(lp), v.SharesOf(env, lp), lp, lp)
	require.NoError(t, err)

	assert.True(t, assets.Uint64() > 100_000_000, "redeem should include vested yield")
	assert.True(t, v.TotalSupply().IsZero())
}

func TestWithdraw_CappedByIdle(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(100_000_000), lp)
	require.NoError(t, v.Lend(env.As(market), borrower, testutil.U(60_000_000)))

	assert.Equal(t, uint64(40_000_000), v.MaxWithdraw(env, lp).Uint64())
	_, err := v.Withdraw(env.As(lp), testutil.U(40_000_001), lp, lp)
	assert.ErrorIs(t, err, vault.ErrExceededMaxWithdraw)
}

func TestWithdraw_OperatorSpendsShareAllowance(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(1_000), lp)

	_, err := v.Withdraw(env.As(operator), testutil.U(100), operator, lp)
	assert.ErrorIs(t, err, state.ErrInsufficientAllowance)

	env.As(lp).Approve(operator, vaultAddr, testutil.U(100))
	_, err = v.Withdraw(env.As(operator), testutil.U(100), operator, lp)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), env.BalanceOf(operator, usdc).Uint64())
	assert.Equal(t, uint64(900), v.SharesOf(env, lp).Uint64())
}

func TestFlashSend_RequiresLender(t *testing.T) {
	v, env := setup(t)
	_, _ = v.Deposit(env.As(lp), testutil.U(1_000), lp)

	assert.ErrorIs(t, v.FlashSend(env.As(borrower), borrower, testutil.U(1)), vault.ErrUnauthorizedLender)
	require.NoError(t, v.FlashSend(env.As(market), borrower, testutil.U(1_000)))
	assert.True(t, v.Idle(env).IsZero())
}
