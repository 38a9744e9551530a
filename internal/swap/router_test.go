package swap_test

import (
	"testing"

	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"
	"FortyAcres/internal/swap"
	"FortyAcres/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc       = testutil.Addr(0xc1)
	weth       = testutil.Addr(0xe7)
	caller     = testutil.Addr(0xca)
	routerAddr = testutil.Addr(0x5a)
	admin      = testutil.Addr(0x01)
)

func setup(t *testing.T) (*swap.Router, *state.Env) {
	t.Helper()
	_, env := testutil.NewEnv(t)
	r := swap.NewRouter(routerAddr, admin)
	// 1 WETH unit buys 2 USDC units.
	require.NoError(t, r.SetRate(env.As(admin), weth, usdc, new(uint256.Int).Mul(fpmath.WAD(), uint256.NewInt(2))))
	testutil.Fund(t, env, routerAddr, usdc, 1_000_000)
	testutil.Fund(t, env, caller, weth, 1_000)
	env.As(caller).Approve(routerAddr, weth, state.MaxAllowance())
	return r, env
}

func TestEncodeDecodeOrders(t *testing.T) {
	in := []swap.Order{
		{TokenIn: weth, TokenOut: usdc, AmountIn: testutil.U(10), MinOut: testutil.U(19)},
		{TokenIn: usdc, TokenOut: weth, AmountIn: testutil.U(0), MinOut: testutil.U(0)},
	}
	data, err := swap.EncodeOrders(in)
	require.NoError(t, err)

	out, err := swap.DecodeOrders(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeOrders_Garbage(t *testing.T) {
	_, err := swap.DecodeOrders([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, swap.ErrMalformedOrders)
}

func TestExecute_FillsAtRate(t *testing.T) {
	r, env := setup(t)
	data, _ := swap.EncodeOrders([]swap.Order{{TokenIn: weth, TokenOut: usdc, AmountIn: testutil.U(100), MinOut: testutil.U(200)}})

	require.NoError(t, r.Execute(env.As(caller), data))

	assert.Equal(t, uint64(900), env.BalanceOf(caller, weth).Uint64())
	assert.Equal(t, uint64(200), env.BalanceOf(caller, usdc).Uint64())
}

func TestExecute_ZeroAmountSellsBalance(t *testing.T) {
	r, env := setup(t)
	data, _ := swap.EncodeOrders([]swap.Order{{TokenIn: weth, TokenOut: usdc, AmountIn: testutil.U(0), MinOut: testutil.U(0)}})

	require.NoError(t, r.Execute(env.As(caller), data))

	assert.True(t, env.BalanceOf(caller, weth).IsZero())
	assert.Equal(t, uint64(2_000), env.BalanceOf(caller, usdc).Uint64())
}

func TestExecute_Slippage(t *testing.T) {
	r, env := setup(t)
	data, _ := swap.EncodeOrders([]swap.Order{{TokenIn: weth, TokenOut: usdc, AmountIn: testutil.U(100), MinOut: testutil.U(201)}})

	assert.ErrorIs(t, r.Execute(env.As(caller), data), swap.ErrSlippage)
}

func TestExecute_NoRoute(t *testing.T) {
	r, env := setup(t)
	data, _ := swap.EncodeOrders([]swap.Order{{TokenIn: usdc, TokenOut: weth, AmountIn: testutil.U(1), MinOut: testutil.U(0)}})
	testutil.Fund(t, env, caller, usdc, 1)

	assert.ErrorIs(t, r.Execute(env.As(caller), data), swap.ErrNoRoute)
}

func TestExecute_RequiresAllowance(t *testing.T) {
	r, env := setup(t)
	other := testutil.Addr(0x0e)
	testutil.Fund(t, env, other, weth, 10)
	data, _ := swap.EncodeOrders([]swap.Order{{TokenIn: weth, TokenOut: usdc, AmountIn: testutil.U(10), MinOut: testutil.U(0)}})

	assert.ErrorIs(t, r.Execute(env.As(other), data), state.ErrInsufficientAllowance)
}

func TestSetRate_AdminOnly(t *testing.T) {
	r, env := setup(t)

	err := r.SetRate(env.As(caller), weth, usdc, fpmath.WAD())
	assert.ErrorIs(t, err, swap.ErrUnauthorized)
	out, err := r.Quote(weth, usdc, testutil.U(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), out.Uint64(), "rate unchanged")

	require.NoError(t, r.SetRate(env.As(admin), weth, usdc, nil))
	_, err = r.Quote(weth, usdc, testutil.U(10))
	assert.ErrorIs(t, err, swap.ErrNoRoute)
}
