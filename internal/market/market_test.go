package market_test

import (
	"testing"

	"FortyAcres/internal/escrow"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/market"
	"FortyAcres/internal/rewards"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"
	"FortyAcres/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aero       = testutil.Addr(0xae)
	usdc       = testutil.Addr(0xc1)
	weth       = testutil.Addr(0xe7)
	alice      = testutil.Addr(0xa1)
	bob        = testutil.Addr(0xb0)
	lp         = testutil.Addr(0x1f)
	owner      = testutil.Addr(0x01)
	treasury   = testutil.Addr(0x04)
	escrowAddr = testutil.Addr(0xe5)
	voterAddr  = testutil.Addr(0x70)
	vaultAddr  = testutil.Addr(0x7a)
	loanAddr   = testutil.Addr(0x40)
	marketAddr = testutil.Addr(0x3e)
)

type loans map[common.Address]*loan.Core

func (l loans) Market(addr common.Address) (*loan.Core, bool) {
	c, ok := l[addr]
	return c, ok
}

type fixture struct {
	env    *state.Env
	core   *loan.Core
	market *market.Market
	ref    loan.CollateralRef
}

// setup opens a 5e6 loan for alice (balance 5.04e6) and a market charging
// 250 bps.
func setup(t *testing.T) *fixture {
	t.Helper()
	_, env := testutil.NewEnv(t)

	ve := escrow.New(escrowAddr, aero)
	ve.SetVoter(voterAddr)
	voter := rewards.NewVoter(voterAddr, ve)
	v := vault.New(vaultAddr, usdc)
	testutil.Fund(t, env, lp, usdc, 100_000_000)
	_, err := v.Deposit(env.As(lp), testutil.U(100_000_000), lp)
	require.NoError(t, err)

	params := loan.DefaultParams()
	params.Multiplier = 1000
	core, err := loan.New(loan.Config{Address: loanAddr, Owner: owner, Params: params},
		loan.Deps{Vault: v, Valuer: ve, Custodian: ve, Router: voter})
	require.NoError(t, err)
	v.AuthorizeLender(env, loanAddr, true)

	m, err := market.New(marketAddr, owner, treasury, 250, loans{loanAddr: core})
	require.NoError(t, err)
	require.NoError(t, m.SetPaymentToken(env.As(owner), usdc, true))
	require.NoError(t, core.SetApprovedContract(env.As(owner), marketAddr, true))

	require.NoError(t, env.Mint(alice, aero, testutil.E(100, 21), 0))
	id, err := ve.CreateLock(env.As(alice), testutil.E(100, 21), 0, true, alice)
	require.NoError(t, err)
	require.NoError(t, ve.Approve(env.As(alice), loanAddr, id))
	ref, err := core.RequestLoan(env.As(alice), id, testutil.U(5_000_000), loan.LoanOptions{})
	require.NoError(t, err)
	return &fixture{env: env, core: core, market: m, ref: ref}
}

func (f *fixture) list(t *testing.T, price uint64) uint64 {
	t.Helper()
	id, err := f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, usdc, testutil.U(price), 0)
	require.NoError(t, err)
	return id
}

func (f *fixture) borrower() common.Address {
	_, b := f.core.GetLoanDetails(f.ref)
	return b
}

func (f *fixture) balance(holder common.Address) uint64 {
	return f.env.BalanceOf(holder, usdc).Uint64()
}

func TestTakeListing_TransfersPosition(t *testing.T) {
	f := setup(t)
	id := f.list(t, 2_000_000)
	testutil.Fund(t, f.env, bob, usdc, 2_000_000)
	f.env.As(bob).Approve(marketAddr, usdc, testutil.U(2_000_000))

	require.NoError(t, f.market.TakeListing(f.env.As(bob), id))

	assert.Equal(t, bob, f.borrower())
	assert.Equal(t, uint64(6_950_000), f.balance(alice))
	assert.Equal(t, uint64(50_000), f.balance(treasury))
	assert.Zero(t, f.balance(bob))
	_, ok := f.market.Listing(id)
	assert.False(t, ok)

	balance, _ := f.core.GetLoanDetails(f.ref)
	assert.Equal(t, uint64(5_040_000), balance.Uint64(), "debt travels with the position")
}

func TestTakeListing_RevertsAtomically(t *testing.T) {
	f := setup(t)
	id := f.list(t, 2_000_000)
	testutil.Fund(t, f.env, bob, usdc, 2_000_000)
	// Enough for the seller leg, not for the fee leg.
	f.env.As(bob).Approve(marketAddr, usdc, testutil.U(1_960_000))

	err := f.market.TakeListing(f.env.As(bob), id)
	assert.ErrorIs(t, err, state.ErrInsufficientAllowance)

	assert.Equal(t, alice, f.borrower())
	assert.Equal(t, uint64(5_000_000), f.balance(alice))
	assert.Equal(t, uint64(2_000_000), f.balance(bob))
	assert.Zero(t, f.balance(treasury))
	l, ok := f.market.Listing(id)
	require.True(t, ok)
	assert.Equal(t, alice, l.Owner)
	assert.Equal(t, uint64(1_960_000), f.env.Allowance(bob, marketAddr, usdc).Uint64())
}

func TestCreateListing_Validation(t *testing.T) {
	f := setup(t)

	_, err := f.market.CreateListing(f.env.As(bob), loanAddr, f.ref, usdc, testutil.U(1), 0)
	assert.ErrorIs(t, err, market.ErrNotSeller)
	_, err = f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, weth, testutil.U(1), 0)
	assert.ErrorIs(t, err, market.ErrPaymentToken)
	_, err = f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, usdc, testutil.U(0), 0)
	assert.ErrorIs(t, err, market.ErrZeroPrice)
	_, err = f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, usdc, testutil.U(1), f.env.Time)
	assert.ErrorIs(t, err, market.ErrExpired)
	_, err = f.market.CreateListing(f.env.As(alice), testutil.Addr(0x99), f.ref, usdc, testutil.U(1), 0)
	assert.ErrorIs(t, err, market.ErrUnknownLoanMarket)

	f.list(t, 1)
	_, err = f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, usdc, testutil.U(2), 0)
	assert.ErrorIs(t, err, market.ErrAlreadyListed)
}

func TestTakeListing_ExpiredAndCancelled(t *testing.T) {
	f := setup(t)
	id, err := f.market.CreateListing(f.env.As(alice), loanAddr, f.ref, usdc, testutil.U(1_000), f.env.Time+60)
	require.NoError(t, err)

	assert.ErrorIs(t, f.market.TakeListing(f.env.At(f.env.Time+60).As(bob), id), market.ErrExpired)
	assert.ErrorIs(t, f.market.TakeListing(f.env.As(alice), id), market.ErrSelfTrade)

	assert.ErrorIs(t, f.market.CancelListing(f.env.As(bob), id), market.ErrNotListingOwner)
	require.NoError(t, f.market.CancelListing(f.env.As(alice), id))
	assert.ErrorIs(t, f.market.TakeListing(f.env.As(bob), id), market.ErrListingNotFound)
}

func TestTakeListing_DebtBound(t *testing.T) {
	f := setup(t)
	id := f.list(t, 1_000)
	l, ok := f.market.Listing(id)
	require.True(t, ok)
	assert.Equal(t, uint64(5_040_000), l.Debt.Uint64())

	require.NoError(t, f.core.IncreaseLoan(f.env.As(alice), f.ref, testutil.U(1_000_000)))
	testutil.Fund(t, f.env, bob, usdc, 1_000)
	f.env.As(bob).Approve(marketAddr, usdc, testutil.U(1_000))

	err := f.market.TakeListing(f.env.As(bob), id)
	assert.ErrorIs(t, err, market.ErrDebtGrown)
	assert.Equal(t, alice, f.borrower())
	assert.Equal(t, uint64(1_000), f.balance(bob))

	require.NoError(t, f.market.UpdateListing(f.env.As(alice), id, testutil.U(1_000), 0))
	require.NoError(t, f.market.TakeListing(f.env.As(bob), id))
	assert.Equal(t, bob, f.borrower())
}

func TestTakeListing_Unapproved(t *testing.T) {
	f := setup(t)
	id := f.list(t, 1_000)
	require.NoError(t, f.core.SetApprovedContract(f.env.As(owner), marketAddr, false))
	testutil.Fund(t, f.env, bob, usdc, 1_000)
	f.env.As(bob).Approve(marketAddr, usdc, testutil.U(1_000))

	err := f.market.TakeListing(f.env.As(bob), id)
	assert.ErrorIs(t, err, loan.ErrUnapprovedContract)
	assert.Equal(t, uint64(1_000), f.balance(bob))
}

func TestOffer_AcceptAndCancel(t *testing.T) {
	f := setup(t)
	testutil.Fund(t, f.env, bob, usdc, 6_000_000)
	f.env.As(bob).Approve(marketAddr, usdc, state.MaxAllowance())

	tight, err := f.market.CreateOffer(f.env.As(bob), loanAddr, f.ref, usdc, testutil.U(3_000_000), testutil.U(5_000_000), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000), f.balance(marketAddr))
	assert.ErrorIs(t, f.market.AcceptOffer(f.env.As(alice), tight), market.ErrDebtTooHigh)
	assert.ErrorIs(t, f.market.CancelOffer(f.env.As(alice), tight), market.ErrNotOfferOwner)
	require.NoError(t, f.market.CancelOffer(f.env.As(bob), tight))
	assert.Equal(t, uint64(6_000_000), f.balance(bob))

	listing := f.list(t, 4_000_000)
	open, err := f.market.CreateOffer(f.env.As(bob), loanAddr, f.ref, usdc, testutil.U(3_000_000), nil, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, f.market.AcceptOffer(f.env.As(bob), open), market.ErrNotSeller)
	require.NoError(t, f.market.AcceptOffer(f.env.As(alice), open))

	assert.Equal(t, bob, f.borrower())
	assert.Equal(t, uint64(7_925_000), f.balance(alice))
	assert.Equal(t, uint64(75_000), f.balance(treasury))
	assert.Zero(t, f.balance(marketAddr))
	_, ok := f.market.Listing(listing)
	assert.False(t, ok, "accepting an offer removes the listing")
}

func TestSnapshotRestore(t *testing.T) {
	f := setup(t)
	f.list(t, 1_000)
	testutil.Fund(t, f.env, bob, usdc, 500)
	f.env.As(bob).Approve(marketAddr, usdc, testutil.U(500))
	_, err := f.market.CreateOffer(f.env.As(bob), loanAddr, f.ref, usdc, testutil.U(500), nil, 0)
	require.NoError(t, err)

	restored, err := market.New(marketAddr, owner, treasury, 0, loans{loanAddr: f.core})
	require.NoError(t, err)
	restored.Restore(f.market.Snapshot())
	assert.Equal(t, f.market.Snapshot(), restored.Snapshot())
	assert.Equal(t, uint64(250), restored.FeeBps())
}
