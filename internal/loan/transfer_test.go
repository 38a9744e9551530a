package loan_test

import (
	"testing"

	"FortyAcres/internal/loan"
	"FortyAcres/internal/state"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	factoryAddr = testutil.Addr(0xfa)
	aliceAcct   = testutil.Addr(0xac)
)

// fakeFactory maps every owner to one fixed account.
type fakeFactory struct{}

func (fakeFactory) Address() common.Address { return factoryAddr }

func (fakeFactory) GetOrCreate(*state.Env, common.Address) (common.Address, error) {
	return aliceAcct, nil
}

func (fakeFactory) IsAccount(addr common.Address) bool { return addr == aliceAcct }

func (f *fixture) approveBoth(a, b *loan.Core) {
	f.t.Helper()
	require.NoError(f.t, a.SetApprovedContract(f.env.As(owner), b.Address(), true))
	require.NoError(f.t, b.SetApprovedContract(f.env.As(owner), a.Address(), true))
}

func TestTransferWithin40Acres_Refinances(t *testing.T) {
	f := setup(t)
	core2 := f.newCore(core2Addr, false, nil)
	ref := f.borrow(f.core, alice, f.token, 5_000_000, loan.LoanOptions{TopUp: true})
	f.approveBoth(f.core, core2)

	err := f.core.TransferWithin40Acres(f.env.As(alice), core2Addr, ref, testutil.U(6_000_000), nil)
	require.NoError(t, err)

	_, ok := f.core.Position(ref)
	assert.False(t, ok)
	p, ok := core2.Position(ref)
	require.True(t, ok)
	assert.Equal(t, alice, p.Borrower)
	assert.Equal(t, uint64(6_048_000), p.Balance.Uint64())
	assert.True(t, p.TopUp, "options carry over")

	holder, err := f.ve.OwnerOf(f.token)
	require.NoError(t, err)
	assert.Equal(t, core2Addr, holder)
	assert.Equal(t, uint64(5_960_000), f.balance(alice, usdc))
	assert.Equal(t, uint64(6_000_000), f.vault.Outstanding().Uint64())
	assert.Zero(t, f.balance(coreAddr, usdc))
}

func TestTransferWithin40Acres_Guards(t *testing.T) {
	f := setup(t)
	core2 := f.newCore(core2Addr, false, nil)
	ref := f.borrow(f.core, alice, f.token, 5_000_000, loan.LoanOptions{})

	require.NoError(t, f.core.SetApprovedContract(f.env.As(owner), core2Addr, true))
	err := f.core.TransferWithin40Acres(f.env.As(alice), core2Addr, ref, testutil.U(6_000_000), nil)
	assert.ErrorIs(t, err, loan.ErrUnapprovedContract, "approval must be mutual")

	require.NoError(t, core2.SetApprovedContract(f.env.As(owner), coreAddr, true))
	err = f.core.TransferWithin40Acres(f.env.As(bob), core2Addr, ref, testutil.U(6_000_000), nil)
	assert.ErrorIs(t, err, loan.ErrNotBorrower)

	err = f.core.TransferWithin40Acres(f.env.As(alice), testutil.Addr(0x99), ref, testutil.U(6_000_000), nil)
	assert.ErrorIs(t, err, loan.ErrIncompatibleMarket)

	err = f.core.TransferWithin40Acres(f.env.As(alice), core2Addr, ref, testutil.U(5_000_000), nil)
	assert.ErrorIs(t, err, loan.ErrInsufficientPayoff)

	holder, _ := f.ve.OwnerOf(f.token)
	assert.Equal(t, coreAddr, holder, "failed transfer keeps custody")
	_, ok := core2.Position(ref)
	assert.False(t, ok)
}

func TestMigrateNft_ToAccountMarket(t *testing.T) {
	f := setup(t)
	successor := f.newCore(core2Addr, true, fakeFactory{})
	require.NoError(t, successor.SetApprovedContract(f.env.As(owner), coreAddr, true))
	ref := f.borrow(f.core, alice, f.token, 5_000_000, loan.LoanOptions{})

	assert.ErrorIs(t, f.core.MigrateNft(f.env.As(alice), f.token, core2Addr, factoryAddr), loan.ErrNotOwner)
	err := f.core.MigrateNft(f.env.As(owner), f.token, core2Addr, testutil.Addr(0x98))
	assert.ErrorIs(t, err, loan.ErrIncompatibleMarket)

	require.NoError(t, f.core.MigrateNft(f.env.As(owner), f.token, core2Addr, factoryAddr))

	_, ok := f.core.Position(ref)
	assert.False(t, ok)
	p, ok := successor.Position(loan.AccountRef(aliceAcct))
	require.True(t, ok)
	assert.Equal(t, aliceAcct, p.Borrower)
	assert.Equal(t, []uint64{f.token}, p.Tokens)
	assert.Equal(t, uint64(5_040_000), p.Balance.Uint64())
	assert.Equal(t, uint64(40_000), p.UnpaidFees.Uint64())

	byToken, ok := successor.PositionByToken(f.token)
	require.True(t, ok)
	assert.Equal(t, p.Ref, byToken.Ref)
	holder, _ := f.ve.OwnerOf(f.token)
	assert.Equal(t, core2Addr, holder)
}

func TestRequestLoan_AccountMarketRequiresAccount(t *testing.T) {
	f := setup(t)
	accounts := f.newCore(core2Addr, true, fakeFactory{})
	require.NoError(t, f.ve.Approve(f.env.As(alice), core2Addr, f.token))

	_, err := accounts.RequestLoan(f.env.As(alice), f.token, testutil.U(1_000_000), loan.LoanOptions{})
	assert.ErrorIs(t, err, loan.ErrNotPortfolioAccount)
}
