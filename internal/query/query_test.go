package query_test

import (
	"context"
	"testing"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ledger"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/query"
	"FortyAcres/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	asset := testutil.Addr(0xf00d)
	ledger.RegisterAsset(asset, "TST", 6)

	assert.Equal(t, query.Amount{Raw: "1500000", Formatted: "1.5"}, query.FormatAmount(asset, "1500000"))
	assert.Equal(t, "-0.000001", query.FormatAmount(asset, "-1").Formatted)

	unknown := query.FormatAmount(testutil.Addr(0xbad), "42")
	assert.Equal(t, "42", unknown.Raw)
	assert.Empty(t, unknown.Formatted)
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, query.DefaultPageSize, query.PageSize(0))
	assert.Equal(t, 25, query.PageSize(25))
	assert.Equal(t, query.MaxPageSize, query.PageSize(1_000_000))
}

// borrowedCore returns a core where an LP funded the vault with 100 USDC
// and a borrower drew 5 USDC against a permanent lock.
func borrowedCore(t *testing.T) (*core.DeterministicCore, loan.CollateralRef) {
	t.Helper()
	c := testutil.NewCore(t)
	seq := testutil.NewSequencer()
	lp, alice := testutil.Addr(0x1f), testutil.Addr(0xa1)
	locked := testutil.E(100, 21)

	testutil.Apply(t, c, &event.TokenMinted{Header: seq.Header(lp, testutil.USDC), To: lp, Amount: testutil.U(100_000_000)})
	testutil.Apply(t, c, &event.VaultDeposited{Header: seq.Header(lp, testutil.Vault), Assets: testutil.U(100_000_000), Receiver: lp})
	testutil.Apply(t, c, &event.TokenMinted{Header: seq.Header(alice, testutil.AERO), To: alice, Amount: locked})
	r := testutil.Apply(t, c, &event.LockCreated{Header: seq.Header(alice, testutil.Escrow), Amount: locked, Permanent: true, To: alice})
	tokenID := r.Result.(map[string]uint64)["token_id"]
	testutil.Apply(t, c, &event.NftApproved{Header: seq.Header(alice, testutil.Escrow), Spender: testutil.Market, TokenID: tokenID})
	r = testutil.Apply(t, c, &event.LoanRequested{Header: seq.Header(alice, testutil.Market), TokenID: tokenID, Amount: testutil.U(5_000_000)})
	return c, r.Result.(loan.CollateralRef)
}

func runCore(t *testing.T, c *core.DeterministicCore) *query.LiveReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan core.Command)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, cmds)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return query.NewLiveReader(cmds).WithClock(testutil.Clock())
}

func TestLiveReader_LoanAndVault(t *testing.T) {
	c, ref := borrowedCore(t)
	lr := runCore(t, c)
	ctx := context.Background()

	view, err := lr.Loan(ctx, testutil.Market, ref)
	require.NoError(t, err)
	assert.Equal(t, "5040000", view.Details.Balance.Dec())
	assert.Equal(t, "40000", view.Details.UnpaidFees.Dec())
	assert.Equal(t, testutil.Addr(0xa1), view.Details.Borrower)

	v, err := lr.Vault(ctx, testutil.Vault, nil)
	require.NoError(t, err)
	assert.Equal(t, "95000000", v.Idle.Raw)
	assert.Equal(t, "95", v.Idle.Formatted)
	assert.Equal(t, "5000000", v.Outstanding.Raw)
	assert.Equal(t, "100000000", v.TotalAssets.Raw)
	assert.Equal(t, "1", v.SharePrice)
	assert.Nil(t, v.Shares)

	lp := testutil.Addr(0x1f)
	v, err = lr.Vault(ctx, testutil.Vault, &lp)
	require.NoError(t, err)
	require.NotNil(t, v.Shares)
	assert.Equal(t, "100000000", *v.Shares)
	assert.Equal(t, "95000000", v.MaxWithdraw.Raw)
}

func TestLiveReader_MarketAndFlashFee(t *testing.T) {
	c, _ := borrowedCore(t)
	lr := runCore(t, c)
	ctx := context.Background()

	m, err := lr.Market(ctx, testutil.Market)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Positions)
	assert.Equal(t, "95000000", m.MaxFlashLoan.Raw)
	assert.Nil(t, m.PendingUpgrade)

	fee, err := lr.FlashFee(ctx, testutil.Market, testutil.U(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "900", fee.Fee.Raw)
	assert.Equal(t, "0.0009", fee.Fee.Formatted)
}

func TestLiveReader_NotFound(t *testing.T) {
	lr := runCore(t, testutil.NewCore(t))
	ctx := context.Background()

	_, err := lr.Loan(ctx, testutil.Market, loan.NFT(99))
	assert.ErrorIs(t, err, query.ErrNotFound)
	_, err = lr.Market(ctx, testutil.Addr(0xdead))
	assert.ErrorIs(t, err, query.ErrNotFound)
	_, err = lr.Listing(ctx, 1)
	assert.ErrorIs(t, err, query.ErrNotFound)
	_, err = lr.Offer(ctx, 1)
	assert.ErrorIs(t, err, query.ErrNotFound)
	_, err = lr.Earned(ctx, testutil.Addr(0xdead), testutil.USDC, testutil.Owner)
	assert.ErrorIs(t, err, query.ErrNotFound)

	earned, err := lr.Earned(ctx, testutil.Community, testutil.USDC, testutil.Owner)
	require.NoError(t, err)
	assert.Equal(t, "0", earned.Earned.Raw)
}

func TestLiveReader_ContextCancelled(t *testing.T) {
	// No core is draining the channel.
	lr := query.NewLiveReader(make(chan core.Command))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := lr.Vault(ctx, testutil.Vault, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
