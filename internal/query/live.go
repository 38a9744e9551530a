package query

import (
	"context"
	"fmt"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/loan"
	fpmath "FortyAcres/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// LiveReader answers reads that need contract state the projections do not
// hold. Every read runs on the core goroutine between transitions, so it
// observes a committed sequence.
type LiveReader struct {
	cmds chan<- core.Command
	now  func() time.Time
}

func NewLiveReader(cmds chan<- core.Command) *LiveReader {
	return &LiveReader{cmds: cmds, now: time.Now}
}

// WithClock overrides the time reads are evaluated at.
func (lr *LiveReader) WithClock(now func() time.Time) *LiveReader {
	lr.now = now
	return lr
}

func (lr *LiveReader) ts() uint64 { return uint64(lr.now().Unix()) }

func amountOf(asset common.Address, v *uint256.Int) Amount {
	if v == nil {
		return FormatAmount(asset, "0")
	}
	return FormatAmount(asset, v.Dec())
}

func (lr *LiveReader) loanMarket(c *core.DeterministicCore, addr common.Address) (*loan.Core, error) {
	m, ok := c.World().LoanMarket(addr)
	if !ok {
		return nil, fmt.Errorf("%w: loan market %s", ErrNotFound, addr.Hex())
	}
	return m, nil
}

// Loan returns the details of a pledged position and how much more it can
// borrow.
func (lr *LiveReader) Loan(ctx context.Context, market common.Address, ref loan.CollateralRef) (*LoanView, error) {
	var (
		view *LoanView
		err  error
	)
	ts := lr.ts()
	execErr := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m, e := lr.loanMarket(c, market)
		if e != nil {
			err = e
			return
		}
		details, e := m.Details(ref)
		if e != nil {
			err = fmt.Errorf("%w: %v", ErrNotFound, e)
			return
		}
		room, nominal := m.GetMaxLoan(c.World().View(ts), ref)
		view = &LoanView{
			Market:   market.Hex(),
			Details:  details,
			MaxLoan:  amountOf(m.Asset(), room),
			Nominal:  amountOf(m.Asset(), nominal),
			AsOfTime: ts,
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return view, err
}

// MaxLoan sizes a loan for ref whether or not it is pledged yet.
func (lr *LiveReader) MaxLoan(ctx context.Context, market common.Address, ref loan.CollateralRef) (*MaxLoanView, error) {
	var (
		view *MaxLoanView
		err  error
	)
	ts := lr.ts()
	execErr := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m, e := lr.loanMarket(c, market)
		if e != nil {
			err = e
			return
		}
		room, nominal := m.GetMaxLoan(c.World().View(ts), ref)
		view = &MaxLoanView{
			Market:  market.Hex(),
			Ref:     ref.Key(),
			MaxLoan: amountOf(m.Asset(), room),
			Nominal: amountOf(m.Asset(), nominal),
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return view, err
}

// Market describes a loan market.
func (lr *LiveReader) Market(ctx context.Context, market common.Address) (*MarketView, error) {
	var (
		view *MarketView
		err  error
	)
	ts := lr.ts()
	execErr := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m, e := lr.loanMarket(c, market)
		if e != nil {
			err = e
			return
		}
		asset := m.Asset()
		view = &MarketView{
			Address:        market.Hex(),
			Asset:          asset.Hex(),
			Owner:          m.Owner().Hex(),
			Implementation: m.Implementation().Hex(),
			Params:         m.Params(),
			Positions:      m.PositionCount(),
			MaxFlashLoan:   amountOf(asset, m.MaxFlashLoan(c.World().View(ts), asset)),
			EpochRewards:   amountOf(asset, m.RewardsPerEpoch(fpmath.EpochStart(ts))),
		}
		if p, ok := m.PendingUpgrade(); ok {
			view.PendingUpgrade = &p
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return view, err
}

// FlashFee quotes the fee for borrowing amount of the market asset.
func (lr *LiveReader) FlashFee(ctx context.Context, market common.Address, amount *uint256.Int) (*FlashFeeView, error) {
	var (
		view *FlashFeeView
		err  error
	)
	execErr := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m, e := lr.loanMarket(c, market)
		if e != nil {
			err = e
			return
		}
		asset := m.Asset()
		fee, e := m.FlashFee(asset, amount)
		if e != nil {
			err = e
			return
		}
		view = &FlashFeeView{
			Market: market.Hex(),
			Amount: amountOf(asset, amount),
			Fee:    amountOf(asset, fee),
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return view, err
}

// Vault summarizes a vault. A non-nil holder adds its shares and
// withdrawable assets.
func (lr *LiveReader) Vault(ctx context.Context, addr common.Address, holder *common.Address) (*VaultView, error) {
	var (
		view *VaultView
		err  error
	)
	ts := lr.ts()
	execErr := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		v, ok := c.World().Vault(addr)
		if !ok {
			err = fmt.Errorf("%w: vault %s", ErrNotFound, addr.Hex())
			return
		}
		env := c.World().View(ts)
		asset := v.Asset()
		total := v.TotalAssets(env)
		supply := v.TotalSupply()
		view = &VaultView{
			Address:      addr.Hex(),
			Asset:        asset.Hex(),
			TotalAssets:  amountOf(asset, total),
			Idle:         amountOf(asset, v.Idle(env)),
			Outstanding:  amountOf(asset, v.Outstanding()),
			TotalSupply:  supply.Dec(),
			Locked:       amountOf(asset, v.EpochRewardsLocked(ts)),
			SharePrice:   sharePrice(total, supply),
			CurrentEpoch: fpmath.EpochStart(ts),
		}
		if holder != nil {
			shares := v.SharesOf(env, *holder).Dec()
			withdrawable := amountOf(asset, v.MaxWithdraw(env, *holder))
			view.Shares = &shares
			view.MaxWithdraw = &withdrawable
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return view, err
}

// sharePrice is assets per share, 1 for an empty vault.
func sharePrice(assets, supply *uint256.Int) string {
	if supply.IsZero() {
		return "1"
	}
	a := decimal.NewFromBigInt(assets.ToBig(), 0)
	s := decimal.NewFromBigInt(supply.ToBig(), 0)
	return a.DivRound(s, 18).String()
}

// Listing returns an open secondary market listing.
func (lr *LiveReader) Listing(ctx context.Context, id uint64) (*ListingView, error) {
	var view *ListingView
	err := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m := c.World().Market()
		if m == nil {
			return
		}
		if l, ok := m.Listing(id); ok {
			view = &ListingView{Listing: l, Price: amountOf(l.PaymentToken, l.Price)}
		}
	})
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("%w: listing %d", ErrNotFound, id)
	}
	return view, nil
}

// Offer returns an open secondary market offer.
func (lr *LiveReader) Offer(ctx context.Context, id uint64) (*OfferView, error) {
	var view *OfferView
	err := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		m := c.World().Market()
		if m == nil {
			return
		}
		if o, ok := m.Offer(id); ok {
			view = &OfferView{Offer: o, Price: amountOf(o.PaymentToken, o.Price)}
		}
	})
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("%w: offer %d", ErrNotFound, id)
	}
	return view, nil
}

// Earned returns owner's deposited balance in a community ledger and its
// claimable rewards in token.
func (lr *LiveReader) Earned(ctx context.Context, ledgerAddr, token, owner common.Address) (*EarnedView, error) {
	var view *EarnedView
	ts := lr.ts()
	err := core.Exec(ctx, lr.cmds, func(c *core.DeterministicCore) {
		l, ok := c.World().Community(ledgerAddr)
		if !ok {
			return
		}
		view = &EarnedView{
			Ledger:  ledgerAddr.Hex(),
			Owner:   owner.Hex(),
			Token:   token.Hex(),
			Balance: l.BalanceOf(owner).Dec(),
			Earned:  amountOf(token, l.Earned(token, owner, ts)),
		}
	})
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("%w: community ledger %s", ErrNotFound, ledgerAddr.Hex())
	}
	return view, nil
}
