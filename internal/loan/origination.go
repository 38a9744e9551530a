package loan

import (
	"fmt"
	"strconv"

	"FortyAcres/internal/ledger"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GetMaxLoan returns how much more ref can borrow right now, and the
// nominal value of its collateral ignoring the vault supply cap.
//
// A token id with no position yet is priced on its own so borrowers can
// size a first request.
func (c *Core) GetMaxLoan(env *state.Env, ref CollateralRef) (*uint256.Int, *uint256.Int) {
	tokens, balance := c.collateralOf(ref)
	return c.capacity(env, tokens, balance)
}

func (c *Core) collateralOf(ref CollateralRef) ([]uint64, *uint256.Int) {
	if p, ok := c.positions[ref.Key()]; ok {
		return p.Tokens, p.Balance
	}
	if ref.IsAccount() {
		return nil, new(uint256.Int)
	}
	return []uint64{ref.TokenID}, new(uint256.Int)
}

func (c *Core) capacity(env *state.Env, tokens []uint64, balance *uint256.Int) (*uint256.Int, *uint256.Int) {
	weight := new(uint256.Int)
	for _, id := range tokens {
		weight.Add(weight, c.valuer.Weight(id, env.Time))
	}
	nominal, err := fpmath.MulDiv(weight, uint256.NewInt(c.params.Multiplier), fpmath.WAD(), fpmath.RoundDown)
	if err != nil {
		nominal = new(uint256.Int).SetAllOne()
	}
	nominal = fpmath.ApplyBps(nominal, c.params.RewardsRate)

	if !balance.Lt(nominal) {
		return new(uint256.Int), nominal
	}
	limit := new(uint256.Int).Sub(nominal, balance)

	idle := c.vault.Idle(env)
	outstanding := c.vault.Outstanding()
	window := fpmath.ApplyBps(new(uint256.Int).Add(idle, outstanding), c.params.MaxUtilization)
	if !outstanding.Lt(window) {
		return new(uint256.Int), nominal
	}
	limit = fpmath.Min(limit, new(uint256.Int).Sub(window, outstanding))
	limit = fpmath.Min(limit, idle)
	return limit, nominal
}

func (c *Core) validateOptions(opts LoanOptions) error {
	if !opts.ZeroBalanceOption.Valid() {
		return ErrInvalidZeroBalance
	}
	if opts.IncreasePercentage > fpmath.BasisPoints {
		return ErrInvalidPercentage
	}
	if opts.PreferredToken != (common.Address{}) && !c.approvedTokens[opts.PreferredToken] {
		return ErrUnapprovedToken
	}
	return nil
}

// RequestLoan takes custody of tokenID and, when amount is non-zero, lends
// amount to the caller. In account-keyed markets the caller must be a
// portfolio account and the token joins that account's position.
func (c *Core) RequestLoan(env *state.Env, tokenID uint64, amount *uint256.Int, opts LoanOptions) (ref CollateralRef, err error) {
	done, err := c.enter(env)
	if err != nil {
		return CollateralRef{}, err
	}
	defer done(&err)

	if err := c.validateOptions(opts); err != nil {
		return CollateralRef{}, err
	}
	if _, locked := c.tokenIndex[tokenID]; locked {
		return CollateralRef{}, ErrLoanExists
	}
	borrower := env.Sender
	ref = NFT(tokenID)
	if c.accountKeyed {
		if c.factory == nil || !c.factory.IsAccount(borrower) {
			return CollateralRef{}, ErrNotPortfolioAccount
		}
		ref = AccountRef(borrower)
	}

	var next *Position
	if p, ok := c.positions[ref.Key()]; ok {
		next = p.clone()
		next.Tokens = append(next.Tokens, tokenID)
	} else {
		next = &Position{
			Ref:                ref,
			Borrower:           borrower,
			Tokens:             []uint64{tokenID},
			Balance:            new(uint256.Int),
			UnpaidFees:         new(uint256.Int),
			Retained:           new(uint256.Int),
			ZeroBalanceOption:  opts.ZeroBalanceOption,
			IncreasePercentage: opts.IncreasePercentage,
			PreferredToken:     opts.PreferredToken,
			TopUp:              opts.TopUp,
			OpenedAt:           env.Time,
		}
	}

	if err := c.custodian.TransferFrom(c.self(env), borrower, c.address, tokenID); err != nil {
		return CollateralRef{}, fmt.Errorf("take custody of %d: %w", tokenID, err)
	}
	c.put(env, next)
	if opts.PayoffToken {
		state.SetKey(env.Journal(), c.payoff, borrower, ref.Key())
	}

	env.Emit(c.address, "LoanRequested", map[string]string{
		"ref":      ref.Key(),
		"tokenId":  strconv.FormatUint(tokenID, 10),
		"borrower": borrower.Hex(),
		"amount":   fpmath.OrZero(amount).Dec(),
	})
	if amount == nil || amount.IsZero() {
		return ref, nil
	}
	return ref, c.originate(env, ref, amount, borrower)
}

// IncreaseLoan draws more principal against an existing position.
func (c *Core) IncreaseLoan(env *state.Env, ref CollateralRef, amount *uint256.Int) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if env.Sender != p.Borrower && !c.approvedContracts[env.Sender] {
		return ErrNotBorrower
	}
	if amount == nil || amount.IsZero() {
		return ErrInsufficientAmount
	}
	return c.originate(env, ref, amount, p.Borrower)
}

// originate adds amount plus the lender premium to the position and has
// the vault pay amount to `to`.
func (c *Core) originate(env *state.Env, ref CollateralRef, amount *uint256.Int, to common.Address) error {
	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if amount.Lt(uint256.NewInt(c.params.MinLoan)) {
		return ErrInsufficientAmount
	}
	limit, _ := c.GetMaxLoan(env, ref)
	if amount.Gt(limit) {
		return fmt.Errorf("%w: requested %s, limit %s", ErrExceedsMaxLoan, amount.Dec(), limit.Dec())
	}
	fee := fpmath.ApplyBps(amount, c.params.LenderPremium)

	next := p.clone()
	next.Balance.Add(next.Balance, amount)
	next.Balance.Add(next.Balance, fee)
	next.UnpaidFees.Add(next.UnpaidFees, fee)
	c.put(env, next)

	if err := c.vault.Lend(c.self(env), to, amount); err != nil {
		return fmt.Errorf("vault lend: %w", err)
	}
	env.Emit(c.address, "LoanOriginated", map[string]string{
		"ref":     ref.Key(),
		"amount":  amount.Dec(),
		"fee":     fee.Dec(),
		"balance": next.Balance.Dec(),
	})
	return nil
}

// repay books amount against p and moves it from the market into the
// vault: unpaid fees first as yield, then principal. The market must hold
// amount already.
func (c *Core) repay(env *state.Env, p *Position, amount *uint256.Int) (*Position, error) {
	if amount.Gt(p.Balance) {
		return nil, fmt.Errorf("repay %s exceeds balance %s", amount.Dec(), p.Balance.Dec())
	}
	next := p.clone()
	feePart := fpmath.Min(amount, next.UnpaidFees)
	next.Balance.Sub(next.Balance, amount)
	next.UnpaidFees.Sub(next.UnpaidFees, feePart)
	c.put(env, next)
	if err := c.settle(env, amount, feePart); err != nil {
		return nil, err
	}
	return next, nil
}

// settle moves amount to the vault, booking feePart of it as yield.
func (c *Core) settle(env *state.Env, amount, feePart *uint256.Int) error {
	self := c.self(env)
	vaultAddr := c.vault.Address()
	principal := new(uint256.Int).Sub(amount, feePart)
	if !feePart.IsZero() {
		if err := self.Transfer(vaultAddr, c.Asset(), feePart, ledger.JournalTypeOriginationFee); err != nil {
			return err
		}
		if err := c.vault.NotifyYield(self, feePart); err != nil {
			return err
		}
	}
	if !principal.IsZero() {
		if err := self.Transfer(vaultAddr, c.Asset(), principal, ledger.JournalTypeRepayment); err != nil {
			return err
		}
		if err := c.vault.Repay(self, principal); err != nil {
			return err
		}
	}
	return nil
}
