package loan

import (
	"fmt"
	"strconv"

	"FortyAcres/internal/ledger"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Pay pulls up to amount of principal asset from the caller against ref's
// balance. Zero, or anything above the balance, pays the balance in full.
// Anyone may pay; the caller must have approved the market.
func (c *Core) Pay(env *state.Env, ref CollateralRef, amount *uint256.Int) (paid *uint256.Int, err error) {
	done, err := c.enter(env)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	p, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}
	paid = p.Balance.Clone()
	if amount != nil && !amount.IsZero() && amount.Lt(paid) {
		paid = amount.Clone()
	}
	if paid.IsZero() {
		return paid, nil
	}
	if err := c.self(env).TransferFrom(env.Sender, c.address, c.Asset(), paid, ledger.JournalTypeRepayment); err != nil {
		return nil, fmt.Errorf("pull repayment: %w", err)
	}
	next, err := c.repay(env, p, paid)
	if err != nil {
		return nil, err
	}
	env.Emit(c.address, "LoanPaid", map[string]string{
		"ref":     ref.Key(),
		"payer":   env.Sender.Hex(),
		"amount":  paid.Dec(),
		"balance": next.Balance.Dec(),
	})
	return paid, nil
}

// ClaimCollateral closes a debt-free position and returns its tokens and
// any retained surplus to the borrower.
func (c *Core) ClaimCollateral(env *state.Env, ref CollateralRef) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if env.Sender != p.Borrower {
		return ErrNotBorrower
	}
	if !p.Balance.IsZero() {
		return fmt.Errorf("%w: %s", ErrOutstandingBalance, p.Balance.Dec())
	}
	c.remove(env, p)

	self := c.self(env)
	for _, id := range p.Tokens {
		if err := c.custodian.TransferFrom(self, c.address, p.Borrower, id); err != nil {
			return fmt.Errorf("release token %d: %w", id, err)
		}
	}
	if !p.Retained.IsZero() {
		if err := self.Transfer(p.Borrower, c.Asset(), p.Retained, ledger.JournalTypeSurplusPayout); err != nil {
			return err
		}
	}
	env.Emit(c.address, "CollateralClaimed", map[string]string{
		"ref":      ref.Key(),
		"borrower": p.Borrower.Hex(),
		"retained": p.Retained.Dec(),
	})
	return nil
}

// Merge folds the veNFT `from` into `into`. Both must back positions here
// with the same borrower; debts and retained surplus are summed into the
// surviving position. In account-keyed markets both tokens usually back
// the same account position, whose debt is already shared, so only the
// token list changes.
func (c *Core) Merge(env *state.Env, from, into uint64) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	srcKey, ok := c.tokenIndex[from]
	if !ok {
		return fmt.Errorf("%w: token %d", ErrLoanNotFound, from)
	}
	dstKey, ok := c.tokenIndex[into]
	if !ok {
		return fmt.Errorf("%w: token %d", ErrLoanNotFound, into)
	}
	if from == into || (srcKey == dstKey && !c.accountKeyed) {
		return ErrSameCollateral
	}
	src, dst := c.positions[srcKey], c.positions[dstKey]
	if env.Sender != src.Borrower || env.Sender != dst.Borrower {
		return ErrNotBorrower
	}

	next := dst.clone()
	if srcKey == dstKey {
		next.Tokens = withoutToken(next.Tokens, from)
		state.DeleteKey(env.Journal(), c.tokenIndex, from)
	} else {
		if len(src.Tokens) != 1 {
			return ErrUnsupportedMerge
		}
		next.Balance.Add(next.Balance, src.Balance)
		next.UnpaidFees.Add(next.UnpaidFees, src.UnpaidFees)
		next.Retained.Add(next.Retained, src.Retained)
		c.remove(env, src)
	}
	c.put(env, next)

	self := c.self(env)
	if c.custodian.Voted(from) {
		if err := c.router.Reset(self, from); err != nil {
			return fmt.Errorf("reset token %d: %w", from, err)
		}
	}
	if err := c.custodian.Merge(self, from, into); err != nil {
		return fmt.Errorf("merge %d into %d: %w", from, into, err)
	}
	env.Emit(c.address, "CollateralMerged", map[string]string{
		"from":    strconv.FormatUint(from, 10),
		"into":    strconv.FormatUint(into, 10),
		"balance": next.Balance.Dec(),
	})
	return nil
}

func withoutToken(ids []uint64, id uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// SetBorrower hands a position to a new borrower. Only approved contracts
// (a market settling a sale) may call it.
func (c *Core) SetBorrower(env *state.Env, ref CollateralRef, borrower common.Address) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if !c.approvedContracts[env.Sender] {
		return ErrUnapprovedContract
	}
	if borrower == (common.Address{}) {
		return ErrZeroAddress
	}
	p, err := c.lookup(ref)
	if err != nil {
		return err
	}
	next := p.clone()
	next.Borrower = borrower
	if c.payoff[p.Borrower] == ref.Key() {
		state.DeleteKey(env.Journal(), c.payoff, p.Borrower)
	}
	c.put(env, next)
	env.Emit(c.address, "BorrowerChanged", map[string]string{
		"ref":  ref.Key(),
		"from": p.Borrower.Hex(),
		"to":   borrower.Hex(),
	})
	return nil
}
