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

func (c *Core) peer(addr common.Address) (*Core, error) {
	if c.peers == nil {
		return nil, ErrIncompatibleMarket
	}
	target, ok := c.peers.Market(addr)
	if !ok || target == c {
		return nil, ErrIncompatibleMarket
	}
	return target, nil
}

func optionsOf(p *Position) LoanOptions {
	return LoanOptions{
		ZeroBalanceOption:  p.ZeroBalanceOption,
		IncreasePercentage: p.IncreasePercentage,
		PreferredToken:     p.PreferredToken,
		TopUp:              p.TopUp,
	}
}

// TransferWithin40Acres refinances ref into the target market: the target
// takes custody and lends newBorrowAmount, the proceeds (swapped into this
// market's asset when the assets differ) repay ref in full and the rest
// goes to the borrower. Both markets must approve each other.
func (c *Core) TransferWithin40Acres(env *state.Env, target common.Address, ref CollateralRef, newBorrowAmount *uint256.Int, swapData []byte) (err error) {
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
	tc, err := c.peer(target)
	if err != nil {
		return err
	}
	if !c.approvedContracts[target] || !tc.approvedContracts[c.address] {
		return ErrUnapprovedContract
	}
	if c.accountKeyed || tc.accountKeyed || len(p.Tokens) != 1 {
		return ErrIncompatibleMarket
	}

	asset, other := c.Asset(), tc.Asset()
	tokenID := p.Tokens[0]
	debt := p.Balance.Clone()
	c.remove(env, p)

	self := c.self(env)
	beforeAsset := env.BalanceOf(c.address, asset)
	beforeOther := env.BalanceOf(c.address, other)
	if err := c.custodian.TransferFrom(self, c.address, target, tokenID); err != nil {
		return fmt.Errorf("move custody: %w", err)
	}
	if err := tc.AcceptTransfer(self, tokenID, p.Borrower, newBorrowAmount, optionsOf(p)); err != nil {
		return fmt.Errorf("target origination: %w", err)
	}
	if other != asset && len(swapData) > 0 {
		if c.swapper == nil {
			return ErrZeroAddress
		}
		gained := fpmath.SaturatingSub(env.BalanceOf(c.address, other), beforeOther)
		self.Approve(c.swapper.Address(), other, gained)
		if err := c.swapper.Execute(self, swapData); err != nil {
			return fmt.Errorf("swap proceeds: %w", err)
		}
		self.Approve(c.swapper.Address(), other, new(uint256.Int))
	}

	afterAsset := env.BalanceOf(c.address, asset)
	if afterAsset.Lt(beforeAsset) {
		return ErrInsufficientPayoff
	}
	proceeds := new(uint256.Int).Sub(afterAsset, beforeAsset)
	if proceeds.Lt(debt) {
		return fmt.Errorf("%w: proceeds %s, balance %s", ErrInsufficientPayoff, proceeds.Dec(), debt.Dec())
	}
	if err := c.settle(env, debt, fpmath.Min(debt, p.UnpaidFees)); err != nil {
		return err
	}

	rest := new(uint256.Int).Sub(proceeds, debt)
	rest.Add(rest, p.Retained)
	if err := self.Transfer(p.Borrower, asset, rest, ledger.JournalTypeSurplusPayout); err != nil {
		return err
	}
	if other != asset {
		left := fpmath.SaturatingSub(env.BalanceOf(c.address, other), beforeOther)
		if err := self.Transfer(p.Borrower, other, left, ledger.JournalTypeSurplusPayout); err != nil {
			return err
		}
	}
	env.Emit(c.address, "LoanTransferred", map[string]string{
		"ref":     ref.Key(),
		"target":  target.Hex(),
		"repaid":  debt.Dec(),
		"borrow":  fpmath.OrZero(newBorrowAmount).Dec(),
		"tokenId": strconv.FormatUint(tokenID, 10),
	})
	return nil
}

// AcceptTransfer is the receiving side of TransferWithin40Acres. The token
// must already be in this market's custody; borrowed proceeds go to the
// calling market.
func (c *Core) AcceptTransfer(env *state.Env, tokenID uint64, borrower common.Address, amount *uint256.Int, opts LoanOptions) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if !c.approvedContracts[env.Sender] {
		return ErrUnapprovedContract
	}
	if err := c.validateOptions(opts); err != nil {
		return err
	}
	if _, locked := c.tokenIndex[tokenID]; locked {
		return ErrLoanExists
	}
	if owner, err := c.valuer.OwnerOf(tokenID); err != nil || owner != c.address {
		return fmt.Errorf("%w: token %d not in custody", ErrUnauthorized, tokenID)
	}
	ref := NFT(tokenID)
	c.put(env, &Position{
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
	})
	env.Emit(c.address, "LoanTransferAccepted", map[string]string{
		"ref":      ref.Key(),
		"from":     env.Sender.Hex(),
		"borrower": borrower.Hex(),
	})
	if amount == nil || amount.IsZero() {
		return nil
	}
	return c.originate(env, ref, amount, env.Sender)
}

// MigrateNft moves a token-keyed position into an account-keyed successor
// sharing the same vault. The borrower's portfolio account is created if
// needed and becomes the borrower of record; balance and unpaid fees carry
// over unchanged. Owner only.
func (c *Core) MigrateNft(env *state.Env, tokenID uint64, successor, portfolioFactory common.Address) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if env.Sender != c.owner {
		return ErrNotOwner
	}
	key, ok := c.tokenIndex[tokenID]
	if !ok {
		return fmt.Errorf("%w: token %d", ErrLoanNotFound, tokenID)
	}
	p := c.positions[key]
	tc, err := c.peer(successor)
	if err != nil {
		return err
	}
	switch {
	case c.accountKeyed, !tc.accountKeyed, len(p.Tokens) != 1:
		return ErrIncompatibleMarket
	case tc.vault.Address() != c.vault.Address():
		return fmt.Errorf("%w: vaults differ", ErrIncompatibleMarket)
	case tc.factory == nil || tc.factory.Address() != portfolioFactory:
		return fmt.Errorf("%w: portfolio factory %s", ErrIncompatibleMarket, portfolioFactory.Hex())
	}

	self := c.self(env)
	account, err := tc.factory.GetOrCreate(self, p.Borrower)
	if err != nil {
		return fmt.Errorf("portfolio account: %w", err)
	}
	c.remove(env, p)
	if err := c.custodian.TransferFrom(self, c.address, successor, tokenID); err != nil {
		return fmt.Errorf("move custody: %w", err)
	}
	if !p.Retained.IsZero() {
		if err := self.Transfer(successor, c.Asset(), p.Retained, ledger.JournalTypeTransfer); err != nil {
			return err
		}
	}
	if err := tc.AcceptMigration(self, account, p); err != nil {
		return fmt.Errorf("successor: %w", err)
	}
	env.Emit(c.address, "NftMigrated", map[string]string{
		"tokenId":  strconv.FormatUint(tokenID, 10),
		"borrower": p.Borrower.Hex(),
		"account":  account.Hex(),
		"balance":  p.Balance.Dec(),
	})
	return nil
}

// AcceptMigration re-creates src under account. The tokens must already
// be in custody and any retained surplus already transferred.
func (c *Core) AcceptMigration(env *state.Env, account common.Address, src *Position) (err error) {
	done, err := c.enter(env)
	if err != nil {
		return err
	}
	defer done(&err)

	if !c.approvedContracts[env.Sender] {
		return ErrUnapprovedContract
	}
	if !c.accountKeyed || c.factory == nil || !c.factory.IsAccount(account) {
		return ErrNotPortfolioAccount
	}
	for _, id := range src.Tokens {
		if _, locked := c.tokenIndex[id]; locked {
			return ErrLoanExists
		}
		if owner, err := c.valuer.OwnerOf(id); err != nil || owner != c.address {
			return fmt.Errorf("%w: token %d not in custody", ErrUnauthorized, id)
		}
	}

	ref := AccountRef(account)
	var next *Position
	if p, ok := c.positions[ref.Key()]; ok {
		next = p.clone()
		next.Tokens = append(next.Tokens, src.Tokens...)
		next.Balance.Add(next.Balance, src.Balance)
		next.UnpaidFees.Add(next.UnpaidFees, src.UnpaidFees)
		next.Retained.Add(next.Retained, src.Retained)
	} else {
		next = src.clone()
		next.Ref = ref
		next.Borrower = account
		next.OpenedAt = env.Time
	}
	c.put(env, next)
	env.Emit(c.address, "LoanMigrated", map[string]string{
		"ref":     ref.Key(),
		"from":    env.Sender.Hex(),
		"balance": next.Balance.Dec(),
	})
	return nil
}
