package core

import (
	"errors"
	"fmt"

	"FortyAcres/internal/community"
	"FortyAcres/internal/escrow"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ledger"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/market"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/rewards"
	"FortyAcres/internal/state"
	"FortyAcres/internal/swap"
	"FortyAcres/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownContract = errors.New("core: no contract at address")
	ErrUnknownSetting  = errors.New("core: unknown setting")
	ErrUnknownEvent    = errors.New("core: unknown event type")
)

// Apply executes evt against the world inside the open transition env.
// The returned value is the call result reported back to the submitter.
func (w *World) Apply(env *state.Env, evt event.Event) (any, error) {
	caller := env.As(evt.Caller())
	switch e := evt.(type) {
	case *event.TokenMinted:
		return nil, caller.Mint(e.To, e.Contract, fpmath.OrZero(e.Amount), ledger.JournalTypeDeposit)
	case *event.TokenBurned:
		return nil, caller.Burn(e.Sender, e.Contract, fpmath.OrZero(e.Amount), ledger.JournalTypeWithdrawal)
	case *event.TokenTransferred:
		return nil, caller.Transfer(e.To, e.Contract, fpmath.OrZero(e.Amount), ledger.JournalTypeTransfer)
	case *event.TokenApproved:
		caller.Approve(e.Spender, e.Contract, fpmath.OrZero(e.Amount))
		return nil, nil
	case *event.LockCreated:
		ve, err := w.escrowAt(e.Contract)
		if err != nil {
			return nil, err
		}
		id, err := ve.CreateLock(caller, fpmath.OrZero(e.Amount), e.Duration, e.Permanent, e.To)
		return map[string]uint64{"token_id": id}, err
	case *event.NftApproved:
		ve, err := w.escrowAt(e.Contract)
		if err != nil {
			return nil, err
		}
		return nil, ve.Approve(caller, e.Spender, e.TokenID)
	case *event.NftTransferred:
		ve, err := w.escrowAt(e.Contract)
		if err != nil {
			return nil, err
		}
		return nil, ve.TransferFrom(caller, e.From, e.To, e.TokenID)
	case *event.RewardNotified:
		v, err := w.voterAt(e.Contract)
		if err != nil {
			return nil, err
		}
		return nil, v.NotifyReward(caller, e.Distributor, e.TokenID, e.Token, fpmath.OrZero(e.Amount))
	case *event.SwapRateSet:
		r, err := w.swapAt(e.Contract)
		if err != nil {
			return nil, err
		}
		return nil, r.SetRate(caller, e.TokenIn, e.TokenOut, fpmath.OrZero(e.RateWad))

	case *event.VaultDeposited:
		v, err := w.vaultAt(e.Contract)
		if err != nil {
			return nil, err
		}
		shares, err := v.Deposit(caller, fpmath.OrZero(e.Assets), e.Receiver)
		return amountResult("shares", shares), err
	case *event.VaultWithdrawn:
		v, err := w.vaultAt(e.Contract)
		if err != nil {
			return nil, err
		}
		shares, err := v.Withdraw(caller, fpmath.OrZero(e.Assets), e.Receiver, e.Owner)
		return amountResult("shares", shares), err
	case *event.VaultRedeemed:
		v, err := w.vaultAt(e.Contract)
		if err != nil {
			return nil, err
		}
		assets, err := v.Redeem(caller, fpmath.OrZero(e.Shares), e.Receiver, e.Owner)
		return amountResult("assets", assets), err
	}

	switch evt.EventType().Domain() {
	case "loan":
		c, err := w.loanAt(evt.Target())
		if err != nil {
			return nil, err
		}
		return w.applyLoan(caller, c, evt)
	case "market":
		m, err := w.marketAt(evt.Target())
		if err != nil {
			return nil, err
		}
		return applyMarket(caller, m, evt)
	case "portfolio":
		return w.applyPortfolio(caller, evt)
	case "community":
		l, err := w.communityAt(evt.Target())
		if err != nil {
			return nil, err
		}
		return applyCommunity(caller, l, evt)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
}

func (w *World) applyLoan(env *state.Env, c *loan.Core, evt event.Event) (any, error) {
	switch e := evt.(type) {
	case *event.LoanRequested:
		return c.RequestLoan(env, e.TokenID, fpmath.OrZero(e.Amount), e.Options)
	case *event.LoanIncreased:
		return nil, c.IncreaseLoan(env, e.Ref, fpmath.OrZero(e.Amount))
	case *event.LoanPaid:
		paid, err := c.Pay(env, e.Ref, fpmath.OrZero(e.Amount))
		return amountResult("paid", paid), err
	case *event.CollateralClaimed:
		return nil, c.ClaimCollateral(env, e.Ref)
	case *event.LoanVoted:
		voted, err := c.Vote(env, e.Ref)
		return map[string]bool{"voted": voted}, err
	case *event.UserVoted:
		return nil, c.UserVote(env, e.Refs, e.Pools, e.Weights)
	case *event.VoteReset:
		return nil, c.Reset(env, e.Ref)
	case *event.RewardsClaimed:
		data, err := encodeOrders(e.Swap)
		if err != nil {
			return nil, err
		}
		alloc := [2]*uint256.Int{fpmath.OrZero(e.MinPrincipal), fpmath.OrZero(e.MinPayout)}
		return c.Claim(env, e.Ref, e.Distributors, e.Tokens, data, alloc)
	case *event.PositionsMerged:
		return nil, c.Merge(env, e.From, e.Into)
	case *event.PositionSettingsUpdated:
		return nil, applySettings(env, c, e)
	case *event.LoanTransferred:
		data, err := encodeOrders(e.Swap)
		if err != nil {
			return nil, err
		}
		return nil, c.TransferWithin40Acres(env, e.Destination, e.Ref, fpmath.OrZero(e.NewBorrowAmount), data)
	case *event.NftMigrated:
		return nil, c.MigrateNft(env, e.TokenID, e.Successor, e.PortfolioFactory)
	case *event.FlashLoanExecuted:
		return nil, c.FlashLoan(env, e.Receiver, e.Asset, fpmath.OrZero(e.Amount), e.Data)
	case *event.UpgradeProposed:
		return nil, c.ProposeUpgrade(env, e.Implementation)
	case *event.UpgradeExecuted:
		return nil, c.UpgradeToAndCall(env, e.Implementation, e.Data)
	case *event.UpgradeCancelled:
		return nil, c.CancelProposedUpgrade(env)
	case *event.LoanConfigUpdated:
		return nil, w.applyLoanConfig(env, c, e)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
}

func applySettings(env *state.Env, c *loan.Core, e *event.PositionSettingsUpdated) error {
	if e.ZeroBalanceOption != nil {
		if err := c.SetZeroBalanceOption(env, e.Ref, *e.ZeroBalanceOption); err != nil {
			return err
		}
	}
	if e.IncreasePercentage != nil {
		if err := c.SetIncreasePercentage(env, e.Ref, *e.IncreasePercentage); err != nil {
			return err
		}
	}
	if e.PreferredToken != nil {
		if err := c.SetPreferredToken(env, e.Ref, *e.PreferredToken); err != nil {
			return err
		}
	}
	if e.TopUp != nil {
		if err := c.SetTopUp(env, e.Ref, *e.TopUp); err != nil {
			return err
		}
	}
	if e.PayoffToken != nil {
		if err := c.SetPayoffToken(env, e.Ref, *e.PayoffToken); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) applyLoanConfig(env *state.Env, c *loan.Core, e *event.LoanConfigUpdated) error {
	switch e.Setting {
	case event.SettingMultiplier:
		return c.SetMultiplier(env, e.Value)
	case event.SettingRewardsRate:
		return c.SetRewardsRate(env, e.Value)
	case event.SettingLenderPremium:
		return c.SetLenderPremium(env, e.Value)
	case event.SettingProtocolFee:
		return c.SetProtocolFee(env, e.Value)
	case event.SettingZeroBalanceFee:
		return c.SetZeroBalanceFee(env, e.Value)
	case event.SettingFlashFee:
		return c.SetFlashFee(env, e.Value)
	case event.SettingMaxUtilization:
		return c.SetMaxUtilization(env, e.Value)
	case event.SettingVoteCooldown:
		return c.SetVoteCooldown(env, e.Value)
	case event.SettingApprovedPools:
		return c.SetApprovedPools(env, e.Addresses, e.Approved)
	case event.SettingApprovedToken:
		return c.SetApprovedToken(env, e.Address, e.Approved)
	case event.SettingApprovedContract:
		return c.SetApprovedContract(env, e.Address, e.Approved)
	case event.SettingDefaultVote:
		return c.SetDefaultVote(env, e.Addresses, e.Weights)
	case event.SettingSwapper:
		r, err := w.swapAt(e.Address)
		if err != nil {
			return err
		}
		return c.SetSwapper(env, r)
	case event.SettingPortfolioFactory:
		if w.factory == nil || w.factory.Address() != e.Address {
			return fmt.Errorf("%w: portfolio factory %s", ErrUnknownContract, e.Address.Hex())
		}
		return c.SetPortfolioFactory(env, w.factory)
	case event.SettingAccountStorage:
		return c.SetAccountStorage(env, e.Address)
	case event.SettingAuthorizedCaller:
		return c.SetAuthorizedCaller(env, e.Address)
	case event.SettingFeeRecipient:
		return c.SetFeeRecipient(env, e.Address)
	case event.SettingProposer:
		return c.SetProposer(env, e.Address)
	case event.SettingOwner:
		return c.TransferOwnership(env, e.Address)
	}
	return fmt.Errorf("%w: %q", ErrUnknownSetting, e.Setting)
}

func applyMarket(env *state.Env, m *market.Market, evt event.Event) (any, error) {
	switch e := evt.(type) {
	case *event.ListingCreated:
		id, err := m.CreateListing(env, e.LoanMarket, e.Ref, e.PaymentToken, fpmath.OrZero(e.Price), e.ExpiresAt)
		return map[string]uint64{"listing_id": id}, err
	case *event.ListingUpdated:
		return nil, m.UpdateListing(env, e.ListingID, fpmath.OrZero(e.Price), e.ExpiresAt)
	case *event.ListingCancelled:
		return nil, m.CancelListing(env, e.ListingID)
	case *event.ListingTaken:
		return nil, m.TakeListing(env, e.ListingID)
	case *event.OfferCreated:
		id, err := m.CreateOffer(env, e.LoanMarket, e.Ref, e.PaymentToken, fpmath.OrZero(e.Price), fpmath.OrZero(e.MaxDebt), e.ExpiresAt)
		return map[string]uint64{"offer_id": id}, err
	case *event.OfferCancelled:
		return nil, m.CancelOffer(env, e.OfferID)
	case *event.OfferAccepted:
		return nil, m.AcceptOffer(env, e.OfferID)
	case *event.MarketConfigUpdated:
		switch e.Setting {
		case event.MarketSettingFee:
			return nil, m.SetFee(env, e.FeeBps)
		case event.MarketSettingFeeRecipient:
			return nil, m.SetFeeRecipient(env, e.Address)
		case event.MarketSettingPaymentToken:
			return nil, m.SetPaymentToken(env, e.Address, e.Allowed)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownSetting, e.Setting)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
}

func (w *World) applyPortfolio(env *state.Env, evt event.Event) (any, error) {
	if w.factory == nil || w.factory.Address() != evt.Target() {
		return nil, fmt.Errorf("%w: portfolio factory %s", ErrUnknownContract, evt.Target().Hex())
	}
	switch e := evt.(type) {
	case *event.AccountCreated:
		acct, err := w.factory.GetOrCreate(env, e.Owner)
		return map[string]common.Address{"account": acct}, err
	case *event.MulticallExecuted:
		return w.factory.Multicall(env, e.Account, e.Calls)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
}

func applyCommunity(env *state.Env, l *community.Ledger, evt event.Event) (any, error) {
	switch e := evt.(type) {
	case *event.CommunityDeposited:
		return nil, l.Deposit(env, e.Owner, fpmath.OrZero(e.Amount))
	case *event.CommunityWithdrawn:
		return nil, l.Withdraw(env, e.Owner, fpmath.OrZero(e.Amount))
	case *event.CommunityRewardNotified:
		return nil, l.NotifyRewardAmount(env, e.Token, fpmath.OrZero(e.Amount))
	case *event.CommunityRewardClaimed:
		paid, err := l.GetReward(env, e.Owner, e.Tokens)
		out := make(map[string]string, len(paid))
		for token, amt := range paid {
			out[token.Hex()] = amt.Dec()
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
}

func encodeOrders(orders []event.SwapOrder) ([]byte, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	out := make([]swap.Order, len(orders))
	for i, o := range orders {
		out[i] = swap.Order{TokenIn: o.TokenIn, TokenOut: o.TokenOut, AmountIn: o.AmountIn, MinOut: o.MinOut}
	}
	return swap.EncodeOrders(out)
}

func amountResult(name string, v *uint256.Int) map[string]string {
	if v == nil {
		return nil
	}
	return map[string]string{name: v.Dec()}
}

func unknown(kind string, addr common.Address) error {
	return fmt.Errorf("%w: %s %s", ErrUnknownContract, kind, addr.Hex())
}

func (w *World) escrowAt(addr common.Address) (*escrow.VotingEscrow, error) {
	if w.escrow == nil || w.escrow.Address() != addr {
		return nil, unknown("escrow", addr)
	}
	return w.escrow, nil
}

func (w *World) voterAt(addr common.Address) (*rewards.Voter, error) {
	if w.voter == nil || w.voter.Address() != addr {
		return nil, unknown("voter", addr)
	}
	return w.voter, nil
}

func (w *World) swapAt(addr common.Address) (*swap.Router, error) {
	if w.swap == nil || w.swap.Address() != addr {
		return nil, unknown("swap router", addr)
	}
	return w.swap, nil
}

func (w *World) vaultAt(addr common.Address) (*vault.Vault, error) {
	v, ok := w.vaults[addr]
	if !ok {
		return nil, unknown("vault", addr)
	}
	return v, nil
}

func (w *World) loanAt(addr common.Address) (*loan.Core, error) {
	c, ok := w.loans[addr]
	if !ok {
		return nil, unknown("loan market", addr)
	}
	return c, nil
}

func (w *World) marketAt(addr common.Address) (*market.Market, error) {
	if w.market == nil || w.market.Address() != addr {
		return nil, unknown("market", addr)
	}
	return w.market, nil
}

func (w *World) communityAt(addr common.Address) (*community.Ledger, error) {
	l, ok := w.community[addr]
	if !ok {
		return nil, unknown("community ledger", addr)
	}
	return l, nil
}
