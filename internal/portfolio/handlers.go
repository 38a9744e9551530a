package portfolio

import (
	"encoding/json"
	"fmt"

	"FortyAcres/internal/ledger"
	"FortyAcres/internal/loan"
	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Operation names understood by the loan handlers.
const (
	OpRequestLoan     = "requestLoan"
	OpIncreaseLoan    = "increaseLoan"
	OpPay             = "pay"
	OpVote            = "vote"
	OpClaimCollateral = "claimCollateral"
	OpWithdraw        = "withdraw"
	OpApprove         = "approve"
)

// Collateral is the NFT surface the handlers need from the voting escrow.
type Collateral interface {
	Approve(env *state.Env, to common.Address, id uint64) error
	TransferFrom(env *state.Env, from, to common.Address, id uint64) error
}

type loanHandlers struct {
	markets loan.PeerResolver
	nft     Collateral
}

// RegisterLoanHandlers installs the standard account operations.
func RegisterLoanHandlers(r *Registry, markets loan.PeerResolver, nft Collateral) error {
	h := &loanHandlers{markets: markets, nft: nft}
	for op, fn := range map[string]HandlerFunc{
		OpRequestLoan:     h.requestLoan,
		OpIncreaseLoan:    h.increaseLoan,
		OpPay:             h.pay,
		OpVote:            h.vote,
		OpClaimCollateral: h.claimCollateral,
		OpWithdraw:        h.withdraw,
		OpApprove:         h.approve,
	} {
		if err := r.Register(op, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *loanHandlers) market(addr common.Address) (*loan.Core, error) {
	if h.markets == nil {
		return nil, ErrUnknownMarket
	}
	c, ok := h.markets.Market(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
	}
	return c, nil
}

// refFor names the account's position in c: the account itself in
// account-keyed markets, otherwise the token.
func refFor(c *loan.Core, acct *Account, tokenID uint64) loan.CollateralRef {
	if c.AccountKeyed() {
		return loan.AccountRef(acct.Address)
	}
	return loan.NFT(tokenID)
}

type requestLoanArgs struct {
	Market  common.Address   `json:"market"`
	TokenID uint64           `json:"token_id"`
	Amount  *uint256.Int     `json:"amount"`
	Options loan.LoanOptions `json:"options"`
}

func (h *loanHandlers) requestLoan(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args requestLoanArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	c, err := h.market(args.Market)
	if err != nil {
		return nil, err
	}
	if err := h.nft.Approve(env, c.Address(), args.TokenID); err != nil {
		return nil, fmt.Errorf("approve collateral: %w", err)
	}
	return c.RequestLoan(env, args.TokenID, fpmath.OrZero(args.Amount), args.Options)
}

type positionArgs struct {
	Market  common.Address `json:"market"`
	TokenID uint64         `json:"token_id,omitempty"`
	Amount  *uint256.Int   `json:"amount,omitempty"`
}

func (h *loanHandlers) increaseLoan(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args positionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	c, err := h.market(args.Market)
	if err != nil {
		return nil, err
	}
	ref := refFor(c, acct, args.TokenID)
	if err := c.IncreaseLoan(env, ref, fpmath.OrZero(args.Amount)); err != nil {
		return nil, err
	}
	balance, _ := c.GetLoanDetails(ref)
	return balance, nil
}

// pay approves exactly the amount owed (or amount) and repays from the
// account's balance.
func (h *loanHandlers) pay(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args positionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	c, err := h.market(args.Market)
	if err != nil {
		return nil, err
	}
	ref := refFor(c, acct, args.TokenID)
	owed, _ := c.GetLoanDetails(ref)
	if args.Amount != nil && !args.Amount.IsZero() && args.Amount.Lt(owed) {
		owed = args.Amount
	}
	env.Approve(c.Address(), c.Asset(), owed)
	paid, err := c.Pay(env, ref, owed)
	env.Approve(c.Address(), c.Asset(), new(uint256.Int))
	return paid, err
}

type voteArgs struct {
	Market   common.Address   `json:"market"`
	TokenIDs []uint64         `json:"token_ids,omitempty"`
	Pools    []common.Address `json:"pools"`
	Weights  []uint64         `json:"weights"`
}

func (h *loanHandlers) vote(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args voteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	c, err := h.market(args.Market)
	if err != nil {
		return nil, err
	}
	var refs []loan.CollateralRef
	if c.AccountKeyed() {
		refs = []loan.CollateralRef{loan.AccountRef(acct.Address)}
	} else {
		for _, id := range args.TokenIDs {
			refs = append(refs, loan.NFT(id))
		}
	}
	return nil, c.UserVote(env, refs, args.Pools, args.Weights)
}

func (h *loanHandlers) claimCollateral(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args positionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	c, err := h.market(args.Market)
	if err != nil {
		return nil, err
	}
	return nil, c.ClaimCollateral(env, refFor(c, acct, args.TokenID))
}

// withdrawArgs moves either an NFT (token_id set) or an asset amount from
// the account to its owner.
type withdrawArgs struct {
	TokenID uint64         `json:"token_id,omitempty"`
	Asset   common.Address `json:"asset,omitempty"`
	Amount  *uint256.Int   `json:"amount,omitempty"`
}

func (h *loanHandlers) withdraw(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args withdrawArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TokenID != 0 {
		return nil, h.nft.TransferFrom(env, acct.Address, acct.Owner, args.TokenID)
	}
	amount := args.Amount
	if amount == nil || amount.IsZero() {
		amount = env.BalanceOf(acct.Address, args.Asset)
	}
	return amount, env.Transfer(acct.Owner, args.Asset, amount, ledger.JournalTypeTransfer)
}

type approveArgs struct {
	Spender common.Address `json:"spender"`
	Asset   common.Address `json:"asset"`
	Amount  *uint256.Int   `json:"amount"`
}

func (h *loanHandlers) approve(env *state.Env, acct *Account, raw json.RawMessage) (any, error) {
	var args approveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	env.Approve(args.Spender, args.Asset, fpmath.OrZero(args.Amount))
	return nil, nil
}
