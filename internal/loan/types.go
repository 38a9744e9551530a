package loan

import (
	"fmt"
	"strconv"

	fpmath "FortyAcres/internal/math"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CollateralRef identifies a position: a veNFT id in token-keyed markets, or
// a portfolio account address in account-keyed markets.
type CollateralRef struct {
	TokenID uint64         `json:"token_id,omitempty"`
	Account common.Address `json:"account,omitempty"`
}

func NFT(id uint64) CollateralRef { return CollateralRef{TokenID: id} }

func AccountRef(addr common.Address) CollateralRef { return CollateralRef{Account: addr} }

func (r CollateralRef) IsAccount() bool { return r.Account != (common.Address{}) }

// Key is the map key of the position.
func (r CollateralRef) Key() string {
	if r.IsAccount() {
		return "acct:" + r.Account.Hex()
	}
	return "nft:" + strconv.FormatUint(r.TokenID, 10)
}

func (r CollateralRef) String() string { return r.Key() }

// ZeroBalanceOption is applied to reward surplus once debt is cleared.
type ZeroBalanceOption uint8

const (
	DoNothing ZeroBalanceOption = iota
	InvestToVault
	PayToOwner
)

func (z ZeroBalanceOption) String() string {
	switch z {
	case DoNothing:
		return "do_nothing"
	case InvestToVault:
		return "invest_to_vault"
	case PayToOwner:
		return "pay_to_owner"
	}
	return fmt.Sprintf("zero_balance_option_%d", uint8(z))
}

func (z ZeroBalanceOption) Valid() bool { return z <= PayToOwner }

// Position is one loan record.
type Position struct {
	Ref                CollateralRef     `json:"ref"`
	Borrower           common.Address    `json:"borrower"`
	Tokens             []uint64          `json:"tokens"`
	Balance            *uint256.Int      `json:"balance"`
	UnpaidFees         *uint256.Int      `json:"unpaid_fees"`
	Retained           *uint256.Int      `json:"retained"`
	ZeroBalanceOption  ZeroBalanceOption `json:"zero_balance_option"`
	IncreasePercentage uint64            `json:"increase_percentage"`
	PreferredToken     common.Address    `json:"preferred_token"`
	TopUp              bool              `json:"top_up"`
	Pools              []common.Address  `json:"pools,omitempty"`
	Weights            []uint64          `json:"weights,omitempty"`
	VoteTimestamp      uint64            `json:"vote_timestamp"`
	LastManualVoteAt   uint64            `json:"last_manual_vote_at"`
	LastVoteEpoch      uint64            `json:"last_vote_epoch"`
	OpenedAt           uint64            `json:"opened_at"`
}

func (p *Position) clone() *Position {
	c := *p
	c.Tokens = append([]uint64(nil), p.Tokens...)
	c.Balance = fpmath.OrZero(p.Balance).Clone()
	c.UnpaidFees = fpmath.OrZero(p.UnpaidFees).Clone()
	c.Retained = fpmath.OrZero(p.Retained).Clone()
	c.Pools = append([]common.Address(nil), p.Pools...)
	c.Weights = append([]uint64(nil), p.Weights...)
	return &c
}

// Manual reports whether the borrower chose the vote allocation.
func (p *Position) Manual() bool { return p.VoteTimestamp != 0 }

// LoanOptions are the borrower settings supplied at origination.
type LoanOptions struct {
	ZeroBalanceOption  ZeroBalanceOption `json:"zero_balance_option"`
	IncreasePercentage uint64            `json:"increase_percentage"`
	PreferredToken     common.Address    `json:"preferred_token"`
	TopUp              bool              `json:"top_up"`
	PayoffToken        bool              `json:"payoff_token"`
}

// ClaimResult splits claimed principal by destination.
// Net == DebtReduction + ToOwner + ToProtocol + Reinvested + Retained.
type ClaimResult struct {
	Net           *uint256.Int `json:"net"`
	DebtReduction *uint256.Int `json:"debt_reduction"`
	ToOwner       *uint256.Int `json:"to_owner"`
	ToProtocol    *uint256.Int `json:"to_protocol"`
	Reinvested    *uint256.Int `json:"reinvested"`
	Retained      *uint256.Int `json:"retained"`
	ToppedUp      *uint256.Int `json:"topped_up"`
}

func newClaimResult() *ClaimResult {
	return &ClaimResult{
		Net:           new(uint256.Int),
		DebtReduction: new(uint256.Int),
		ToOwner:       new(uint256.Int),
		ToProtocol:    new(uint256.Int),
		Reinvested:    new(uint256.Int),
		Retained:      new(uint256.Int),
		ToppedUp:      new(uint256.Int),
	}
}

// LoanDetails is the public view of a position.
type LoanDetails struct {
	Ref         CollateralRef  `json:"ref"`
	Balance     *uint256.Int   `json:"balance"`
	Borrower    common.Address `json:"borrower"`
	UnpaidFees  *uint256.Int   `json:"unpaid_fees"`
	Retained    *uint256.Int   `json:"retained"`
	Tokens      []uint64       `json:"tokens"`
	PayoffToken bool           `json:"payoff_token"`
}

// CollateralValuer prices veNFTs.
type CollateralValuer interface {
	Weight(tokenID uint64, ts uint64) *uint256.Int
	OwnerOf(tokenID uint64) (common.Address, error)
	LockedAmount(tokenID uint64) *uint256.Int
}

// Custodian moves and merges veNFTs.
type Custodian interface {
	TransferFrom(env *state.Env, from, to common.Address, tokenID uint64) error
	Merge(env *state.Env, from, to uint64) error
	Voted(tokenID uint64) bool
}

// RewardsRouter is the external voting system.
type RewardsRouter interface {
	Vote(env *state.Env, tokenID uint64, pools []common.Address, weights []uint64) error
	Reset(env *state.Env, tokenID uint64) error
	ClaimFees(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error
	ClaimBribes(env *state.Env, dists []common.Address, tokens [][]common.Address, tokenID uint64) error
	PoolVote(tokenID uint64, idx int) (common.Address, error)
	DistributorInfo(dist common.Address) (pool common.Address, bribe bool, ok bool)
	CanVote(tokenID uint64, ts uint64) bool
}

// SwapExecutor runs caller-encoded swaps. Only its balance effects are
// trusted.
type SwapExecutor interface {
	Address() common.Address
	Execute(env *state.Env, data []byte) error
}

// Lender is the vault a market borrows from.
type Lender interface {
	Address() common.Address
	Asset() common.Address
	Idle(env *state.Env) *uint256.Int
	Outstanding() *uint256.Int
	Lend(env *state.Env, to common.Address, amount *uint256.Int) error
	Repay(env *state.Env, amount *uint256.Int) error
	NotifyYield(env *state.Env, amount *uint256.Int) error
	FlashSend(env *state.Env, to common.Address, amount *uint256.Int) error
	Deposit(env *state.Env, assets *uint256.Int, receiver common.Address) (*uint256.Int, error)
}

// PortfolioFactory creates and recognizes portfolio accounts.
type PortfolioFactory interface {
	Address() common.Address
	GetOrCreate(env *state.Env, owner common.Address) (common.Address, error)
	IsAccount(addr common.Address) bool
}

// PeerResolver finds sibling loan markets by address.
type PeerResolver interface {
	Market(addr common.Address) (*Core, bool)
}

// FlashBorrower is the ERC-3156 receiver callback.
type FlashBorrower interface {
	OnFlashLoan(env *state.Env, initiator, token common.Address, amount, fee *uint256.Int, data []byte) (common.Hash, error)
}

// FlashReceivers resolves receiver addresses to callbacks.
type FlashReceivers interface {
	Receiver(addr common.Address) (FlashBorrower, bool)
}
