package query

import (
	"encoding/json"

	"FortyAcres/internal/loan"
	"FortyAcres/internal/market"
)

// Amount is a token quantity in base units together with its display form
// in whole tokens. Formatted is empty when the asset's decimals are unknown.
type Amount struct {
	Raw       string `json:"raw"`
	Formatted string `json:"formatted,omitempty"`
}

// BalanceResponse is a holder's projected balance of one asset.
type BalanceResponse struct {
	Holder       string `json:"holder"`
	Asset        string `json:"asset"`
	Symbol       string `json:"symbol,omitempty"`
	Balance      Amount `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LoanResponse is one row of the loan projection.
type LoanResponse struct {
	Market       string          `json:"market"`
	Key          string          `json:"key"`
	Borrower     string          `json:"borrower"`
	TokenID      *int64          `json:"token_id,omitempty"`
	Account      *string         `json:"account,omitempty"`
	Balance      Amount          `json:"balance"`
	UnpaidFees   Amount          `json:"unpaid_fees"`
	Retained     Amount          `json:"retained"`
	ZeroBalance  string          `json:"zero_balance_option"`
	Closed       bool            `json:"closed"`
	Position     json.RawMessage `json:"position,omitempty"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        Amount `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// EventResponse is one logged event.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Logs           json.RawMessage `json:"logs,omitempty"`
	StateHash      string          `json:"state_hash"`
	RevertReason   *string         `json:"revert_reason,omitempty"`
	Timestamp      int64           `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LatestSequence   int64             `json:"latest_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}

// SystemStatus reports how far the event log and projections have advanced.
type SystemStatus struct {
	LatestSequence     int64 `json:"latest_sequence"`
	ProjectionSequence int64 `json:"projection_sequence"`
	ProjectionLag      int64 `json:"projection_lag"`
}

// --- live views, read from the core ---

// LoanView is the current state of one position with its borrowing room.
type LoanView struct {
	Market   string           `json:"market"`
	Details  loan.LoanDetails `json:"details"`
	MaxLoan  Amount           `json:"max_loan"`
	Nominal  Amount           `json:"nominal"`
	AsOfTime uint64           `json:"as_of_time"`
}

// MaxLoanView sizes a request for collateral that may not be pledged yet.
type MaxLoanView struct {
	Market  string `json:"market"`
	Ref     string `json:"ref"`
	MaxLoan Amount `json:"max_loan"`
	Nominal Amount `json:"nominal"`
}

// VaultView summarizes a lending vault and, when asked, one holder in it.
type VaultView struct {
	Address      string  `json:"address"`
	Asset        string  `json:"asset"`
	TotalAssets  Amount  `json:"total_assets"`
	Idle         Amount  `json:"idle"`
	Outstanding  Amount  `json:"outstanding"`
	TotalSupply  string  `json:"total_supply"`
	Locked       Amount  `json:"locked_rewards"`
	Shares       *string `json:"shares,omitempty"`
	MaxWithdraw  *Amount `json:"max_withdraw,omitempty"`
	SharePrice   string  `json:"share_price"`
	CurrentEpoch uint64  `json:"current_epoch"`
}

// MarketView is the configuration and flash-loan terms of a loan market.
type MarketView struct {
	Address        string                `json:"address"`
	Asset          string                `json:"asset"`
	Owner          string                `json:"owner"`
	Implementation string                `json:"implementation"`
	Params         loan.Params           `json:"params"`
	Positions      int                   `json:"positions"`
	MaxFlashLoan   Amount                `json:"max_flash_loan"`
	PendingUpgrade *loan.UpgradeProposal `json:"pending_upgrade,omitempty"`
	EpochRewards   Amount                `json:"epoch_rewards"`
}

// FlashFeeView quotes a flash loan.
type FlashFeeView struct {
	Market string `json:"market"`
	Amount Amount `json:"amount"`
	Fee    Amount `json:"fee"`
}

// ListingView and OfferView wrap secondary market entries.
type ListingView struct {
	Listing market.Listing `json:"listing"`
	Price   Amount         `json:"price"`
}

type OfferView struct {
	Offer market.Offer `json:"offer"`
	Price Amount       `json:"price"`
}

// EarnedView is a holder's claimable community reward in one token.
type EarnedView struct {
	Ledger  string `json:"ledger"`
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
	Earned  Amount `json:"earned"`
}
