package event

import (
	"FortyAcres/internal/loan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// SwapOrder is one leg of the swap a claim or transfer routes through the
// market's swapper.
type SwapOrder struct {
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	AmountIn *uint256.Int   `json:"amount_in,omitempty"`
	MinOut   *uint256.Int   `json:"min_out,omitempty"`
}

type LoanRequested struct {
	Header
	TokenID uint64           `json:"token_id"`
	Amount  *uint256.Int     `json:"amount"`
	Options loan.LoanOptions `json:"options"`
}

func (*LoanRequested) EventType() EventType { return EventTypeLoanRequested }

type LoanIncreased struct {
	Header
	Ref    loan.CollateralRef `json:"ref"`
	Amount *uint256.Int       `json:"amount"`
}

func (*LoanIncreased) EventType() EventType { return EventTypeLoanIncreased }

type LoanPaid struct {
	Header
	Ref    loan.CollateralRef `json:"ref"`
	Amount *uint256.Int       `json:"amount"`
}

func (*LoanPaid) EventType() EventType { return EventTypeLoanPaid }

type CollateralClaimed struct {
	Header
	Ref loan.CollateralRef `json:"ref"`
}

func (*CollateralClaimed) EventType() EventType { return EventTypeCollateralClaimed }

type LoanVoted struct {
	Header
	Ref loan.CollateralRef `json:"ref"`
}

func (*LoanVoted) EventType() EventType { return EventTypeLoanVoted }

type UserVoted struct {
	Header
	Refs    []loan.CollateralRef `json:"refs"`
	Pools   []common.Address     `json:"pools"`
	Weights []uint64             `json:"weights"`
}

func (*UserVoted) EventType() EventType { return EventTypeUserVoted }

type VoteReset struct {
	Header
	Ref loan.CollateralRef `json:"ref"`
}

func (*VoteReset) EventType() EventType { return EventTypeVoteReset }

// RewardsClaimed is the keeper's claim for one position. MinPrincipal and
// MinPayout bound the reward swap and the preferred-token payout.
type RewardsClaimed struct {
	Header
	Ref          loan.CollateralRef `json:"ref"`
	Distributors []common.Address   `json:"distributors"`
	Tokens       [][]common.Address `json:"tokens"`
	Swap         []SwapOrder        `json:"swap,omitempty"`
	MinPrincipal *uint256.Int       `json:"min_principal,omitempty"`
	MinPayout    *uint256.Int       `json:"min_payout,omitempty"`
}

func (*RewardsClaimed) EventType() EventType { return EventTypeRewardsClaimed }

type PositionsMerged struct {
	Header
	From uint64 `json:"from"`
	Into uint64 `json:"into"`
}

func (*PositionsMerged) EventType() EventType { return EventTypePositionsMerged }

// PositionSettingsUpdated applies every non-nil setting, in field order.
type PositionSettingsUpdated struct {
	Header
	Ref                loan.CollateralRef      `json:"ref"`
	ZeroBalanceOption  *loan.ZeroBalanceOption `json:"zero_balance_option,omitempty"`
	IncreasePercentage *uint64                 `json:"increase_percentage,omitempty"`
	PreferredToken     *common.Address         `json:"preferred_token,omitempty"`
	TopUp              *bool                   `json:"top_up,omitempty"`
	PayoffToken        *bool                   `json:"payoff_token,omitempty"`
}

func (*PositionSettingsUpdated) EventType() EventType { return EventTypePositionSettingsUpdated }

type LoanTransferred struct {
	Header
	Ref             loan.CollateralRef `json:"ref"`
	Destination     common.Address     `json:"destination"`
	NewBorrowAmount *uint256.Int       `json:"new_borrow_amount"`
	Swap            []SwapOrder        `json:"swap,omitempty"`
}

func (*LoanTransferred) EventType() EventType { return EventTypeLoanTransferred }

type NftMigrated struct {
	Header
	TokenID          uint64         `json:"token_id"`
	Successor        common.Address `json:"successor"`
	PortfolioFactory common.Address `json:"portfolio_factory"`
}

func (*NftMigrated) EventType() EventType { return EventTypeNftMigrated }

type FlashLoanExecuted struct {
	Header
	Receiver common.Address `json:"receiver"`
	Asset    common.Address `json:"asset"`
	Amount   *uint256.Int   `json:"amount"`
	Data     hexutil.Bytes  `json:"data,omitempty"`
}

func (*FlashLoanExecuted) EventType() EventType { return EventTypeFlashLoanExecuted }

type UpgradeProposed struct {
	Header
	Implementation common.Address `json:"implementation"`
}

func (*UpgradeProposed) EventType() EventType { return EventTypeUpgradeProposed }

type UpgradeExecuted struct {
	Header
	Implementation common.Address `json:"implementation"`
	Data           hexutil.Bytes  `json:"data,omitempty"`
}

func (*UpgradeExecuted) EventType() EventType { return EventTypeUpgradeExecuted }

type UpgradeCancelled struct {
	Header
}

func (*UpgradeCancelled) EventType() EventType { return EventTypeUpgradeCancelled }

// Loan market settings addressable by LoanConfigUpdated.
const (
	SettingMultiplier       = "multiplier"
	SettingRewardsRate      = "rewards_rate"
	SettingLenderPremium    = "lender_premium"
	SettingProtocolFee      = "protocol_fee"
	SettingZeroBalanceFee   = "zero_balance_fee"
	SettingFlashFee         = "flash_fee"
	SettingMaxUtilization   = "max_utilization"
	SettingVoteCooldown     = "vote_cooldown"
	SettingApprovedPools    = "approved_pools"
	SettingApprovedToken    = "approved_token"
	SettingApprovedContract = "approved_contract"
	SettingDefaultVote      = "default_vote"
	SettingSwapper          = "swapper"
	SettingPortfolioFactory = "portfolio_factory"
	SettingAccountStorage   = "account_storage"
	SettingAuthorizedCaller = "authorized_caller"
	SettingFeeRecipient     = "fee_recipient"
	SettingProposer         = "proposer"
	SettingOwner            = "owner"
)

// LoanConfigUpdated is an owner call. Setting picks which of the value
// fields is read.
type LoanConfigUpdated struct {
	Header
	Setting   string           `json:"setting"`
	Value     uint64           `json:"value,omitempty"`
	Address   common.Address   `json:"address,omitempty"`
	Addresses []common.Address `json:"addresses,omitempty"`
	Weights   []uint64         `json:"weights,omitempty"`
	Approved  bool             `json:"approved,omitempty"`
}

func (*LoanConfigUpdated) EventType() EventType { return EventTypeLoanConfigUpdated }
