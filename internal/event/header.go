package event

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Header carries the call context shared by every event. EventID is the
// idempotency key; Contract selects the sequencing partition.
type Header struct {
	EventID     uuid.UUID      `json:"event_id"`
	Sender      common.Address `json:"sender"`
	Contract    common.Address `json:"contract"`
	Sequence    int64          `json:"sequence"`
	TimestampUs int64          `json:"timestamp_us"`
}

func (h *Header) IdempotencyKey() string { return h.EventID.String() }

func (h *Header) SourceSequence() int64 { return h.Sequence }

func (h *Header) Time() time.Time { return time.UnixMicro(h.TimestampUs).UTC() }

func (h *Header) Caller() common.Address { return h.Sender }

func (h *Header) Target() common.Address { return h.Contract }

func (h *Header) MarketID() *string {
	if h.Contract == (common.Address{}) {
		return nil
	}
	m := strings.ToLower(h.Contract.Hex())
	return &m
}

func (h *Header) header() *Header { return h }

// Headed is implemented by every event in this package.
type Headed interface {
	Event
	header() *Header
}

// HeaderOf exposes the header of e for callers that stamp or inspect it.
func HeaderOf(e Headed) *Header { return e.header() }

// New returns an empty payload for t, ready to be JSON-decoded into.
func New(t EventType) (Headed, bool) {
	ctor, ok := constructors[t]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

var constructors = map[EventType]func() Headed{
	EventTypeTokenMinted:             func() Headed { return &TokenMinted{} },
	EventTypeTokenBurned:             func() Headed { return &TokenBurned{} },
	EventTypeTokenTransferred:        func() Headed { return &TokenTransferred{} },
	EventTypeTokenApproved:           func() Headed { return &TokenApproved{} },
	EventTypeLockCreated:             func() Headed { return &LockCreated{} },
	EventTypeNftApproved:             func() Headed { return &NftApproved{} },
	EventTypeNftTransferred:          func() Headed { return &NftTransferred{} },
	EventTypeRewardNotified:          func() Headed { return &RewardNotified{} },
	EventTypeSwapRateSet:             func() Headed { return &SwapRateSet{} },
	EventTypeVaultDeposited:          func() Headed { return &VaultDeposited{} },
	EventTypeVaultWithdrawn:          func() Headed { return &VaultWithdrawn{} },
	EventTypeVaultRedeemed:           func() Headed { return &VaultRedeemed{} },
	EventTypeLoanRequested:           func() Headed { return &LoanRequested{} },
	EventTypeLoanIncreased:           func() Headed { return &LoanIncreased{} },
	EventTypeLoanPaid:                func() Headed { return &LoanPaid{} },
	EventTypeCollateralClaimed:       func() Headed { return &CollateralClaimed{} },
	EventTypeLoanVoted:               func() Headed { return &LoanVoted{} },
	EventTypeUserVoted:               func() Headed { return &UserVoted{} },
	EventTypeVoteReset:               func() Headed { return &VoteReset{} },
	EventTypeRewardsClaimed:          func() Headed { return &RewardsClaimed{} },
	EventTypePositionsMerged:         func() Headed { return &PositionsMerged{} },
	EventTypePositionSettingsUpdated: func() Headed { return &PositionSettingsUpdated{} },
	EventTypeLoanTransferred:         func() Headed { return &LoanTransferred{} },
	EventTypeNftMigrated:             func() Headed { return &NftMigrated{} },
	EventTypeFlashLoanExecuted:       func() Headed { return &FlashLoanExecuted{} },
	EventTypeUpgradeProposed:         func() Headed { return &UpgradeProposed{} },
	EventTypeUpgradeExecuted:         func() Headed { return &UpgradeExecuted{} },
	EventTypeUpgradeCancelled:        func() Headed { return &UpgradeCancelled{} },
	EventTypeLoanConfigUpdated:       func() Headed { return &LoanConfigUpdated{} },
	EventTypeListingCreated:          func() Headed { return &ListingCreated{} },
	EventTypeListingUpdated:          func() Headed { return &ListingUpdated{} },
	EventTypeListingCancelled:        func() Headed { return &ListingCancelled{} },
	EventTypeListingTaken:            func() Headed { return &ListingTaken{} },
	EventTypeOfferCreated:            func() Headed { return &OfferCreated{} },
	EventTypeOfferCancelled:          func() Headed { return &OfferCancelled{} },
	EventTypeOfferAccepted:           func() Headed { return &OfferAccepted{} },
	EventTypeMarketConfigUpdated:     func() Headed { return &MarketConfigUpdated{} },
	EventTypeAccountCreated:          func() Headed { return &AccountCreated{} },
	EventTypeMulticallExecuted:       func() Headed { return &MulticallExecuted{} },
	EventTypeCommunityDeposited:      func() Headed { return &CommunityDeposited{} },
	EventTypeCommunityWithdrawn:      func() Headed { return &CommunityWithdrawn{} },
	EventTypeCommunityRewardNotified: func() Headed { return &CommunityRewardNotified{} },
	EventTypeCommunityRewardClaimed:  func() Headed { return &CommunityRewardClaimed{} },
}
