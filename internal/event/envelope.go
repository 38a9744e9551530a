package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Token boundary
	EventTypeTokenMinted
	EventTypeTokenBurned
	EventTypeTokenTransferred
	EventTypeTokenApproved
	EventTypeLockCreated
	EventTypeNftApproved
	EventTypeNftTransferred
	EventTypeRewardNotified
	EventTypeSwapRateSet

	// Vault
	EventTypeVaultDeposited
	EventTypeVaultWithdrawn
	EventTypeVaultRedeemed

	// Loan market
	EventTypeLoanRequested
	EventTypeLoanIncreased
	EventTypeLoanPaid
	EventTypeCollateralClaimed
	EventTypeLoanVoted
	EventTypeUserVoted
	EventTypeVoteReset
	EventTypeRewardsClaimed
	EventTypePositionsMerged
	EventTypePositionSettingsUpdated
	EventTypeLoanTransferred
	EventTypeNftMigrated
	EventTypeFlashLoanExecuted
	EventTypeUpgradeProposed
	EventTypeUpgradeExecuted
	EventTypeUpgradeCancelled
	EventTypeLoanConfigUpdated

	// Secondary market
	EventTypeListingCreated
	EventTypeListingUpdated
	EventTypeListingCancelled
	EventTypeListingTaken
	EventTypeOfferCreated
	EventTypeOfferCancelled
	EventTypeOfferAccepted
	EventTypeMarketConfigUpdated

	// Portfolio accounts
	EventTypeAccountCreated
	EventTypeMulticallExecuted

	// Community rewards
	EventTypeCommunityDeposited
	EventTypeCommunityWithdrawn
	EventTypeCommunityRewardNotified
	EventTypeCommunityRewardClaimed

	eventTypeCount
)

var eventTypeNames = [eventTypeCount]string{
	EventTypeUnknown:                 "Unknown",
	EventTypeTokenMinted:             "TokenMinted",
	EventTypeTokenBurned:             "TokenBurned",
	EventTypeTokenTransferred:        "TokenTransferred",
	EventTypeTokenApproved:           "TokenApproved",
	EventTypeLockCreated:             "LockCreated",
	EventTypeNftApproved:             "NftApproved",
	EventTypeNftTransferred:          "NftTransferred",
	EventTypeRewardNotified:          "RewardNotified",
	EventTypeSwapRateSet:             "SwapRateSet",
	EventTypeVaultDeposited:          "VaultDeposited",
	EventTypeVaultWithdrawn:          "VaultWithdrawn",
	EventTypeVaultRedeemed:           "VaultRedeemed",
	EventTypeLoanRequested:           "LoanRequested",
	EventTypeLoanIncreased:           "LoanIncreased",
	EventTypeLoanPaid:                "LoanPaid",
	EventTypeCollateralClaimed:       "CollateralClaimed",
	EventTypeLoanVoted:               "LoanVoted",
	EventTypeUserVoted:               "UserVoted",
	EventTypeVoteReset:               "VoteReset",
	EventTypeRewardsClaimed:          "RewardsClaimed",
	EventTypePositionsMerged:         "PositionsMerged",
	EventTypePositionSettingsUpdated: "PositionSettingsUpdated",
	EventTypeLoanTransferred:         "LoanTransferred",
	EventTypeNftMigrated:             "NftMigrated",
	EventTypeFlashLoanExecuted:       "FlashLoanExecuted",
	EventTypeUpgradeProposed:         "UpgradeProposed",
	EventTypeUpgradeExecuted:         "UpgradeExecuted",
	EventTypeUpgradeCancelled:        "UpgradeCancelled",
	EventTypeLoanConfigUpdated:       "LoanConfigUpdated",
	EventTypeListingCreated:          "ListingCreated",
	EventTypeListingUpdated:          "ListingUpdated",
	EventTypeListingCancelled:        "ListingCancelled",
	EventTypeListingTaken:            "ListingTaken",
	EventTypeOfferCreated:            "OfferCreated",
	EventTypeOfferCancelled:          "OfferCancelled",
	EventTypeOfferAccepted:           "OfferAccepted",
	EventTypeMarketConfigUpdated:     "MarketConfigUpdated",
	EventTypeAccountCreated:          "AccountCreated",
	EventTypeMulticallExecuted:       "MulticallExecuted",
	EventTypeCommunityDeposited:      "CommunityDeposited",
	EventTypeCommunityWithdrawn:      "CommunityWithdrawn",
	EventTypeCommunityRewardNotified: "CommunityRewardNotified",
	EventTypeCommunityRewardClaimed:  "CommunityRewardClaimed",
}

var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, eventTypeCount)
	for t := EventTypeUnknown + 1; t < eventTypeCount; t++ {
		m[eventTypeNames[t]] = t
	}
	return m
}()

func (et EventType) String() string {
	if et <= EventTypeUnknown || et >= eventTypeCount {
		return "Unknown"
	}
	return eventTypeNames[et]
}

// ParseEventType resolves a name produced by String.
func ParseEventType(name string) (EventType, bool) {
	t, ok := eventTypesByName[name]
	return t, ok
}

// Types lists every known event type in declaration order.
func Types() []EventType {
	out := make([]EventType, 0, eventTypeCount-1)
	for t := EventTypeUnknown + 1; t < eventTypeCount; t++ {
		out = append(out, t)
	}
	return out
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Target contract (nil for events outside any contract partition)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte

	// Revert reason when the call failed; its batch is empty
	Revert string
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the target contract (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time is the block time the event executes at
	Time() time.Time

	// Caller is the account that submitted the call
	Caller() common.Address

	// Target is the contract the call is addressed to
	Target() common.Address
}

// Domain groups event types by the kind of contract they address.
func (et EventType) Domain() string {
	switch {
	case et >= EventTypeTokenMinted && et <= EventTypeSwapRateSet:
		return "token"
	case et >= EventTypeVaultDeposited && et <= EventTypeVaultRedeemed:
		return "vault"
	case et >= EventTypeLoanRequested && et <= EventTypeLoanConfigUpdated:
		return "loan"
	case et >= EventTypeListingCreated && et <= EventTypeMarketConfigUpdated:
		return "market"
	case et >= EventTypeAccountCreated && et <= EventTypeMulticallExecuted:
		return "portfolio"
	case et >= EventTypeCommunityDeposited && et <= EventTypeCommunityRewardClaimed:
		return "community"
	}
	return "unknown"
}
