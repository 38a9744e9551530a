package event

import (
	"FortyAcres/internal/loan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type ListingCreated struct {
	Header
	LoanMarket   common.Address     `json:"loan_market"`
	Ref          loan.CollateralRef `json:"ref"`
	PaymentToken common.Address     `json:"payment_token"`
	Price        *uint256.Int       `json:"price"`
	ExpiresAt    uint64             `json:"expires_at"`
}

func (*ListingCreated) EventType() EventType { return EventTypeListingCreated }

type ListingUpdated struct {
	Header
	ListingID uint64       `json:"listing_id"`
	Price     *uint256.Int `json:"price"`
	ExpiresAt uint64       `json:"expires_at"`
}

func (*ListingUpdated) EventType() EventType { return EventTypeListingUpdated }

type ListingCancelled struct {
	Header
	ListingID uint64 `json:"listing_id"`
}

func (*ListingCancelled) EventType() EventType { return EventTypeListingCancelled }

type ListingTaken struct {
	Header
	ListingID uint64 `json:"listing_id"`
}

func (*ListingTaken) EventType() EventType { return EventTypeListingTaken }

type OfferCreated struct {
	Header
	LoanMarket   common.Address     `json:"loan_market"`
	Ref          loan.CollateralRef `json:"ref"`
	PaymentToken common.Address     `json:"payment_token"`
	Price        *uint256.Int       `json:"price"`
	MaxDebt      *uint256.Int       `json:"max_debt"`
	ExpiresAt    uint64             `json:"expires_at"`
}

func (*OfferCreated) EventType() EventType { return EventTypeOfferCreated }

type OfferCancelled struct {
	Header
	OfferID uint64 `json:"offer_id"`
}

func (*OfferCancelled) EventType() EventType { return EventTypeOfferCancelled }

type OfferAccepted struct {
	Header
	OfferID uint64 `json:"offer_id"`
}

func (*OfferAccepted) EventType() EventType { return EventTypeOfferAccepted }

// Market settings addressable by MarketConfigUpdated.
const (
	MarketSettingFee          = "fee"
	MarketSettingFeeRecipient = "fee_recipient"
	MarketSettingPaymentToken = "payment_token"
)

type MarketConfigUpdated struct {
	Header
	Setting string         `json:"setting"`
	FeeBps  uint64         `json:"fee_bps,omitempty"`
	Address common.Address `json:"address,omitempty"`
	Allowed bool           `json:"allowed,omitempty"`
}

func (*MarketConfigUpdated) EventType() EventType { return EventTypeMarketConfigUpdated }
