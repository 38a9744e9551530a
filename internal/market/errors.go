package market

import "errors"

var (
	ErrListingNotFound   = errors.New("market: listing not found")
	ErrOfferNotFound     = errors.New("market: offer not found")
	ErrExpired           = errors.New("market: listing or offer expired")
	ErrNotSeller         = errors.New("market: caller is not the borrower of record")
	ErrNotListingOwner   = errors.New("market: caller does not own the listing")
	ErrNotOfferOwner     = errors.New("market: caller does not own the offer")
	ErrStaleListing      = errors.New("market: seller no longer holds the position")
	ErrUnknownLoanMarket = errors.New("market: unknown loan market")
	ErrPaymentToken      = errors.New("market: payment token not allowed")
	ErrZeroPrice         = errors.New("market: zero price")
	ErrDebtTooHigh       = errors.New("market: position debt exceeds offer limit")
	ErrDebtGrown         = errors.New("market: position debt grew since listing")
	ErrSelfTrade         = errors.New("market: buyer is the seller")
	ErrUnauthorized      = errors.New("market: unauthorized")
	ErrInvalidFee        = errors.New("market: fee exceeds 10000 bps")
	ErrAlreadyListed     = errors.New("market: position already listed")
	ErrReentrant         = errors.New("market: reentrant call")
)
