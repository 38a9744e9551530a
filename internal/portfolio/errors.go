package portfolio

import "errors"

var (
	ErrUnknownOperation = errors.New("portfolio: unknown operation")
	ErrDuplicateHandler = errors.New("portfolio: operation already registered")
	ErrNotAccountOwner  = errors.New("portfolio: caller does not own the account")
	ErrUnknownAccount   = errors.New("portfolio: unknown account")
	ErrUnknownMarket    = errors.New("portfolio: unknown loan market")
	ErrZeroOwner        = errors.New("portfolio: zero owner")
	ErrMalformedArgs    = errors.New("portfolio: malformed call arguments")
	ErrEmptyMulticall   = errors.New("portfolio: empty multicall")
)
