package loan

import "errors"

// Validation errors
var (
	ErrInsufficientAmount  = errors.New("loan: amount below minimum")
	ErrExceedsMaxLoan      = errors.New("loan: amount exceeds max loan")
	ErrUnapprovedToken     = errors.New("loan: token not approved")
	ErrUnapprovedPool      = errors.New("loan: pool not approved")
	ErrUnapprovedContract  = errors.New("loan: contract not mutually approved")
	ErrZeroAddress         = errors.New("loan: zero address")
	ErrInvalidPercentage   = errors.New("loan: percentage exceeds 10000")
	ErrLengthMismatch      = errors.New("loan: argument length mismatch")
	ErrInvalidZeroBalance  = errors.New("loan: invalid zero balance option")
	ErrSlippage            = errors.New("loan: swap output below allocation")
	ErrIncompatibleMarket  = errors.New("loan: target market is incompatible")
	ErrInsufficientPayoff  = errors.New("loan: transfer proceeds do not cover balance")
	ErrUnsupportedMerge    = errors.New("loan: merge source must hold a single token")
	ErrSameCollateral      = errors.New("loan: source and target are the same position")
	ErrNotPortfolioAccount = errors.New("loan: caller is not a portfolio account")
)

// Authorization errors
var (
	ErrUnauthorized = errors.New("loan: unauthorized")
	ErrNotBorrower  = errors.New("loan: caller is not the borrower")
	ErrNotOwner     = errors.New("loan: caller is not the owner")
)

// State errors
var (
	ErrLoanNotFound       = errors.New("loan: position does not exist")
	ErrLoanExists         = errors.New("loan: collateral already locked")
	ErrOutstandingBalance = errors.New("loan: outstanding balance")
	ErrVoteCooldown       = errors.New("loan: manual vote cooldown active")
	ErrReentrant          = errors.New("loan: reentrant call")
	ErrNoPendingUpgrade   = errors.New("loan: no pending upgrade")
	ErrImplMismatch       = errors.New("loan: implementation does not match proposal")
	ErrTimelockActive     = errors.New("loan: upgrade timelock not expired")
	ErrUpgradeCallFailed  = errors.New("loan: upgrade call failed")
)

// Flash loan errors
var (
	ErrUnsupportedToken         = errors.New("loan: unsupported flash loan token")
	ErrExceededMaxLoan          = errors.New("loan: flash amount exceeds max")
	ErrInvalidFlashLoanReceiver = errors.New("loan: invalid flash loan receiver")
	ErrInsufficientAllowance    = errors.New("loan: insufficient allowance for flash repayment")
)

var (
	ErrZeroVoteWeight     = errors.New("loan: vote weights sum to zero")
	ErrVoteWeightOverflow = errors.New("loan: vote weights overflow")
)
