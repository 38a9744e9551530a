package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenMinted bridges Amount of the asset at Contract into the ledger,
// crediting To from the external deposit account.
type TokenMinted struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*TokenMinted) EventType() EventType { return EventTypeTokenMinted }

// TokenBurned bridges Amount of the Sender's balance out of the ledger.
type TokenBurned struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (*TokenBurned) EventType() EventType { return EventTypeTokenBurned }

type TokenTransferred struct {
	Header
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (*TokenTransferred) EventType() EventType { return EventTypeTokenTransferred }

type TokenApproved struct {
	Header
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*TokenApproved) EventType() EventType { return EventTypeTokenApproved }

// LockCreated locks Sender's escrow token into a new veNFT owned by To.
type LockCreated struct {
	Header
	Amount    *uint256.Int   `json:"amount"`
	Duration  uint64         `json:"duration"`
	Permanent bool           `json:"permanent"`
	To        common.Address `json:"to"`
}

func (*LockCreated) EventType() EventType { return EventTypeLockCreated }

type NftApproved struct {
	Header
	Spender common.Address `json:"spender"`
	TokenID uint64         `json:"token_id"`
}

func (*NftApproved) EventType() EventType { return EventTypeNftApproved }

type NftTransferred struct {
	Header
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID uint64         `json:"token_id"`
}

func (*NftTransferred) EventType() EventType { return EventTypeNftTransferred }

// RewardNotified funds a fee or bribe distributor for one veNFT out of
// Sender's balance.
type RewardNotified struct {
	Header
	Distributor common.Address `json:"distributor"`
	TokenID     uint64         `json:"token_id"`
	Token       common.Address `json:"token"`
	Amount      *uint256.Int   `json:"amount"`
}

func (*RewardNotified) EventType() EventType { return EventTypeRewardNotified }

// SwapRateSet quotes TokenOut per TokenIn, scaled by 1e18.
type SwapRateSet struct {
	Header
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	RateWad  *uint256.Int   `json:"rate_wad"`
}

func (*SwapRateSet) EventType() EventType { return EventTypeSwapRateSet }
