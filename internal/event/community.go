package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type CommunityDeposited struct {
	Header
	Owner  common.Address `json:"owner"`
	Amount *uint256.Int   `json:"amount"`
}

func (*CommunityDeposited) EventType() EventType { return EventTypeCommunityDeposited }

type CommunityWithdrawn struct {
	Header
	Owner  common.Address `json:"owner"`
	Amount *uint256.Int   `json:"amount"`
}

func (*CommunityWithdrawn) EventType() EventType { return EventTypeCommunityWithdrawn }

type CommunityRewardNotified struct {
	Header
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

func (*CommunityRewardNotified) EventType() EventType { return EventTypeCommunityRewardNotified }

type CommunityRewardClaimed struct {
	Header
	Owner  common.Address   `json:"owner"`
	Tokens []common.Address `json:"tokens"`
}

func (*CommunityRewardClaimed) EventType() EventType { return EventTypeCommunityRewardClaimed }
