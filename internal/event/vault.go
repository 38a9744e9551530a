package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type VaultDeposited struct {
	Header
	Assets   *uint256.Int   `json:"assets"`
	Receiver common.Address `json:"receiver"`
}

func (*VaultDeposited) EventType() EventType { return EventTypeVaultDeposited }

type VaultWithdrawn struct {
	Header
	Assets   *uint256.Int   `json:"assets"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (*VaultWithdrawn) EventType() EventType { return EventTypeVaultWithdrawn }

type VaultRedeemed struct {
	Header
	Shares   *uint256.Int   `json:"shares"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

func (*VaultRedeemed) EventType() EventType { return EventTypeVaultRedeemed }
