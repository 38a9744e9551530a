package event

import (
	"FortyAcres/internal/portfolio"

	"github.com/ethereum/go-ethereum/common"
)

// AccountCreated deploys (or resolves) the portfolio account of Owner.
type AccountCreated struct {
	Header
	Owner common.Address `json:"owner"`
}

func (*AccountCreated) EventType() EventType { return EventTypeAccountCreated }

// MulticallExecuted runs Calls atomically on the Sender's account.
type MulticallExecuted struct {
	Header
	Account common.Address   `json:"account"`
	Calls   []portfolio.Call `json:"calls"`
}

func (*MulticallExecuted) EventType() EventType { return EventTypeMulticallExecuted }
