package testutil

import (
	"fmt"
	"testing"
	"time"

	"FortyAcres/internal/config"
	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/loan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Addresses of the contracts deployed by Genesis.
var (
	AERO      = Addr(0xae)
	USDC      = Addr(0xc1)
	Owner     = Addr(0x01)
	PoolA     = Addr(0x1a)
	Escrow    = Addr(0xe5)
	Voter     = Addr(0x70)
	Vault     = Addr(0x7a)
	Market    = Addr(0x40)
	Secondary = Addr(0x5e)
	Community = Addr(0xcc)
)

// Genesis is a small deployment: one AERO escrow, one USDC vault, one
// loan market, a secondary market and a community ledger.
func Genesis() config.Genesis {
	params := loan.DefaultParams()
	params.Multiplier = 1000
	return config.Genesis{
		Assets: []config.Asset{
			{Address: AERO, Symbol: "AERO", Decimals: 18},
			{Address: USDC, Symbol: "USDC", Decimals: 6},
		},
		Escrow: config.Escrow{Address: Escrow, Token: AERO},
		Voter: config.Voter{Address: Voter, Pools: []config.Pool{
			{Address: PoolA, Fees: Addr(0x2a), Bribes: Addr(0x3a)},
		}},
		Vaults: []config.Vault{{Address: Vault, Asset: USDC}},
		Loans: []config.LoanMarket{{
			Address:        Market,
			Vault:          Vault,
			Owner:          Owner,
			Params:         &params,
			ApprovedPools:  []common.Address{PoolA},
			ApprovedTokens: []common.Address{AERO},
		}},
		Market: config.Market{
			Address:       Secondary,
			Owner:         Owner,
			FeeRecipient:  Owner,
			FeeBps:        100,
			PaymentTokens: []common.Address{USDC},
		},
		Community: []config.Community{{Address: Community, ManagedToken: 1, Authority: Owner}},
	}
}

// Sequencer numbers events per contract the way an upstream indexer does.
type Sequencer struct {
	seqs map[common.Address]int64
	n    int
}

func NewSequencer() *Sequencer {
	return &Sequencer{seqs: make(map[common.Address]int64)}
}

// Header stamps the next event for contract at GenesisTime.
func (s *Sequencer) Header(sender, contract common.Address) event.Header {
	s.n++
	seq := s.seqs[contract]
	s.seqs[contract] = seq + 1
	return event.Header{
		EventID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("event-%d", s.n))),
		Sender:      sender,
		Contract:    contract,
		Sequence:    seq,
		TimestampUs: int64(GenesisTime) * 1_000_000,
	}
}

// NewCore deploys Genesis on a core with no downstream workers.
func NewCore(t *testing.T) *core.DeterministicCore {
	t.Helper()
	c, err := core.NewDeterministicCore(Genesis(), core.Options{LRUCapacity: 128, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("deploy genesis: %v", err)
	}
	return c
}

// Apply processes evt and fails the test on an ordering error or revert.
func Apply(t *testing.T, c *core.DeterministicCore, evt event.Event) *core.Receipt {
	t.Helper()
	r, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("%s: %v", evt.EventType(), err)
	}
	if r.Revert != "" {
		t.Fatalf("%s reverted: %s", evt.EventType(), r.Revert)
	}
	return r
}

// Clock returns a fixed clock at GenesisTime.
func Clock() func() time.Time {
	return func() time.Time { return time.Unix(int64(GenesisTime), 0) }
}
