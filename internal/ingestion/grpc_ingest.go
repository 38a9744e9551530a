package ingestion

import (
	"context"
	"fmt"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// GRPCIngestService provides admin/manual event injection for the RPC
// and HTTP surfaces. High-throughput producers publish to NATS instead.
type GRPCIngestService struct {
	cmds chan<- core.Command
	now  func() time.Time
}

func NewGRPCIngestService(cmds chan<- core.Command) *GRPCIngestService {
	return &GRPCIngestService{cmds: cmds, now: time.Now}
}

// Submit parses a JSON payload of the named type and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte) (*core.Receipt, error) {
	t, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	evt, err := ParseEvent(t, payload)
	if err != nil {
		return nil, err
	}
	return core.Submit(ctx, s.cmds, evt)
}

// stamp fills a header for an admin-injected call: a fresh id, the current
// time, and the next sequence of the contract's partition.
func (s *GRPCIngestService) stamp(sender, contract common.Address) event.Header {
	return event.Header{
		EventID:     uuid.New(),
		Sender:      sender,
		Contract:    contract,
		Sequence:    -1,
		TimestampUs: s.now().UnixMicro(),
	}
}

// InjectMint bridges amount of token into the ledger for to.
func (s *GRPCIngestService) InjectMint(ctx context.Context, sender, token, to common.Address, amount *uint256.Int) (*core.Receipt, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	}
	return core.Submit(ctx, s.cmds, &event.TokenMinted{
		Header: s.stamp(sender, token),
		To:     to,
		Amount: amount,
	})
}

// InjectRewardNotification funds a distributor for one veNFT.
func (s *GRPCIngestService) InjectRewardNotification(ctx context.Context, evt *event.RewardNotified) (*core.Receipt, error) {
	evt.Header = s.stamp(evt.Sender, evt.Contract)
	return core.Submit(ctx, s.cmds, evt)
}

// InjectSwapRate sets a router rate.
func (s *GRPCIngestService) InjectSwapRate(ctx context.Context, evt *event.SwapRateSet) (*core.Receipt, error) {
	evt.Header = s.stamp(evt.Sender, evt.Contract)
	return core.Submit(ctx, s.cmds, evt)
}
