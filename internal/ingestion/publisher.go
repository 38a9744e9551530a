package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds every event the ledger has applied.
// Subjects follow the pattern: acres.ledger.events.{event_type}.{contract}
const OutboundStream = "ACRES_LEDGER_EVENTS"

const outboundPrefix = "acres.ledger.events"

// OutboundPublisher publishes persisted outputs to NATS for downstream
// consumers.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	sink      func(PublishableEvent)
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one applied call.
type PublishableEvent struct {
	Sequence       int64                 `json:"sequence"`
	EventType      string                `json:"event_type"`
	IdempotencyKey string                `json:"idempotency_key"`
	MarketID       *string               `json:"market_id,omitempty"`
	Payload        json.RawMessage       `json:"payload"`
	Revert         string                `json:"revert,omitempty"`
	Logs           []state.Log           `json:"logs,omitempty"`
	Positions      []core.PositionChange `json:"positions,omitempty"`
	StateHash      common.Hash           `json:"state_hash"`
	Timestamp      time.Time             `json:"timestamp"`
}

// NewPublishableEvent flattens a core output for the wire.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		Revert:         env.Revert,
		Logs:           out.Logs,
		Positions:      out.Positions,
		StateHash:      common.Hash(env.StateHash),
		Timestamp:      env.Timestamp,
	}
}

// Subject is the outbound subject of evt.
func (evt PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", outboundPrefix, evt.EventType)
	if evt.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.MarketID)
	} else {
		subject += "." + globalToken
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// WithSink hands every event to fn after it is published, for local
// fan-out such as the websocket stream. fn must not block.
func (op *OutboundPublisher) WithSink(fn func(PublishableEvent)) *OutboundPublisher {
	op.sink = fn
	return op
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			evt := NewPublishableEvent(out)
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
			if op.sink != nil {
				op.sink(evt)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data,
		jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{outboundPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
