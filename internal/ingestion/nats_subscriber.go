package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Domains lists the contract kinds that receive commands, one stream and
// one durable consumer each.
var Domains = []string{"token", "vault", "loan", "market", "portfolio", "community"}

// SubjectConfig binds a subject filter to its stream and durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per domain. A contract's commands
// all land in one domain, so per-consumer delivery order is per-partition
// order.
func DefaultSubjects() []SubjectConfig {
	out := make([]SubjectConfig, 0, len(Domains))
	for _, d := range Domains {
		out = append(out, SubjectConfig{
			Subject:      fmt.Sprintf("%s.%s.>", CommandPrefix, d),
			ConsumerName: "ledger-" + d,
			StreamName:   "ACRES_CMD_" + strings.ToUpper(d),
		})
	}
	return out
}

// NATSSubscriber consumes JetStream command subjects and submits each
// message to the core, settling the message on the core's reply.
type NATSSubscriber struct {
	js        jetstream.JetStream
	cmds      chan<- core.Command
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext

	// GapRetryDelay is how long a message that arrived ahead of its
	// partition waits before redelivery.
	GapRetryDelay time.Duration
}

func NewNATSSubscriber(js jetstream.JetStream, cmds chan<- core.Command, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:            js,
		cmds:          cmds,
		metrics:       metrics,
		logger:        logger,
		GapRetryDelay: time.Second,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// handle blocks until the core has applied msg so that the next message
// of the same consumer is submitted after it.
func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	received := time.Now()
	evt, err := ParseMessage(msg.Subject(), msg.Data())
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping unparseable message")
		_ = msg.Term()
		return
	}

	if ns.metrics != nil {
		if md, err := msg.Metadata(); err == nil {
			ns.metrics.NATSPullLatency.WithLabelValues(evt.EventType().Domain()).Observe(received.Sub(md.Timestamp).Seconds())
		}
	}

	// On shutdown the message is nak'd; a redelivery after restart is
	// caught by idempotency.
	_, err = core.Submit(ctx, ns.cmds, evt)
	if ns.metrics != nil {
		ns.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(received).Seconds())
	}
	ns.settle(msg, err)
}

// settle acks applied, reverted and duplicate calls. A gap is retried
// later; a stale sequence never becomes valid and is terminated.
func (ns *NATSSubscriber) settle(msg jetstream.Msg, err error) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, core.ErrSequenceGap):
		_ = msg.NakWithDelay(ns.GapRetryDelay)
	case errors.Is(err, core.ErrOutOfOrder):
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("terminating stale message")
		_ = msg.Term()
	default:
		_ = msg.Nak()
	}
}

// EnsureStreams creates the command streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, s := range DefaultSubjects() {
		cfg := jetstream.StreamConfig{
			Name:      s.StreamName,
			Subjects:  []string{s.Subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// The first connect is retried with backoff for up to 30s.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	var nc *nats.Conn
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.Name("fortyacres-ledger"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info().Msg("NATS reconnected")
			}),
		)
		return err
	}, b, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("backoff", wait).Msg("NATS not ready")
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// Publish sends evt on its command subject. Used by tooling that feeds
// the ledger.
func Publish(ctx context.Context, js jetstream.JetStream, evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	_, err = js.Publish(ctx, CommandSubject(evt), data, jetstream.WithMsgID(evt.IdempotencyKey()))
	return err
}
