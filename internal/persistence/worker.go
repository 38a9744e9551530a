package persistence

import (
	"context"
	"database/sql"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The core's persist
// sends block when this worker falls behind, so no output is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	publishChan  chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

type pending struct {
	outputs  []core.CoreOutput
	events   []EventRow
	journals []JournalRow
	first    time.Time
}

func (p *pending) reset() {
	p.outputs = p.outputs[:0]
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// NewPersistenceWorker wires a worker. Outputs are forwarded to
// publishChan, when set, once their batch commits.
func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	publishChan chan<- core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		outputs:  make([]core.CoreOutput, 0, pw.batchSize),
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch.events) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.events) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, journals, err := Rows(output)
			if err != nil {
				pw.logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("unencodable output")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			if len(batch.events) == 0 {
				batch.first = time.Now()
			}
			batch.outputs = append(batch.outputs, output)
			batch.events = append(batch.events, row)
			batch.journals = append(batch.journals, journals...)

			if len(batch.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one last attempt without the context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return pw.flush(ctx, batch)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		pw.logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).
			Int("events", len(batch.events)).Msg("persistence retry")
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	})
	if err == nil {
		if attempts > 1 {
			pw.logger.Info().Int("retries", attempts-1).Msg("persistence flush succeeded after retries")
		}
		return nil
	}
	if ctx.Err() != nil {
		return pw.flush(context.Background(), batch)
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	// Write events and journals in a single transaction
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin", err)
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		pw.countError("write_events", err)
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit", err)
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.ApplyToPersist.Observe(time.Since(batch.first).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
	}

	// Outbound events only leave after their batch is durable.
	if pw.publishChan != nil {
		for _, out := range batch.outputs {
			select {
			case pw.publishChan <- out:
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string, err error) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage + ":" + errorClass(err)).Inc()
	}
}
