package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ingestion"
	"FortyAcres/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Replay re-applies every logged event from the core's next sequence
// onward and checks each resulting state hash against the log. It returns
// the number of events replayed. Call it before the core starts serving.
func Replay(ctx context.Context, sm *SnapshotManager, c *core.DeterministicCore, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	start := time.Now()
	var replayed int64
	for {
		from := c.GetSequence()
		rows, err := sm.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			if err := replayRow(c, row); err != nil {
				return replayed, err
			}
			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < replayPageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if replayed > 0 {
		logger.Info().Int64("events", replayed).Int64("next_sequence", c.GetSequence()).
			Dur("took", time.Since(start)).Msg("replay complete")
	}
	return replayed, nil
}

func replayRow(c *core.DeterministicCore, row EventRow) error {
	if row.Sequence != c.GetSequence() {
		return fmt.Errorf("replay: log has sequence %d, core expects %d", row.Sequence, c.GetSequence())
	}
	t, ok := event.ParseEventType(row.EventType)
	if !ok {
		return fmt.Errorf("replay %d: %w: %q", row.Sequence, ingestion.ErrUnknownEventType, row.EventType)
	}
	evt, err := ingestion.ParseEvent(t, row.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	receipt, err := c.ReplayEvent(evt)
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	if receipt.Duplicate || !bytes.Equal(receipt.StateHash.Bytes(), row.StateHash) {
		return fmt.Errorf("replay %d: state hash diverged (log %x, replay %x)", row.Sequence, row.StateHash, receipt.StateHash)
	}
	return nil
}
