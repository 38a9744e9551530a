package persistence

import (
	"context"
	"fmt"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/observability"

	"github.com/rs/zerolog"
)

// Snapshotter saves core state every Interval sequences. A snapshot is
// written unverified and marked verified once the event at its sequence
// is in the log with the same state hash; until then recovery ignores it.
type Snapshotter struct {
	snaps    *SnapshotManager
	cmds     chan<- core.Command
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSeq    int64
	unverified []int64
}

func NewSnapshotter(snaps *SnapshotManager, cmds chan<- core.Command, interval int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	return &Snapshotter{
		snaps:    snaps,
		cmds:     cmds,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run checks every tick whether a snapshot is due. startSeq is the last
// sequence already covered by a snapshot or replay. Blocks until ctx ends.
func (s *Snapshotter) Run(ctx context.Context, tick time.Duration, startSeq int64) error {
	s.lastSeq = startSeq
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.verifyPending(ctx)
			if err := s.maybeSnapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) maybeSnapshot(ctx context.Context) error {
	var snap *core.SnapshotState
	err := core.Exec(ctx, s.cmds, func(c *core.DeterministicCore) {
		if c.GetSequence()-1-s.lastSeq >= s.interval {
			snap = c.CreateSnapshotState()
		}
	})
	if err != nil || snap == nil {
		return err
	}
	return s.Save(ctx, snap)
}

// Save writes snap and tries to verify it straight away.
func (s *Snapshotter) Save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	size, err := s.snaps.SaveSnapshot(ctx, snap, start)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence
	s.unverified = append(s.unverified, snap.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	s.verifyPending(ctx)
	return nil
}

// Pending lists saved snapshots that are not verified yet.
func (s *Snapshotter) Pending() []int64 { return append([]int64(nil), s.unverified...) }

func (s *Snapshotter) verifyPending(ctx context.Context) {
	kept := s.unverified[:0]
	for _, seq := range s.unverified {
		ok, err := s.snaps.VerifySnapshot(ctx, seq)
		if err != nil {
			s.logger.Warn().Err(err).Int64("sequence", seq).Msg("snapshot verification failed")
			kept = append(kept, seq)
			continue
		}
		if !ok {
			kept = append(kept, seq)
			continue
		}
		if s.metrics != nil {
			s.metrics.SnapshotLastSeq.Set(float64(seq))
		}
		s.logger.Info().Int64("sequence", seq).Msg("snapshot verified")
	}
	s.unverified = kept
}
