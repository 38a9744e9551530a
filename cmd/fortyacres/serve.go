package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"FortyAcres/internal/config"
	"FortyAcres/internal/core"
	"FortyAcres/internal/ingestion"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/persistence"
	"FortyAcres/internal/projection"
	"FortyAcres/internal/query"
	"FortyAcres/internal/server"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	commandChanSize   = 4096
	historyCapacity   = 10_000
	channelSampleRate = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover state and serve the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, observability.NewLogger("ledger"))
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("FortyAcres starting")
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	db, err := persistence.Open(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Recovery: snapshot, then replay the log tail.
	snaps := persistence.NewSnapshotManager(db)
	snap, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	cmds := make(chan core.Command, commandChanSize)

	c, err := core.NewDeterministicCore(cfg.Genesis, core.Options{
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "core").Logger(),
	})
	if err != nil {
		return fmt.Errorf("deploy genesis: %w", err)
	}

	var covered int64
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return err
		}
		covered = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, cold start")
	}

	keys, err := snaps.LoadRecentKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		return err
	}
	c.WarmLRU(keys)

	if _, err := persistence.Replay(ctx, snaps, c, metrics, logger); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	// NATS
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}

	hub := server.NewHub(0, logger.With().Str("component", "stream").Logger())
	history := projection.NewLoanHistoryProjection(historyCapacity)
	deps := &server.Deps{
		Projections: query.NewQueryService(db),
		Live:        query.NewLiveReader(cmds),
		Ingest:      ingestion.NewGRPCIngestService(cmds),
		History:     history,
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "api").Logger(),
	}

	errChan := make(chan error, 8)
	var coreDone, persistDone, snapDone sync.WaitGroup
	run := func(name string, wg *sync.WaitGroup, fn func() error) {
		if wg != nil {
			wg.Add(1)
		}
		go func() {
			if wg != nil {
				defer wg.Done()
			}
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("core", &coreDone, func() error { return c.Run(ctx, cmds) })
	// The persistence worker outlives ctx: it stops when persistChan is
	// closed after the core, so every applied event reaches the log.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout.Duration, metrics, logger)
	run("persistence", &persistDone, func() error { return persistWorker.Run(context.WithoutCancel(ctx)) })
	run("projection", nil, func() error {
		return projection.NewProjectionWorker(db, projectionChan, history, metrics, logger).Run(ctx)
	})
	run("publisher", nil, func() error {
		return ingestion.NewOutboundPublisher(js, publishChan, logger).WithSink(hub.Broadcast).Run(ctx)
	})

	subscriber := ingestion.NewNATSSubscriber(js, cmds, metrics, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	defer subscriber.Stop()

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, deps)
	httpServer := server.NewHTTPServer(server.HTTPConfig{
		Addr:            cfg.HTTPAddr,
		SubmitRateLimit: cfg.SubmitRateLimit,
		SubmitBurst:     cfg.SubmitBurst,
	}, deps, health, hub)
	run("grpc", nil, func() error { return grpcServer.Start(ctx) })
	run("http", nil, func() error { return httpServer.Start(ctx) })
	run("metrics", nil, func() error { return serveMetrics(ctx, cfg.MetricsAddr) })

	snapshotter := persistence.NewSnapshotter(snaps, cmds, cfg.SnapshotInterval, metrics, logger)
	run("snapshots", &snapDone, func() error {
		return snapshotter.Run(ctx, cfg.SnapshotCheckInterval.Duration, covered)
	})
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"commands":   func() (int, int) { return len(cmds), cap(cmds) },
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	health.AddCheck("postgres", db.PingContext)
	health.AddCheck("nats", func(context.Context) error {
		if s := nc.Status(); s != nats.CONNECTED {
			return fmt.Errorf("nats %s", s)
		}
		return nil
	})
	health.SetReady(true)
	logger.Info().
		Int64("next_sequence", c.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("FortyAcres ready")

	var failure error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case failure = <-errChan:
		logger.Error().Err(failure).Msg("component failed, shutting down")
	}
	health.SetReady(false)

	cancel()
	coreDone.Wait()
	close(persistChan)
	persistDone.Wait()
	snapDone.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := snapshotter.Save(shutdownCtx, c.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	logger.Info().Msg("FortyAcres shutdown complete")
	return failure
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(channelSampleRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, fn := range chans {
				size, capacity := fn()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
