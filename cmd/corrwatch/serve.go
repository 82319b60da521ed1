package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"corrwatch/internal/api"
	"corrwatch/internal/config"
	"corrwatch/internal/engine"
	"corrwatch/internal/ingest"
	"corrwatch/internal/logging"
	"corrwatch/internal/metrics"
	"corrwatch/internal/normalize"
	"corrwatch/internal/sink"
	"corrwatch/internal/storage"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, correlation and the query API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadManager(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.NewLogger(mgr.Get().LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, mgr, logger)
		},
	}
}

func serve(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	eng := engine.NewEngine(cfg, logger, nil, nil, m)
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		eng.SetMirror(store)
		since := time.Now().UTC().Add(-cfg.Incidents.Retention)
		warm, err := store.LoadIncidents(ctx, since, cfg.Incidents.StoreLimit)
		if err != nil {
			return fmt.Errorf("load incidents: %w", err)
		}
		eng.Incidents().Load(warm)
		logger.Info("incidents restored", "count", len(warm), "driver", cfg.Storage.Driver)
	}

	sinks, err := sink.Build(cfg.Sinks, store, logger)
	if err != nil {
		return fmt.Errorf("build sinks: %w", err)
	}
	dispatcher := sink.NewDispatcher(sink.OptionsFromConfig(cfg.Sinks), sinks, logger, m)
	dispatcher.Start()
	eng.SetPublisher(dispatcher)

	pipeline := ingest.NewPipeline(cfg.Ingest, normalize.New(cfg.Normalize), eng, logger, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })

	ingest.StartREST(gctx, mgr, pipeline, logger)
	ingest.StartSyslog(gctx, mgr, pipeline, logger)
	ingest.StartKafka(gctx, mgr, pipeline, logger)
	ingest.StartFileTail(gctx, mgr, pipeline, logger)
	if _, err := ingest.StartNATS(gctx, mgr, pipeline, logger); err != nil {
		logger.Error("nats ingest unavailable", "err", err)
	}

	api.Start(gctx, api.Options{
		Config:   mgr,
		Engine:   eng,
		Gatherer: reg,
		Logger:   logger,
		Version:  version,
		Extra: map[string]func() any{
			"ingest": func() any { return pipeline.Stats() },
			"sinks":  func() any { return dispatcher.Stats() },
		},
	})

	g.Go(func() error {
		mgr.Watch(3*time.Second, func(next *config.Config) {
			eng.UpdateConfig(next)
			pipeline.SetNormalizer(normalize.New(next.Normalize))
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	g.Go(func() error {
		every(gctx, cfg.Window.SweepInterval, func(now time.Time) {
			if n := eng.Sweep(now); n > 0 {
				logger.Debug("window expired", "events", n)
			}
		})
		return nil
	})

	g.Go(func() error {
		every(gctx, cfg.Incidents.PurgeInterval, func(now time.Time) {
			eng.PurgeIncidents(gctx, now)
		})
		return nil
	})

	logger.Info("corrwatch started", "version", version)
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := dispatcher.Close(shutdownCtx); cerr != nil {
		logger.Warn("sink dispatcher did not drain", "err", cerr)
	}
	logger.Info("corrwatch stopped", "stats", eng.Stats())
	return err
}

func every(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			fn(t.UTC())
		}
	}
}
