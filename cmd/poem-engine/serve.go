package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	poemengine "github.com/snarg/poem-engine"
	"github.com/snarg/poem-engine/internal/api"
	"github.com/snarg/poem-engine/internal/config"
	"github.com/snarg/poem-engine/internal/database"
	"github.com/snarg/poem-engine/internal/ingest"
	"github.com/snarg/poem-engine/internal/jobs"
	"github.com/snarg/poem-engine/internal/metrics"
	"github.com/snarg/poem-engine/internal/mqttclient"
	"github.com/snarg/poem-engine/internal/pipeline"
	"github.com/snarg/poem-engine/internal/storage"
)

const purgeInterval = time.Hour

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, worker pool and optional MQTT and inbox intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, ctx)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, cc *commandContext) error {
	startTime := time.Now()
	log := cc.logger()
	log.Info().Str("version", version).Msg("poem-engine starting")

	// Context for graceful shutdown
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}

	pruner := storage.NewWorkspacePruner(cfg.WorkDir, cfg.WorkRetention, log)
	pruner.Start()
	defer pruner.Stop()

	// Database (optional job ledger)
	var db *database.DB
	var ledger jobs.Ledger
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			Workers:  cfg.Workers,
		}, dbLog)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx, poemengine.SchemaSQL); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		ledger = db
		go purgeLoop(ctx, db, cfg.JobRetention, dbLog)
	} else {
		log.Warn().Msg("DATABASE_URL not set, job ledger disabled")
	}

	// MQTT (optional intake and status events)
	var mqtt *mqttclient.Client
	var events jobs.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Topics:      cfg.MQTTTopics,
			EventPrefix: cfg.MQTTEventPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		defer mqtt.Close()
		events = mqtt
	}

	runner := jobs.NewRunner(jobs.RunnerOptions{
		Executor:     orch,
		Ledger:       ledger,
		Events:       events,
		LogDir:       cfg.LogDir,
		Console:      cc.stdout,
		ConsoleLevel: cc.logLevel(),
		Log:          log.With().Str("component", "runner").Logger(),
	})

	pool := jobs.NewWorkerPool(jobs.WorkerPoolOptions{
		Runner:    runner,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Log:       log,
	})
	pool.Start()
	defer pool.Stop()

	collector := metrics.NewCollector(nil, pool)
	if db != nil {
		collector = metrics.NewCollector(db.Pool, pool)
	}
	if err := prometheus.Register(collector); err != nil {
		log.Warn().Err(err).Msg("metrics collector not registered")
	}

	if mqtt != nil {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt.SetMessageHandler(func(topic string, payload []byte) {
			req, err := decodeJobRequest(payload)
			if err != nil {
				mqttLog.Warn().Err(err).Str("topic", topic).Msg("rejected job request")
				return
			}
			id, ok := pool.Enqueue(jobs.Job{Source: jobs.SourceMQTT, Request: req})
			if !ok {
				mqttLog.Warn().Str("topic", topic).Msg("job queue full, request dropped")
				return
			}
			mqttLog.Info().Str("topic", topic).Str("job_id", id).Msg("job queued")
		})
	}

	// Inbox watcher (optional)
	var watcherStatus func() *api.WatcherStatusData
	if cfg.WatchDir != "" {
		fw := ingest.NewFileWatcher(ingest.Options{
			WatchDir:       cfg.WatchDir,
			DestinationDir: cfg.WatchDestinationDir,
			Backfill:       cfg.WatchBackfill,
			Submitter:      pool,
			Log:            log,
		})
		if err := fw.Start(); err != nil {
			return fmt.Errorf("start inbox watcher: %w", err)
		}
		defer fw.Stop()
		watcherStatus = fw.Status
	}

	opts := api.ServerOptions{
		Config:        cfg,
		Runner:        runner,
		Queue:         pool,
		WatcherStatus: watcherStatus,
		Version:       version,
		StartTime:     startTime,
		Log:           log.With().Str("component", "http").Logger(),
	}
	if db != nil {
		opts.Jobs = db
		opts.DB = db
	}
	if mqtt != nil {
		opts.MQTT = mqtt
	}
	srv := api.NewServer(opts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout; queued jobs drain in the deferred
	// pool.Stop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("poem-engine stopped")
	return runErr
}

// decodeJobRequest parses and validates a JSON job request.
func decodeJobRequest(payload []byte) (pipeline.Request, error) {
	var req pipeline.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode job request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func purgeLoop(ctx context.Context, db *database.DB, retention time.Duration, log zerolog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		n, err := db.PurgeJobs(ctx, retention)
		if err != nil {
			log.Warn().Err(err).Msg("job purge failed")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Dur("retention", retention).Msg("purged old jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
