// Package main is the entry point for the market-data ingestion and scoring
// pipeline. It loads configuration, wires the pipeline's service graph,
// schedules the daily run on a cron expression, and serves the admin HTTP
// surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/config"
	"github.com/quantdesk/marketpipe/internal/persistence/backup"
	"github.com/quantdesk/marketpipe/internal/pipeline"
	"github.com/quantdesk/marketpipe/internal/server"
	"github.com/quantdesk/marketpipe/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run one pipeline cycle immediately and exit, skipping the cron schedule")
	force := flag.Bool("force", false, "force a run even on a non-trading day or when gates would otherwise skip it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting marketpipe")

	pl, err := pipeline.New(log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire pipeline")
	}
	defer func() {
		if err := pl.Close(); err != nil {
			log.Error().Err(err).Msg("error closing pipeline")
		}
	}()

	backupSvc := buildBackupService(context.Background(), log, cfg)

	if *once {
		summary, err := pl.RunDaily(context.Background(), pipeline.Options{ForceRun: *force})
		if err != nil {
			log.Fatal().Err(err).Msg("run failed")
		}
		log.Info().Bool("halted_early", summary.HaltedEarly).Str("halt_reason", summary.HaltReason).Msg("run complete")
		runBackup(context.Background(), log, backupSvc)
		if summary.HaltedEarly {
			// a hard stop (no credentials anywhere, or a cancelled run) is
			// the only condition that exits non-zero; a soft degraded run
			// (partial priorities) still exits 0.
			os.Exit(1)
		}
		return
	}

	srv := server.New(server.Config{Log: log, Runner: pl})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.ListenAndServe(ctx, cfg.Port, srv.Handler(), log); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("admin server started")

	c := cron.New()
	_, err = c.AddFunc(cfg.CronSchedule, func() {
		summary, err := pl.RunDaily(context.Background(), pipeline.Options{ForceRun: *force})
		if err != nil {
			log.Error().Err(err).Msg("scheduled run failed")
			return
		}
		srv.SetLatest(summary)
		runBackup(context.Background(), log, backupSvc)
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.CronSchedule).Msg("invalid cron schedule")
	}
	c.Start()
	log.Info().Str("schedule", cfg.CronSchedule).Msg("cron scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cronCtx := c.Stop()
	<-cronCtx.Done()
	cancel()
}

// buildBackupService wires the S3-compatible backup client only when a
// bucket has been configured; backups are optional since object storage
// isn't required for a single operator running locally.
func buildBackupService(ctx context.Context, log zerolog.Logger, cfg *config.Config) *backup.Service {
	if cfg.BackupBucket == "" {
		return nil
	}
	client, err := backup.NewClient(ctx, backup.Config{
		Bucket:   cfg.BackupBucket,
		Endpoint: cfg.BackupEndpoint,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build backup client, continuing without backups")
		return nil
	}
	return backup.New(client, cfg.DataDir+"/marketpipe.db", cfg.DataDir+"/.backup-stage", log)
}

func runBackup(ctx context.Context, log zerolog.Logger, svc *backup.Service) {
	if svc == nil {
		return
	}
	if err := svc.CreateAndUpload(ctx); err != nil {
		log.Error().Err(err).Msg("backup upload failed")
		return
	}
	if err := svc.Rotate(ctx, 30, 7); err != nil {
		log.Error().Err(err).Msg("backup rotation failed")
	}
}
