package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/transit-tracker/internal/app"
	"github.com/dvloznov/transit-tracker/internal/config"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/dvloznov/transit-tracker/internal/scheduler"
)

func main() {
	once := flag.Bool("once", false, "Ingest last month immediately and exit")
	flag.Parse()

	bootLog := logger.New()
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.NewForService(cfg.LogFormat, cfg.LogLevel)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	s, err := scheduler.New(ctx, a.Orchestrator, scheduler.Options{
		Spec:           cfg.Schedule,
		HealthcheckURL: cfg.HealthcheckURL,
		Location:       cfg.Location(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	if *once {
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		err := s.RunOnce(sigCtx)
		stop()
		if err != nil {
			a.Close()
			if errors.Is(err, pipeline.ErrVaultMisconfigured) {
				os.Exit(3)
			}
			os.Exit(1)
		}
		return
	}

	s.Start()
	log.Info().Str("schedule", cfg.Schedule).Str("timezone", cfg.StatementTimezone).Msg("Waiting for the next run...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler...")

	// A running ingestion stops starting cards once ctx is canceled.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer shutdownCancel()

	if err := s.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Timed out waiting for the running ingestion")
	}

	log.Info().Msg("Scheduler exited")
}
