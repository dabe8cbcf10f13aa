package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/transit-tracker/internal/api"
	"github.com/dvloznov/transit-tracker/internal/api/handlers"
	"github.com/dvloznov/transit-tracker/internal/app"
	"github.com/dvloznov/transit-tracker/internal/config"
	"github.com/dvloznov/transit-tracker/internal/jobs"
	"github.com/dvloznov/transit-tracker/internal/jobs/inmemory"
	"github.com/dvloznov/transit-tracker/internal/logger"
)

func main() {
	// Parse command-line flags
	port := flag.String("port", "", "HTTP server port (overrides TRANSIT_API_PORT)")
	flag.Parse()

	bootLog := logger.New()
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port == "" {
		*port = cfg.APIPort
	}

	log := logger.NewForService(cfg.LogFormat, cfg.LogLevel)
	if cfg.APIKey == "" {
		log.Warn().Msg("No API key configured - the API is open to anyone who can reach it")
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.QueueOptions{Workers: cfg.JobWorkers}, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Int("workers", cfg.JobWorkers).Msg("Starting job workers")
	if err := jobQueue.Start(workerCtx, jobs.IngestionHandler(a.Orchestrator)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	handler := api.NewRouter(api.Deps{
		Runs:   handlers.NewRunsHandler(jobQueue, jobStore),
		Cards:  handlers.NewCardsHandler(a.Cards),
		APIKey: cfg.APIKey,
		Log:    log,
	})

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Str("backend", cfg.StoreBackend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Running ingestions see the cancellation: no new card starts, cards
	// already fetching finish.
	cancelWorker()
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
