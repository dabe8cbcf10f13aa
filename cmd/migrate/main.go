package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/dvloznov/transit-tracker/internal/config"
	infraBQ "github.com/dvloznov/transit-tracker/internal/infra/bigquery"
	"github.com/dvloznov/transit-tracker/internal/infra/postgres"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/migrations"
)

var (
	backend   = flag.String("backend", "", "postgres or bigquery (default TRANSIT_STORE_BACKEND)")
	appliedBy = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	dryRun    = flag.Bool("dry-run", false, "List the embedded migrations without applying them")
)

// migrationSet returns the embedded files and placeholder values for a
// backend.
func migrationSet(cfg *config.Config, backend string) (fs.FS, map[string]string, error) {
	switch backend {
	case config.BackendPostgres:
		return postgres.Migrations(), nil, nil
	case config.BackendBigQuery:
		return infraBQ.Migrations(), infraBQ.Vars(cfg.BigQueryProject, cfg.BigQueryDataset), nil
	default:
		return nil, nil, fmt.Errorf("backend %q has no migrations", backend)
	}
}

func main() {
	flag.Parse()

	log := logger.New()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *backend == "" {
		*backend = cfg.StoreBackend
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	files, vars, err := migrationSet(cfg, *backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Nothing to migrate")
	}
	ms, err := migrations.Read(files, vars)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Str("backend", *backend).Int("files", len(ms)).Msg("Found migration files")

	if *dryRun {
		for _, m := range ms {
			fmt.Printf("  %04d_%s  %s\n", m.Version, m.Name, m.Checksum[:12])
		}
		return
	}

	var b migrations.Backend
	switch *backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		b = postgres.NewMigrator(pool)
	case config.BackendBigQuery:
		store, err := infraBQ.NewStore(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery client")
		}
		defer store.Close()
		log.Info().Str("project", cfg.BigQueryProject).Str("dataset", cfg.BigQueryDataset).Msg("Connected to BigQuery")
		b = infraBQ.NewMigrator(store)
	}

	n, err := migrations.Run(ctx, b, ms, *appliedBy)
	if err != nil {
		log.Fatal().Err(err).Int("applied", n).Msg("Migration failed")
	}

	if n == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", n).Msg("Successfully applied migrations")
	}
}
