// Package app assembles the ingestion components from configuration. Every
// command builds its dependencies through here so they agree on backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/transit-tracker/internal/cards"
	"github.com/dvloznov/transit-tracker/internal/config"
	"github.com/dvloznov/transit-tracker/internal/gcs"
	infraBQ "github.com/dvloznov/transit-tracker/internal/infra/bigquery"
	"github.com/dvloznov/transit-tracker/internal/infra/memory"
	"github.com/dvloznov/transit-tracker/internal/infra/postgres"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/dvloznov/transit-tracker/internal/portal"
	"github.com/dvloznov/transit-tracker/internal/statement"
	"github.com/dvloznov/transit-tracker/internal/taxonomy"
	"github.com/dvloznov/transit-tracker/internal/vault"
)

// App holds the wired components. Close releases every connection it opened.
type App struct {
	Store        pipeline.Store
	Vault        *vault.Vault
	Orchestrator *pipeline.Orchestrator
	Cards        *cards.Service
	Normalizer   *pipeline.Normalizer

	closers []func() error
}

// Options adjust what New builds.
type Options struct {
	DryRun bool

	// Store replaces the configured backend, mainly for tests.
	Store pipeline.Store
	// Fetcher replaces the portal client, mainly for tests.
	Fetcher pipeline.Fetcher
}

// OpenStore connects the backend named by cfg.StoreBackend. The returned
// func closes it.
func OpenStore(ctx context.Context, cfg *config.Config) (pipeline.Store, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenStore: %w", err)
		}
		return postgres.NewStore(pool), func() error { pool.Close(); return nil }, nil
	case config.BackendBigQuery:
		s, err := infraBQ.NewStore(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, s.Close, nil
	case config.BackendMemory:
		return memory.NewStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.StoreBackend)
	}
}

// OpenVault parses the configured key. Unlike config validation it refuses
// an empty key.
func OpenVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.VaultKey == "" {
		return nil, errors.New("OpenVault: VAULT_KEY is not set; run `cli genkey` to create one")
	}
	key, err := vault.ParseKey(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("OpenVault: %w", err)
	}
	v, err := vault.New(key)
	if err != nil {
		return nil, fmt.Errorf("OpenVault: %w", err)
	}
	return v, nil
}

// LoadNormalizer loads the mode table and builds a normalizer in the
// statement time zone. objects may be nil unless the source is gs://.
func LoadNormalizer(ctx context.Context, cfg *config.Config, objects taxonomy.ObjectFetcher) (*pipeline.Normalizer, error) {
	table, err := taxonomy.Load(ctx, cfg.TaxonomySource, objects)
	if err != nil {
		return nil, fmt.Errorf("LoadNormalizer: %w", err)
	}
	return pipeline.NewNormalizer(table, cfg.Location()), nil
}

func needsStorage(cfg *config.Config, dryRun bool) bool {
	return (cfg.ArchiveBucket != "" && !dryRun) || strings.HasPrefix(strings.TrimSpace(cfg.TaxonomySource), "gs://")
}

// New wires the store, vault, taxonomy, portal client, extractor, archiver
// and orchestrator. Nothing is archived on a dry run.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Vault, err = OpenVault(cfg)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	if opts.Store != nil {
		a.Store = opts.Store
	} else {
		store, closeStore, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, closeStore)
	}

	var objects *gcs.Client
	if needsStorage(cfg, opts.DryRun) {
		objects, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.closers = append(a.closers, objects.Close)
	}

	var fetcher taxonomy.ObjectFetcher
	if objects != nil {
		fetcher = objects
	}
	a.Normalizer, err = LoadNormalizer(ctx, cfg, fetcher)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	pipelineOpts := pipeline.Options{
		Store:       a.Store,
		Vault:       a.Vault,
		Fetcher:     opts.Fetcher,
		Extractor:   statement.New(),
		Normalizer:  a.Normalizer,
		Concurrency: cfg.Concurrency,
		DryRun:      opts.DryRun,
	}
	if pipelineOpts.Fetcher == nil {
		pipelineOpts.Fetcher = portal.NewClient(portal.Config{
			BaseURL:   cfg.PortalBaseURL,
			UserAgent: cfg.PortalUserAgent,
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
			LoginRate: cfg.LoginRate,
		})
	}
	if cfg.ArchiveBucket != "" && !opts.DryRun {
		pipelineOpts.Archiver = gcs.NewArchiver(objects, cfg.ArchiveBucket)
	}

	a.Orchestrator, err = pipeline.NewOrchestrator(pipelineOpts)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Cards = cards.NewService(a.Store, a.Vault)

	log := logger.FromContext(ctx)
	log.Debug().
		Str("backend", cfg.StoreBackend).
		Str("key_id", a.Vault.KeyID()).
		Bool("archive", pipelineOpts.Archiver != nil).
		Bool("dry_run", opts.DryRun).
		Msg("Components wired")
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
