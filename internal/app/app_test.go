package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/config"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/infra/memory"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/dvloznov/transit-tracker/internal/portal"
	"github.com/dvloznov/transit-tracker/internal/vault"
)

// MockFetcher is a hand-written pipeline.Fetcher.
type MockFetcher struct {
	FetchFunc func(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error)
}

func (m *MockFetcher) Fetch(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error) {
	return m.FetchFunc(ctx, cred, card, r)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &config.Config{
		VaultKey:          key,
		Concurrency:       2,
		RetryAttempts:     1,
		StatementTimezone: "America/Los_Angeles",
		StoreBackend:      config.BackendMemory,
	}
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, closeStore, err := OpenStore(context.Background(), &config.Config{StoreBackend: config.BackendMemory})
		if err != nil {
			t.Fatalf("OpenStore: %v", err)
		}
		defer closeStore()
		if _, ok := store.(*memory.Store); !ok {
			t.Errorf("store = %T, want *memory.Store", store)
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, _, err := OpenStore(context.Background(), &config.Config{StoreBackend: "sqlite"})
		if err == nil || !strings.Contains(err.Error(), "sqlite") {
			t.Errorf("err = %v, want unknown backend error", err)
		}
	})

	t.Run("postgres without url", func(t *testing.T) {
		_, _, err := OpenStore(context.Background(), &config.Config{StoreBackend: config.BackendPostgres})
		if err == nil {
			t.Error("expected an error without DATABASE_URL")
		}
	})
}

func TestOpenVault(t *testing.T) {
	if _, err := OpenVault(&config.Config{}); err == nil || !strings.Contains(err.Error(), "genkey") {
		t.Errorf("empty key: err = %v, want hint to run genkey", err)
	}
	if _, err := OpenVault(&config.Config{VaultKey: "a2V5"}); err == nil {
		t.Error("short key: expected an error")
	}
	if _, err := OpenVault(testConfig(t)); err != nil {
		t.Errorf("valid key: %v", err)
	}
}

func TestNeedsStorage(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		dryRun bool
		want   bool
	}{
		{"nothing remote", config.Config{}, false, false},
		{"archive bucket", config.Config{ArchiveBucket: "statements"}, false, true},
		{"archive bucket on dry run", config.Config{ArchiveBucket: "statements"}, true, false},
		{"taxonomy in gcs", config.Config{TaxonomySource: "gs://cfg/modes.yaml"}, true, true},
		{"local taxonomy", config.Config{TaxonomySource: "./modes.yaml"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsStorage(&tt.cfg, tt.dryRun); got != tt.want {
				t.Errorf("needsStorage = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_RunsAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	var gotCred domain.Credential
	fetcher := &MockFetcher{FetchFunc: func(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error) {
		gotCred = cred
		return nil, &portal.FetchError{Kind: portal.AuthFailed, Op: "login", Err: errors.New("bad password")}
	}}

	a, err := New(ctx, cfg, Options{Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	card := &domain.Card{UserID: "u1", Serial: "1201234567"}
	if err := a.Cards.Link(ctx, card, &domain.Credential{Username: "rider@example.com", Password: "s3cret"}); err != nil {
		t.Fatalf("Link: %v", err)
	}

	r, err := domain.ParseDateRange("2024-02-01", "2024-02-29")
	if err != nil {
		t.Fatalf("ParseDateRange: %v", err)
	}
	result, err := a.Orchestrator.RunIngestion(ctx, nil, r)
	if err != nil {
		t.Fatalf("RunIngestion: %v", err)
	}

	if gotCred.Username != "rider@example.com" {
		t.Errorf("fetcher got username %q, want the linked one", gotCred.Username)
	}
	o, ok := result.Outcome(card.CardID)
	if !ok {
		t.Fatalf("no outcome for card %s", card.CardID)
	}
	if o.State != pipeline.StageFailed || o.Kind != pipeline.KindAuthFailed {
		t.Errorf("outcome = %s/%s, want failed/auth_failed", o.State, o.Kind)
	}
}

func TestNew_RequiresVaultKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.VaultKey = ""
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected an error without a vault key")
	}
}

func TestNew_MissingTaxonomy(t *testing.T) {
	cfg := testConfig(t)
	cfg.TaxonomySource = t.TempDir() + "/missing.yaml"
	if _, err := New(context.Background(), cfg, Options{Store: memory.NewStore()}); err == nil {
		t.Fatal("expected an error for a missing taxonomy file")
	}
}
