package taxonomy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

func TestDefaultTable_Resolve(t *testing.T) {
	table := Default()

	tests := []struct {
		name string
		row  domain.RawRow
		mode domain.Mode
		tap  domain.Tap
	}{
		{
			name: "caltrain entry has no route",
			row:  domain.RawRow{TransactionType: "Dual-tag entry transaction, maximum fare deducted (purse debit)", Location: "Palo Alto"},
			mode: domain.ModeCaltrain, tap: domain.TapEntry,
		},
		{
			name: "caltrain exit",
			row:  domain.RawRow{TransactionType: "Dual-tag exit transaction, fare adjustment (purse rebate)", Location: "San Francisco"},
			mode: domain.ModeCaltrain, tap: domain.TapExit,
		},
		{
			name: "ferry by route",
			row:  domain.RawRow{TransactionType: "Dual-tag entry transaction, maximum fare deducted (purse debit)", Location: "Larkspur", Route: "FERRY"},
			mode: domain.ModeFerry, tap: domain.TapEntry,
		},
		{
			name: "ferry by terminal suffix",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "Sausalito (GGF)", Route: "SAUS"},
			mode: domain.ModeFerry, tap: domain.TapEntry,
		},
		{
			name: "bart entry",
			row:  domain.RawRow{TransactionType: "Dual-tag entry transaction, no fare deduction", Location: "Embarcadero (BART)"},
			mode: domain.ModeBART, tap: domain.TapEntry,
		},
		{
			name: "bart exit",
			row:  domain.RawRow{TransactionType: "Dual-tag exit transaction, fare payment", Location: "Rockridge (BART)"},
			mode: domain.ModeBART, tap: domain.TapExit,
		},
		{
			name: "cable car",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "SFM cable car", Route: "CC60"},
			mode: domain.ModeCableCar,
		},
		{
			name: "muni bus",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "SFM bus", Route: "14"},
			mode: domain.ModeMuniBus,
		},
		{
			name: "muni metro",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "Church (Muni)", Route: "NONE"},
			mode: domain.ModeMuniMetro,
		},
		{
			name: "ac transit",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "ACT bus", Route: "51B"},
			mode: domain.ModeACTransit,
		},
		{
			name: "samtrans",
			row:  domain.RawRow{TransactionType: "Single-tag fare payment", Location: "SAM bus", Route: "ECR"},
			mode: domain.ModeSamTrans,
		},
		{
			name: "reload",
			row:  domain.RawRow{TransactionType: "Threshold auto-load at a TransLink Device", Location: "Civic Center (BART)"},
			mode: domain.ModeReload,
		},
		{
			name: "unseen label is unknown",
			row:  domain.RawRow{TransactionType: "Scooter unlock", Location: "Somewhere"},
			mode: domain.ModeUnknown,
		},
		{
			name: "empty row is unknown",
			row:  domain.RawRow{},
			mode: domain.ModeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Resolve(tt.row)
			if got.Mode != tt.mode || got.Tap != tt.tap {
				t.Errorf("Resolve() = %s/%q, want %s/%q", got.Mode, got.Tap, tt.mode, tt.tap)
			}
			if got.Matched == (tt.mode == domain.ModeUnknown) {
				t.Errorf("Matched = %v for mode %s", got.Matched, got.Mode)
			}
		})
	}
}

func TestParse_PrecedenceOrdersRules(t *testing.T) {
	table, err := Parse([]byte(`
version: 1
rules:
  - mode: muni_bus
    precedence: 10
    when:
      - field: location
        equals: SFM bus
  - mode: cable_car
    precedence: 20
    when:
      - field: route
        equals: CC60
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := table.Resolve(domain.RawRow{Location: "SFM bus", Route: "CC60"})
	if got.Mode != domain.ModeCableCar {
		t.Errorf("higher precedence rule should win, got %s", got.Mode)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"mode outside taxonomy": "version: 1\nrules:\n  - mode: hovercraft\n    when:\n      - field: route\n        equals: X\n",
		"explicit unknown":      "version: 1\nrules:\n  - mode: unknown\n    when:\n      - field: route\n        equals: X\n",
		"bad field":             "version: 1\nrules:\n  - mode: bart\n    when:\n      - field: colour\n        equals: X\n",
		"bad regex":             "version: 1\nrules:\n  - mode: bart\n    when:\n      - field: route\n        regex: \"(\"\n",
		"no conditions":         "version: 1\nrules:\n  - mode: bart\n",
		"missing version":       "rules: []\n",
		"unknown key":           "version: 1\nrulez: []\n",
		"bad tap":               "version: 1\nrules:\n  - mode: bart\n    tap: sideways\n    when:\n      - field: route\n        equals: X\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

type fakeFetcher struct {
	data []byte
	err  error
	uri  string
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.uri = uri
	return f.data, f.err
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("empty source uses default", func(t *testing.T) {
		table, err := Load(ctx, "", nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if table.Version != Default().Version {
			t.Errorf("Version = %d", table.Version)
		}
	})

	t.Run("local file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "modes.yaml")
		doc := "version: 7\nrules:\n  - mode: ferry\n    when:\n      - field: route\n        equals: FERRY\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		table, err := Load(ctx, path, nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if table.Version != 7 {
			t.Errorf("Version = %d, want 7", table.Version)
		}
	})

	t.Run("gcs uri", func(t *testing.T) {
		f := &fakeFetcher{data: defaultTable}
		if _, err := Load(ctx, "gs://bucket/modes.yaml", f); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if f.uri != "gs://bucket/modes.yaml" {
			t.Errorf("fetched %q", f.uri)
		}
	})

	t.Run("gcs error", func(t *testing.T) {
		f := &fakeFetcher{err: errors.New("permission denied")}
		if _, err := Load(ctx, "gs://bucket/modes.yaml", f); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("gcs without client", func(t *testing.T) {
		if _, err := Load(ctx, "gs://bucket/modes.yaml", nil); err == nil {
			t.Fatal("expected error")
		}
	})
}
