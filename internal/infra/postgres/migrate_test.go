package postgres

import (
	"strings"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/migrations"
)

func TestEmbeddedMigrations(t *testing.T) {
	ms, err := migrations.Read(Migrations(), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(ms) == 0 || ms[0].Version != 1 {
		t.Fatalf("migrations = %+v", ms)
	}

	schema := ms[0].SQL
	for _, want := range []string{
		"UNIQUE (user_id, fingerprint)",
		"REFERENCES cards (card_id) ON DELETE CASCADE",
	} {
		if !strings.Contains(schema, want) {
			t.Errorf("schema is missing %q", want)
		}
	}
}

func TestInsertTargetsUniqueConstraint(t *testing.T) {
	if !strings.Contains(insertTransactionSQL, "ON CONFLICT (user_id, fingerprint) DO NOTHING") {
		t.Error("insert must defer deduplication to the unique constraint")
	}
}
