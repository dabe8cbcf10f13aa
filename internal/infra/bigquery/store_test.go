package bigquery

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/migrations"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
)

func TestEmbeddedMigrations(t *testing.T) {
	ms, err := migrations.Read(Migrations(), Vars("proj", "transit"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(ms) == 0 || ms[0].Version != 1 {
		t.Fatalf("migrations = %+v", ms)
	}
	if strings.Contains(ms[0].SQL, "{{") {
		t.Errorf("unreplaced placeholder in %s", ms[0].SQL)
	}
	for _, table := range []string{"cards", "card_credentials", "transactions"} {
		if !strings.Contains(ms[0].SQL, "`proj.transit."+table+"`") {
			t.Errorf("schema is missing table %s", table)
		}
	}
	if len(ms) < 2 || !strings.Contains(ms[1].SQL, "VIEW `proj.transit.transactions_unique`") {
		t.Fatal("missing transactions_unique view migration")
	}
	if !strings.Contains(ms[1].SQL, "PARTITION BY user_id, fingerprint") {
		t.Error("view must keep one row per (user_id, fingerprint)")
	}
}

func TestMergeTransactionsSQL(t *testing.T) {
	sql := fmt.Sprintf(mergeTransactionsSQL, tableRef("p", "d", transactionsTable))
	for _, want := range []string{
		"UNNEST(@rows)",
		"PARTITION BY user_id, fingerprint ORDER BY line",
		"ON T.user_id = S.user_id AND T.fingerprint = S.fingerprint",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("batch merge is missing %q", want)
		}
	}
	if strings.Contains(sql, "WHEN MATCHED") {
		t.Error("transactions are insert-only")
	}
}

func TestTransactionRows(t *testing.T) {
	tx := &domain.Transaction{
		UserID:         "u1",
		CardID:         "c1",
		Timestamp:      time.Date(2024, 3, 15, 8, 3, 0, 0, time.FixedZone("PDT", -7*3600)),
		Mode:           domain.ModeMuniBus,
		Amount:         decimal.RequireFromString("-2.75"),
		BalanceAfter:   decimal.NewNullDecimal(decimal.RequireFromString("17.5")),
		RawDescription: "SFM bus",
		Fingerprint:    "abc",
		Line:           7,
	}

	rows := transactionRows([]*domain.Transaction{tx, tx})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].TransactionID == "" || rows[0].TransactionID == rows[1].TransactionID {
		t.Error("every row needs its own transaction id")
	}

	got := rows[0]
	if got.Timestamp.Location() != time.UTC || !got.Timestamp.Equal(tx.Timestamp) {
		t.Errorf("ts = %v, want %v in UTC", got.Timestamp, tx.Timestamp)
	}
	if got.Amount.Cmp(big.NewRat(-11, 4)) != 0 {
		t.Errorf("amount = %v", got.Amount)
	}
	want := bigquery.NullString{StringVal: "17.50", Valid: true}
	if diff := cmp.Diff(want, got.BalanceAfter); diff != "" {
		t.Errorf("balance_after mismatch (-want +got):\n%s", diff)
	}
	if got.Line != 7 || got.Mode != "muni_bus" || got.Fingerprint != "abc" {
		t.Errorf("row = %+v", got)
	}
}

func TestChunkTransactions(t *testing.T) {
	batch := func(n int) []*domain.Transaction {
		out := make([]*domain.Transaction, n)
		for i := range out {
			out[i] = &domain.Transaction{Line: i + 1}
		}
		return out
	}

	tests := []struct {
		name string
		n    int
		want []int
	}{
		{"empty", 0, nil},
		{"under", 3, []int{3}},
		{"exact", 4, []int{4}},
		{"over", 9, []int{4, 4, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			for _, c := range chunkTransactions(batch(tt.n), 4) {
				got = append(got, len(c))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("chunk sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeTransactionSQL(t *testing.T) {
	sql := fmt.Sprintf(mergeTransactionSQL, tableRef("p", "d", transactionsTable))
	if !strings.Contains(sql, "ON T.user_id = S.user_id AND T.fingerprint = S.fingerprint") {
		t.Error("merge must match on (user_id, fingerprint)")
	}
	if strings.Contains(sql, "WHEN MATCHED") {
		t.Error("transactions are insert-only")
	}
}

func TestTransactionParams(t *testing.T) {
	tx := &domain.Transaction{
		UserID:         "u1",
		CardID:         "c1",
		Timestamp:      time.Date(2024, 3, 15, 15, 3, 12, 0, time.UTC),
		Mode:           domain.ModeMuniBus,
		Amount:         decimal.RequireFromString("-2.75"),
		RawDescription: "SFM bus",
		Fingerprint:    "abc",
	}

	byName := func(params []bigquery.QueryParameter) map[string]interface{} {
		m := make(map[string]interface{}, len(params))
		for _, p := range params {
			m[p.Name] = p.Value
		}
		return m
	}

	t.Run("blank balance", func(t *testing.T) {
		p := byName(transactionParams("tid", tx))
		if diff := cmp.Diff(bigquery.NullString{}, p["balance_after"]); diff != "" {
			t.Errorf("balance_after mismatch (-want +got):\n%s", diff)
		}
		amount, ok := p["amount"].(*big.Rat)
		if !ok || amount.Cmp(big.NewRat(-11, 4)) != 0 {
			t.Errorf("amount = %v", p["amount"])
		}
		if p["transaction_id"] != "tid" || p["mode"] != "muni_bus" || p["tap"] != "" {
			t.Errorf("params = %v", p)
		}
	})

	t.Run("balance", func(t *testing.T) {
		withBalance := *tx
		withBalance.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("17.5"))
		p := byName(transactionParams("tid", &withBalance))
		want := bigquery.NullString{StringVal: "17.50", Valid: true}
		if diff := cmp.Diff(want, p["balance_after"]); diff != "" {
			t.Errorf("balance_after mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestAffectedRows(t *testing.T) {
	tests := []struct {
		name    string
		status  *bigquery.JobStatus
		want    int64
		wantErr bool
	}{
		{
			name:   "inserted",
			status: &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.QueryStatistics{NumDMLAffectedRows: 1}}},
			want:   1,
		},
		{
			name:   "matched",
			status: &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.QueryStatistics{}}},
			want:   0,
		},
		{
			name:    "no statistics",
			status:  &bigquery.JobStatus{},
			wantErr: true,
		},
		{
			name:    "load job",
			status:  &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.LoadStatistics{}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := affectedRows(tt.status)
			if (err != nil) != tt.wantErr {
				t.Fatalf("affectedRows() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("affectedRows() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 404})) {
		t.Error("404 should be not found")
	}
	if isNotFound(&googleapi.Error{Code: 403}) || isNotFound(errors.New("boom")) {
		t.Error("only 404 is not found")
	}
}
