package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/google/uuid"
)

// maxBatchRows bounds the @rows parameter of one MERGE.
const maxBatchRows = 500

// mergeTransactionSQL inserts only when (user_id, fingerprint) is absent.
const mergeTransactionSQL = `
	MERGE %s T
	USING (SELECT @user_id AS user_id, @fingerprint AS fingerprint) S
	ON T.user_id = S.user_id AND T.fingerprint = S.fingerprint
	WHEN NOT MATCHED THEN
	  INSERT (
		transaction_id, user_id, card_id, ts, mode, tap,
		amount, balance_after, raw_description, fingerprint, created_ts
	  )
	  VALUES (
		@transaction_id, @user_id, @card_id, @ts, @mode, @tap,
		@amount, CAST(@balance_after AS NUMERIC), @raw_description, @fingerprint,
		CURRENT_TIMESTAMP()
	  )
`

// mergeTransactionsSQL inserts the rows of @rows whose (user_id, fingerprint)
// is absent. Repeats within @rows keep the first line.
const mergeTransactionsSQL = `
	MERGE %s T
	USING (
	  SELECT * FROM UNNEST(@rows)
	  WHERE TRUE
	  QUALIFY ROW_NUMBER() OVER (PARTITION BY user_id, fingerprint ORDER BY line) = 1
	) S
	ON T.user_id = S.user_id AND T.fingerprint = S.fingerprint
	WHEN NOT MATCHED THEN
	  INSERT (
		transaction_id, user_id, card_id, ts, mode, tap,
		amount, balance_after, raw_description, fingerprint, created_ts
	  )
	  VALUES (
		S.transaction_id, S.user_id, S.card_id, S.ts, S.mode, S.tap,
		S.amount, CAST(S.balance_after AS NUMERIC), S.raw_description, S.fingerprint,
		CURRENT_TIMESTAMP()
	  )
`

// transactionRow is one element of the @rows array parameter.
type transactionRow struct {
	TransactionID  string              `bigquery:"transaction_id"`
	UserID         string              `bigquery:"user_id"`
	CardID         string              `bigquery:"card_id"`
	Timestamp      time.Time           `bigquery:"ts"`
	Mode           string              `bigquery:"mode"`
	Tap            string              `bigquery:"tap"`
	Amount         *big.Rat            `bigquery:"amount"`
	BalanceAfter   bigquery.NullString `bigquery:"balance_after"`
	RawDescription string              `bigquery:"raw_description"`
	Fingerprint    string              `bigquery:"fingerprint"`
	Line           int64               `bigquery:"line"`
}

// InsertIfAbsent merges tx into the transactions table and reports whether
// a row was inserted.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := exec(ctx, s.client, fmt.Sprintf(mergeTransactionSQL, s.table(transactionsTable)), transactionParams(uuid.NewString(), tx))
	if err != nil {
		return false, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	return n == 1, nil
}

// InsertBatch merges txs in chunks of maxBatchRows, one DML job per chunk,
// and returns the number of rows inserted.
func (s *Store) InsertBatch(ctx context.Context, txs []*domain.Transaction) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sql := fmt.Sprintf(mergeTransactionsSQL, s.table(transactionsTable))
	inserted := 0
	for _, chunk := range chunkTransactions(txs, maxBatchRows) {
		n, err := exec(ctx, s.client, sql, []bigquery.QueryParameter{{Name: "rows", Value: transactionRows(chunk)}})
		if err != nil {
			return inserted, fmt.Errorf("InsertBatch: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func chunkTransactions(txs []*domain.Transaction, size int) [][]*domain.Transaction {
	var out [][]*domain.Transaction
	for len(txs) > size {
		out = append(out, txs[:size])
		txs = txs[size:]
	}
	if len(txs) > 0 {
		out = append(out, txs)
	}
	return out
}

func transactionRows(txs []*domain.Transaction) []transactionRow {
	rows := make([]transactionRow, len(txs))
	for i, tx := range txs {
		rows[i] = transactionRow{
			TransactionID:  uuid.NewString(),
			UserID:         tx.UserID,
			CardID:         tx.CardID,
			Timestamp:      tx.Timestamp.UTC(),
			Mode:           string(tx.Mode),
			Tap:            string(tx.Tap),
			Amount:         tx.Amount.Round(2).Rat(),
			BalanceAfter:   nullBalance(tx),
			RawDescription: tx.RawDescription,
			Fingerprint:    tx.Fingerprint,
			Line:           int64(tx.Line),
		}
	}
	return rows
}

// nullBalance sends the balance as a nullable string so a blank balance
// still carries a type.
func nullBalance(tx *domain.Transaction) bigquery.NullString {
	if !tx.BalanceAfter.Valid {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: tx.BalanceAfter.Decimal.StringFixed(2), Valid: true}
}

func transactionParams(transactionID string, tx *domain.Transaction) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "transaction_id", Value: transactionID},
		{Name: "user_id", Value: tx.UserID},
		{Name: "card_id", Value: tx.CardID},
		{Name: "ts", Value: tx.Timestamp.UTC()},
		{Name: "mode", Value: string(tx.Mode)},
		{Name: "tap", Value: string(tx.Tap)},
		{Name: "amount", Value: tx.Amount.Round(2).Rat()},
		{Name: "balance_after", Value: nullBalance(tx)},
		{Name: "raw_description", Value: tx.RawDescription},
		{Name: "fingerprint", Value: tx.Fingerprint},
	}
}
