package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
)

// WriteResult counts the outcome of a batch.
type WriteResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Writer inserts transactions, relying on the store's uniqueness constraint
// for deduplication. It never checks for existence first.
type Writer struct {
	store TransactionStore
}

// NewWriter creates a writer over store.
func NewWriter(store TransactionStore) *Writer {
	return &Writer{store: store}
}

// WriteBatch inserts txs in order. On a store error it returns the counts so
// far; rows already inserted stay inserted and a rerun skips them. Stores
// implementing BatchTransactionStore receive the whole batch at once.
func (w *Writer) WriteBatch(ctx context.Context, txs []*domain.Transaction) (WriteResult, error) {
	log := logger.FromContext(ctx)
	var res WriteResult
	if len(txs) == 0 {
		return res, nil
	}

	if bs, ok := w.store.(BatchTransactionStore); ok {
		n, err := bs.InsertBatch(ctx, txs)
		res.Inserted = n
		if err != nil {
			log.Error().Err(err).Int("rows", len(txs)).Int("inserted", n).Msg("Failed to insert transactions")
			return res, fmt.Errorf("WriteBatch: %w", &StorageError{Op: "insert transactions", Err: err})
		}
		res.Skipped = len(txs) - n
		log.Debug().Int("inserted", res.Inserted).Int("skipped", res.Skipped).Msg("Batch written")
		return res, nil
	}

	for _, tx := range txs {
		inserted, err := w.store.InsertIfAbsent(ctx, tx)
		if err != nil {
			log.Error().Err(err).Str("fingerprint", tx.Fingerprint).Int("line", tx.Line).Msg("Failed to insert transaction")
			return res, fmt.Errorf("WriteBatch: line %d: %w", tx.Line, &StorageError{Op: "insert transaction", Err: err})
		}
		if inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	log.Debug().Int("inserted", res.Inserted).Int("skipped", res.Skipped).Msg("Batch written")
	return res, nil
}
