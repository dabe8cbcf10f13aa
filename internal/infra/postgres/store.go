package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Aliases of the domain sentinels, so callers can match either.
var (
	ErrNotFound   = domain.ErrCardNotFound
	ErrCardExists = domain.ErrCardExists
)

const uniqueViolation = "23505"

const insertTransactionSQL = `
	INSERT INTO transactions (
		transaction_id, user_id, card_id, ts, mode, tap,
		amount, balance_after, raw_description, fingerprint
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (user_id, fingerprint) DO NOTHING
`

// Store implements pipeline.Store.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a store over an open pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// InsertIfAbsent inserts tx unless (user_id, fingerprint) exists. The
// constraint decides; there is no read before the write.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	var balance *string
	if tx.BalanceAfter.Valid {
		b := tx.BalanceAfter.Decimal.StringFixed(2)
		balance = &b
	}

	tag, err := s.db.Exec(ctx, insertTransactionSQL,
		uuid.NewString(),
		tx.UserID,
		tx.CardID,
		tx.Timestamp.UTC(),
		string(tx.Mode),
		string(tx.Tap),
		tx.Amount.StringFixed(2),
		balance,
		tx.RawDescription,
		tx.Fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetCredential returns (nil, nil) when the card has no credential.
func (s *Store) GetCredential(ctx context.Context, cardID string) ([]byte, error) {
	if _, err := uuid.Parse(cardID); err != nil {
		return nil, nil
	}

	var ciphertext []byte
	err := s.db.QueryRow(ctx, `SELECT ciphertext FROM card_credentials WHERE card_id = $1`, cardID).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetCredential: %w", err)
	}
	return ciphertext, nil
}

// PutCredential creates or rotates the credential of a card owned by userID.
func (s *Store) PutCredential(ctx context.Context, userID, cardID string, ciphertext []byte) error {
	if _, err := uuid.Parse(cardID); err != nil {
		return fmt.Errorf("PutCredential: card %s: %w", cardID, ErrNotFound)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO card_credentials (card_id, user_id, ciphertext)
		SELECT card_id, user_id, $3 FROM cards WHERE card_id = $1 AND user_id = $2
		ON CONFLICT (card_id) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, updated_at = now()
	`, cardID, userID, ciphertext)
	if err != nil {
		return fmt.Errorf("PutCredential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("PutCredential: card %s: %w", cardID, ErrNotFound)
	}
	return nil
}

// CreateCard inserts card, assigning an id and creation time when missing.
func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO cards (card_id, user_id, serial, nickname)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, card.CardID, card.UserID, card.Serial, card.Nickname).Scan(&card.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("CreateCard: %s: %w", card.Serial, ErrCardExists)
		}
		return fmt.Errorf("CreateCard: %w", err)
	}
	return nil
}

// ListCards returns cards for userIDs, or every card when userIDs is empty.
func (s *Store) ListCards(ctx context.Context, userIDs []string) ([]domain.Card, error) {
	query := `SELECT card_id::text, user_id, serial, nickname, created_at FROM cards`
	var args []any
	if len(userIDs) > 0 {
		query += ` WHERE user_id = ANY($1)`
		args = append(args, userIDs)
	}
	query += ` ORDER BY user_id, created_at, card_id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListCards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.CardID, &c.UserID, &c.Serial, &c.Nickname, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListCards: scan: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCards: %w", err)
	}
	return cards, nil
}

// DeleteCard removes the card; its credential goes with it (ON DELETE CASCADE).
func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	if _, err := uuid.Parse(cardID); err != nil {
		return fmt.Errorf("DeleteCard: card %s: %w", cardID, ErrNotFound)
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM cards WHERE card_id = $1`, cardID)
	if err != nil {
		return fmt.Errorf("DeleteCard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeleteCard: card %s: %w", cardID, ErrNotFound)
	}
	return nil
}

// Ensure Store implements pipeline.Store.
var _ pipeline.Store = (*Store)(nil)
