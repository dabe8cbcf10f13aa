package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

type cardRow struct {
	CardID    string              `bigquery:"card_id"`
	UserID    string              `bigquery:"user_id"`
	Serial    string              `bigquery:"serial"`
	Nickname  bigquery.NullString `bigquery:"nickname"`
	CreatedTS time.Time           `bigquery:"created_ts"`
}

func (r cardRow) card() domain.Card {
	return domain.Card{
		CardID:    r.CardID,
		UserID:    r.UserID,
		Serial:    r.Serial,
		Nickname:  r.Nickname.StringVal,
		CreatedAt: r.CreatedTS,
	}
}

// GetCredential returns (nil, nil) when the card has no credential.
func (s *Store) GetCredential(ctx context.Context, cardID string) ([]byte, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT ciphertext
		FROM %s
		WHERE card_id = @card_id
		LIMIT 1
	`, s.table(credentialsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "card_id", Value: cardID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetCredential: reading query: %w", err)
	}

	var row struct {
		Ciphertext []byte `bigquery:"ciphertext"`
	}
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetCredential: iterating: %w", err)
	}
	return row.Ciphertext, nil
}

// PutCredential creates or rotates the credential of a card owned by userID.
// The source of the MERGE is the owning card, so a foreign or missing card
// touches nothing.
func (s *Store) PutCredential(ctx context.Context, userID, cardID string, ciphertext []byte) error {
	sql := fmt.Sprintf(`
		MERGE %s T
		USING (
			SELECT card_id, user_id FROM %s
			WHERE card_id = @card_id AND user_id = @user_id
		) S
		ON T.card_id = S.card_id
		WHEN MATCHED THEN
		  UPDATE SET ciphertext = @ciphertext, updated_ts = CURRENT_TIMESTAMP()
		WHEN NOT MATCHED THEN
		  INSERT (card_id, user_id, ciphertext, updated_ts)
		  VALUES (S.card_id, S.user_id, @ciphertext, CURRENT_TIMESTAMP())
	`, s.table(credentialsTable), s.table(cardsTable))

	n, err := exec(ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "card_id", Value: cardID},
		{Name: "user_id", Value: userID},
		{Name: "ciphertext", Value: ciphertext},
	})
	if err != nil {
		return fmt.Errorf("PutCredential: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("PutCredential: card %s: %w", cardID, ErrNotFound)
	}
	return nil
}

// CreateCard inserts card unless the user already linked its serial.
func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}

	sql := fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @user_id AS user_id, @serial AS serial) S
		ON T.user_id = S.user_id AND T.serial = S.serial
		WHEN NOT MATCHED THEN
		  INSERT (card_id, user_id, serial, nickname, created_ts)
		  VALUES (@card_id, @user_id, @serial, @nickname, @created_ts)
	`, s.table(cardsTable))

	n, err := exec(ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "card_id", Value: card.CardID},
		{Name: "user_id", Value: card.UserID},
		{Name: "serial", Value: card.Serial},
		{Name: "nickname", Value: card.Nickname},
		{Name: "created_ts", Value: card.CreatedAt},
	})
	if err != nil {
		return fmt.Errorf("CreateCard: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("CreateCard: %s: %w", card.Serial, ErrCardExists)
	}
	return nil
}

// ListCards returns cards for userIDs, or every card when userIDs is empty.
func (s *Store) ListCards(ctx context.Context, userIDs []string) ([]domain.Card, error) {
	query := fmt.Sprintf(`
		SELECT card_id, user_id, serial, nickname, created_ts
		FROM %s
	`, s.table(cardsTable))
	var params []bigquery.QueryParameter
	if len(userIDs) > 0 {
		query += ` WHERE user_id IN UNNEST(@user_ids)`
		params = append(params, bigquery.QueryParameter{Name: "user_ids", Value: userIDs})
	}
	query += ` ORDER BY user_id, created_ts, card_id`

	q := s.client.Query(query)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListCards: reading query: %w", err)
	}

	var cards []domain.Card
	for {
		var row cardRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListCards: iterating: %w", err)
		}
		cards = append(cards, row.card())
	}
	return cards, nil
}

// DeleteCard removes the card and its credential. Transactions stay.
func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	params := []bigquery.QueryParameter{{Name: "card_id", Value: cardID}}

	// Credential first so a failure never leaves a credential without a card.
	if _, err := exec(ctx, s.client, fmt.Sprintf(`DELETE FROM %s WHERE card_id = @card_id`, s.table(credentialsTable)), params); err != nil {
		return fmt.Errorf("DeleteCard: deleting credential: %w", err)
	}
	n, err := exec(ctx, s.client, fmt.Sprintf(`DELETE FROM %s WHERE card_id = @card_id`, s.table(cardsTable)), params)
	if err != nil {
		return fmt.Errorf("DeleteCard: deleting card: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("DeleteCard: card %s: %w", cardID, ErrNotFound)
	}
	return nil
}
