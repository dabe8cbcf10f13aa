// Package memory is an in-process Store. It enforces the same
// (user_id, fingerprint) uniqueness as the SQL backends and is used for
// tests and dry runs; data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a card does not exist.
var ErrNotFound = domain.ErrCardNotFound

type txKey struct {
	userID      string
	fingerprint string
}

type credential struct {
	userID     string
	ciphertext []byte
	updatedAt  time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	transactions map[txKey]domain.Transaction
	order        []txKey
	credentials  map[string]credential
	cards        map[string]domain.Card
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		transactions: make(map[txKey]domain.Transaction),
		credentials:  make(map[string]credential),
		cards:        make(map[string]domain.Card),
	}
}

// InsertIfAbsent implements pipeline.TransactionStore.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if tx.UserID == "" || tx.Fingerprint == "" {
		return false, fmt.Errorf("InsertIfAbsent: user_id and fingerprint are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := txKey{userID: tx.UserID, fingerprint: tx.Fingerprint}
	if _, exists := s.transactions[key]; exists {
		return false, nil
	}
	s.transactions[key] = *tx
	s.order = append(s.order, key)
	return true, nil
}

// Transactions returns stored transactions for userID in insertion order.
func (s *Store) Transactions(userID string) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, k := range s.order {
		if k.userID == userID {
			out = append(out, s.transactions[k])
		}
	}
	return out
}

// GetCredential implements pipeline.CredentialStore.
func (s *Store) GetCredential(ctx context.Context, cardID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[cardID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), c.ciphertext...), nil
}

// PutCredential creates or replaces the credential of an existing card.
func (s *Store) PutCredential(ctx context.Context, userID, cardID string, ciphertext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[cardID]
	if !ok || card.UserID != userID {
		return fmt.Errorf("PutCredential: card %s: %w", cardID, ErrNotFound)
	}
	s.credentials[cardID] = credential{
		userID:     userID,
		ciphertext: append([]byte(nil), ciphertext...),
		updatedAt:  time.Now().UTC(),
	}
	return nil
}

// CreateCard implements pipeline.CardStore. A missing CardID is generated.
func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	if card.UserID == "" || card.Serial == "" {
		return fmt.Errorf("CreateCard: user_id and serial are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cards {
		if c.UserID == card.UserID && c.Serial == card.Serial {
			return fmt.Errorf("CreateCard: %s: %w", card.Serial, domain.ErrCardExists)
		}
	}
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	s.cards[card.CardID] = *card
	return nil
}

// ListCards implements pipeline.CardStore, ordered by user then creation.
func (s *Store) ListCards(ctx context.Context, userIDs []string) ([]domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		want[u] = true
	}

	result := make([]domain.Card, 0, len(s.cards))
	for _, c := range s.cards {
		if len(want) > 0 && !want[c.UserID] {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CardID < b.CardID
	})
	return result, nil
}

// DeleteCard removes the card and its credential. Stored transactions are
// kept.
func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[cardID]; !ok {
		return fmt.Errorf("DeleteCard: card %s: %w", cardID, ErrNotFound)
	}
	delete(s.cards, cardID)
	delete(s.credentials, cardID)
	return nil
}

// Ensure Store implements pipeline.Store.
var _ pipeline.Store = (*Store)(nil)
