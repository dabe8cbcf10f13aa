// Package cards links transit cards to users and manages their stored
// portal credentials. The CLI and the JSON API both go through Service.
package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
)

// ErrInvalid is returned for requests missing required fields.
var ErrInvalid = errors.New("invalid card request")

// Encrypter seals credentials. *vault.Vault implements it.
type Encrypter interface {
	EncryptCredential(c domain.Credential) ([]byte, error)
}

// Store is the subset of pipeline.Store the service needs.
type Store interface {
	pipeline.CardStore
	pipeline.CredentialStore
}

// Service manages cards and credentials.
type Service struct {
	store Store
	vault Encrypter
}

// NewService creates a card service.
func NewService(store Store, vault Encrypter) *Service {
	return &Service{store: store, vault: vault}
}

// Link creates card and, when cred is non-nil, stores its credential. A
// credential that cannot be stored removes the card again.
func (s *Service) Link(ctx context.Context, card *domain.Card, cred *domain.Credential) error {
	card.UserID = strings.TrimSpace(card.UserID)
	card.Serial = strings.TrimSpace(card.Serial)
	if card.UserID == "" || card.Serial == "" {
		return fmt.Errorf("Link: user and serial are required: %w", ErrInvalid)
	}
	if cred != nil {
		if err := validate(*cred); err != nil {
			return fmt.Errorf("Link: %w", err)
		}
	}

	if err := s.store.CreateCard(ctx, card); err != nil {
		return fmt.Errorf("Link: %w", err)
	}
	log := logger.FromContext(ctx).With().Str("user_id", card.UserID).Str("card_id", card.CardID).Logger()

	if cred == nil {
		log.Info().Msg("Card linked without credential")
		return nil
	}
	if err := s.putCredential(ctx, card.UserID, card.CardID, *cred); err != nil {
		if delErr := s.store.DeleteCard(ctx, card.CardID); delErr != nil {
			log.Error().Err(delErr).Msg("Failed to roll back card after credential error")
		}
		return fmt.Errorf("Link: %w", err)
	}
	log.Info().Msg("Card linked")
	return nil
}

// Rotate replaces the credential of a card owned by userID.
func (s *Service) Rotate(ctx context.Context, userID, cardID string, cred domain.Credential) error {
	if userID == "" || cardID == "" {
		return fmt.Errorf("Rotate: user and card are required: %w", ErrInvalid)
	}
	if err := validate(cred); err != nil {
		return fmt.Errorf("Rotate: %w", err)
	}
	if err := s.putCredential(ctx, userID, cardID, cred); err != nil {
		return fmt.Errorf("Rotate: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("user_id", userID).Str("card_id", cardID).Msg("Credential rotated")
	return nil
}

// Remove unlinks a card. Its credential goes with it; its transactions stay.
func (s *Service) Remove(ctx context.Context, cardID string) error {
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return fmt.Errorf("Remove: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("card_id", cardID).Msg("Card removed")
	return nil
}

// List returns the cards of userID, or of every user when userID is empty.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Card, error) {
	var userIDs []string
	if userID != "" {
		userIDs = []string{userID}
	}
	cards, err := s.store.ListCards(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return cards, nil
}

func (s *Service) putCredential(ctx context.Context, userID, cardID string, cred domain.Credential) error {
	ciphertext, err := s.vault.EncryptCredential(cred)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}
	return s.store.PutCredential(ctx, userID, cardID, ciphertext)
}

func validate(c domain.Credential) error {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return fmt.Errorf("username and password are required: %w", ErrInvalid)
	}
	return nil
}
