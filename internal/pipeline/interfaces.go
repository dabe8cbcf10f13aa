package pipeline

import (
	"context"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

// TransactionStore persists transactions under a (user_id, fingerprint)
// uniqueness constraint.
type TransactionStore interface {
	// InsertIfAbsent reports false, with no error, when the fingerprint is
	// already stored for the user.
	InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error)
}

// BatchTransactionStore is implemented by stores that insert many rows in one
// statement. InsertBatch returns how many rows were new; rows already stored,
// or repeated within txs, are skipped. On error it returns the rows inserted
// before the failure.
type BatchTransactionStore interface {
	InsertBatch(ctx context.Context, txs []*domain.Transaction) (int, error)
}

// CredentialStore holds encrypted portal credentials.
type CredentialStore interface {
	// GetCredential returns (nil, nil) when the card has no credential.
	GetCredential(ctx context.Context, cardID string) ([]byte, error)
	PutCredential(ctx context.Context, userID, cardID string, ciphertext []byte) error
}

// CardStore lists and manages linked cards.
type CardStore interface {
	// ListCards returns every card when userIDs is empty.
	ListCards(ctx context.Context, userIDs []string) ([]domain.Card, error)
	CreateCard(ctx context.Context, card *domain.Card) error
	// DeleteCard removes the card and its credential.
	DeleteCard(ctx context.Context, cardID string) error
}

// Store is the storage collaborator the orchestrator runs against.
type Store interface {
	TransactionStore
	CredentialStore
	CardStore
}

// Fetcher downloads statements for one card. The credential is only valid for
// the duration of the call.
type Fetcher interface {
	Fetch(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error)
}

// Extractor parses statement bytes.
type Extractor interface {
	Extract(data []byte) (*domain.Statement, error)
}

// Decrypter opens stored credentials.
type Decrypter interface {
	DecryptCredential(ciphertext []byte) (domain.Credential, error)
}

// Archiver keeps raw statements. Implementations must be idempotent.
type Archiver interface {
	Archive(ctx context.Context, card domain.Card, doc domain.RawDocument) (uri string, created bool, err error)
}
