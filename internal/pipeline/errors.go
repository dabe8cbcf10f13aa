package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/portal"
	"github.com/dvloznov/transit-tracker/internal/statement"
	"github.com/dvloznov/transit-tracker/internal/vault"
)

// ErrorKind is the stable, loggable classification of a failure.
type ErrorKind string

const (
	KindAuthFailed         ErrorKind = "auth_failed"
	KindTransientNetwork   ErrorKind = "transient_network"
	KindRangeUnavailable   ErrorKind = "range_unavailable"
	KindUnrecognizedLayout ErrorKind = "unrecognized_layout"
	KindCorruptDocument    ErrorKind = "corrupt_document"
	KindUnparseableAmount  ErrorKind = "unparseable_amount"
	KindUnparseableDate    ErrorKind = "unparseable_date"
	KindDecryptionFailed   ErrorKind = "decryption_failed"
	KindMissingCredential  ErrorKind = "missing_credential"
	KindCardMismatch       ErrorKind = "card_mismatch"
	KindStorage            ErrorKind = "storage"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

var (
	// ErrVaultMisconfigured means no card in the run could decrypt its
	// credential, which points at the key rather than at any one card.
	ErrVaultMisconfigured = errors.New("vault misconfigured: no credential could be decrypted")

	ErrMissingCredential = errors.New("no credential stored for card")
	ErrCardMismatch      = errors.New("statement belongs to a different card")
)

// NormalizationError rejects a single row. It never aborts the card.
type NormalizationError struct {
	Kind  ErrorKind // KindUnparseableAmount or KindUnparseableDate
	Line  int
	Field string
	Value string
	Err   error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("line %d: %s: %s %q", e.Line, e.Kind, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// StorageError wraps any failure returned by a Store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Classify maps an error from any pipeline stage to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	// Run cancellation wins over the kind of the operation it interrupted.
	// DeadlineExceeded is not checked here: HTTP client timeouts match it
	// and stay transient.
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var ne *NormalizationError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	switch portal.KindOf(err) {
	case portal.AuthFailed:
		return KindAuthFailed
	case portal.RangeUnavailable:
		return KindRangeUnavailable
	case portal.TransientNetworkError:
		return KindTransientNetwork
	}
	switch statement.KindOf(err) {
	case statement.CorruptDocument:
		return KindCorruptDocument
	case statement.UnrecognizedLayout:
		return KindUnrecognizedLayout
	}

	var se *StorageError
	switch {
	case errors.Is(err, vault.ErrDecryption):
		return KindDecryptionFailed
	case errors.Is(err, ErrMissingCredential):
		return KindMissingCredential
	case errors.Is(err, ErrCardMismatch):
		return KindCardMismatch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &se):
		return KindStorage
	}
	return KindInternal
}
