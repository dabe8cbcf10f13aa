package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

// ObjectWriter is the write half of Client used by the archive.
type ObjectWriter interface {
	PutIfAbsent(ctx context.Context, bucket, object, contentType string, data []byte, metadata map[string]string) (bool, error)
}

// Archiver keeps raw statements content-addressed by SHA-256, so archiving
// the same download twice leaves a single object.
type Archiver struct {
	objects ObjectWriter
	bucket  string
}

// NewArchiver creates an archiver writing to bucket.
func NewArchiver(objects ObjectWriter, bucket string) *Archiver {
	return &Archiver{objects: objects, bucket: bucket}
}

// ObjectName returns statements/<serial>/<sha256>.pdf for a document.
func ObjectName(doc domain.RawDocument) string {
	sum := sha256.Sum256(doc.Data)
	serial := doc.CardSerial
	if serial == "" {
		serial = "unknown"
	}
	return fmt.Sprintf("statements/%s/%s.pdf", serial, hex.EncodeToString(sum[:]))
}

// Archive stores doc and returns its gs:// URI. created is false when an
// identical statement was archived before.
func (a *Archiver) Archive(ctx context.Context, card domain.Card, doc domain.RawDocument) (string, bool, error) {
	object := ObjectName(doc)
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	created, err := a.objects.PutIfAbsent(ctx, a.bucket, object, contentType, doc.Data, map[string]string{
		"user_id": card.UserID,
		"card_id": card.CardID,
	})
	if err != nil {
		return "", false, fmt.Errorf("Archive: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), created, nil
}
