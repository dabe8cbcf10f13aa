package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/portal"
	"github.com/dvloznov/transit-tracker/internal/vault"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"auth", &portal.FetchError{Kind: portal.AuthFailed, Op: "login", Err: errors.New("bad password")}, KindAuthFailed},
		{"transient", &portal.FetchError{Kind: portal.TransientNetworkError, Op: "statement", Err: errors.New("503")}, KindTransientNetwork},
		{
			name: "canceled during backoff",
			err:  fmt.Errorf("FetchStep: %w", &portal.FetchError{Kind: portal.TransientNetworkError, Op: "backoff", Err: context.Canceled}),
			want: KindCanceled,
		},
		{
			name: "client timeout stays transient",
			err:  &portal.FetchError{Kind: portal.TransientNetworkError, Op: "statement", Err: context.DeadlineExceeded},
			want: KindTransientNetwork,
		},
		{"run deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), KindCanceled},
		{"decryption", fmt.Errorf("CredentialStep: %w", vault.ErrDecryption), KindDecryptionFailed},
		{"storage", &StorageError{Op: "insert transaction", Err: errors.New("connection reset")}, KindStorage},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
