package portal

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure for retry and reporting.
type Kind int

const (
	// TransientNetworkError covers transport failures, 5xx and throttling.
	// These are retried with backoff.
	TransientNetworkError Kind = iota + 1
	// AuthFailed means the portal rejected the credential. Never retried.
	AuthFailed
	// RangeUnavailable means the portal cannot produce a statement for the
	// card and range requested. Never retried.
	RangeUnavailable
)

func (k Kind) String() string {
	switch k {
	case TransientNetworkError:
		return "transient_network"
	case AuthFailed:
		return "auth_failed"
	case RangeUnavailable:
		return "range_unavailable"
	}
	return "unknown"
}

// FetchError is returned by Client.Fetch for every failure.
type FetchError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("portal %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("portal %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == TransientNetworkError
}

// KindOf returns the Kind of a FetchError anywhere in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func newFetchError(kind Kind, op string, format string, args ...interface{}) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
