// Package syncerr defines the structured error taxonomy shared by the
// store, the API client, and the sync orchestrator. Every failure is
// tagged with a Kind at the point where it occurs, so retry decisions
// never depend on matching error message text.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry scheduling.
type Kind int

const (
	// KindUnknown is the default for unclassified failures. Unknown
	// errors are treated as retryable, favoring data preservation over
	// discarding work.
	KindUnknown Kind = iota

	// KindNetwork covers timeouts, connection failures, and 5xx
	// responses. Retryable.
	KindNetwork

	// KindClient covers 4xx responses (auth, validation, not-found) and
	// missing local source files. Not retryable.
	KindClient

	// KindStorage covers durable local write failures. Not scheduled
	// for network retry; reported per item without aborting the cycle.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindClient:
		return "client"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed,
// in the same style as fs.PathError ("upload image", "upsert record").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network wraps a transient transport failure.
func Network(op string, err error) *Error { return New(KindNetwork, op, err) }

// Client wraps a permanent request failure.
func Client(op string, err error) *Error { return New(KindClient, op, err) }

// Storage wraps a durable-store failure.
func Storage(op string, err error) *Error { return New(KindStorage, op, err) }

// KindOf returns the Kind of err, or KindUnknown when err carries no
// classification. Context cancellation and deadline expiry count as
// network failures: the operation was abandoned, not rejected.
func KindOf(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return KindUnknown
}

// Retryable reports whether the failed operation should be attempted
// again. Network failures and unclassified failures retry; client and
// storage failures do not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// FromStatus maps an HTTP response status to a classified error.
// 5xx, 429 (throttled) and 423 (resource locked) are transient server
// conditions; other 4xx codes are permanent.
func FromStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("server returned %d: %s", status, body)

	switch {
	case status >= 500,
		status == http.StatusTooManyRequests,
		status == http.StatusLocked:
		return Network(op, err)
	case status >= 400:
		return Client(op, err)
	default:
		return New(KindUnknown, op, err)
	}
}
