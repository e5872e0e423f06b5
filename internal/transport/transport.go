// Package transport delivers operations to the backend and classifies each
// attempt as success, transient failure or permanent rejection.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
)

// Kind classifies the outcome of one delivery attempt
type Kind string

const (
	KindSuccess   Kind = "success"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	// KindNotAttempted means the operation never reached the backend
	KindNotAttempted Kind = "not_attempted"
)

// Result is the outcome for a single operation
type Result struct {
	OperationID string
	Kind        Kind
	Message     string

	// RetryAfter is the minimum wait the backend asked for, zero if none
	RetryAfter time.Duration
}

// Fault converts a failed result into the matching sync fault, nil on success
func (r Result) Fault() error {
	switch r.Kind {
	case KindSuccess:
		return nil
	case KindPermanent:
		return &syncop.SyncFault{OperationID: r.OperationID, Kind: syncop.ErrPermanentSync, Message: r.Message}
	default:
		return &syncop.SyncFault{OperationID: r.OperationID, Kind: syncop.ErrTransientSync, Message: r.Message}
	}
}

// Transport submits one operation at a time
type Transport interface {
	Submit(ctx context.Context, op *syncop.Operation) Result
}

// BatchTransport submits a whole batch as one network unit. Results are
// matched by OperationID; operations without a result are treated as
// transient failures. A non-nil error means the call was abandoned (for
// example on cancellation) and no outcome is known for any operation.
type BatchTransport interface {
	Transport
	SubmitBatch(ctx context.Context, ops []*syncop.Operation) ([]Result, error)
}

// TokenSource provides bearer tokens for the backend
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops any cached token after the backend refused it
	Invalidate()
}

// StatusError is a non-2xx response from the backend
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Transient builds a transient result for every operation in ops
func Transient(ops []*syncop.Operation, msg string, retryAfter time.Duration) []Result {
	return fill(ops, KindTransient, msg, retryAfter)
}

// Permanent builds a permanent result for every operation in ops
func Permanent(ops []*syncop.Operation, msg string) []Result {
	return fill(ops, KindPermanent, msg, 0)
}

func fill(ops []*syncop.Operation, kind Kind, msg string, retryAfter time.Duration) []Result {
	out := make([]Result, len(ops))
	for i, op := range ops {
		out[i] = Result{OperationID: op.ID, Kind: kind, Message: msg, RetryAfter: retryAfter}
	}
	return out
}
