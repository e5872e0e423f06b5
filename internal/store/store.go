// Package store persists sync operations. It is the ground truth for what
// still has to reach the backend: every mutation runs in a transaction and
// every committed mutation is announced on the change feed.
package store

import (
	"context"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
)

// Query selects operations. Empty fields do not constrain the result.
type Query struct {
	IDs           []string
	Statuses      []syncop.Status
	EntityType    string
	EntityID      string
	OperationType syncop.OperationType

	// TerminalOnly restricts to SYNCED, ABANDONED and permanently FAILED operations
	TerminalOnly bool

	// InFlightBefore restricts to IN_FLIGHT operations last touched before the given time
	InFlightBefore *time.Time

	// After resumes a listing strictly after the given (created_at, seq) position
	After syncx.Cursor

	// Limit caps the number of rows returned by List (0 = unlimited)
	Limit int
}

// ByStatus is a convenience constructor for a status-only query
func ByStatus(statuses ...syncop.Status) Query {
	return Query{Statuses: statuses}
}

// ByEntity is a convenience constructor for an entity history query
func ByEntity(entityType, entityID string) Query {
	return Query{EntityType: entityType, EntityID: entityID}
}

// WithFilter applies an entity/operation type filter to q
func (q Query) WithFilter(f syncop.Filter) Query {
	if f.EntityType != "" {
		q.EntityType = f.EntityType
	}
	if f.OperationType != "" {
		q.OperationType = f.OperationType
	}
	return q
}

// Reader exposes the read side of the store. Listings are ordered by
// (CreatedAt, Seq) ascending.
type Reader interface {
	Get(ctx context.Context, id string) (*syncop.Operation, error)
	List(ctx context.Context, q Query) ([]*syncop.Operation, error)
	Count(ctx context.Context, q Query) (int, error)
	CountByStatus(ctx context.Context) (map[syncop.Status]int, error)
}

// Tx is a store transaction. Implementations are not safe for concurrent use.
type Tx interface {
	Reader

	// Insert stores a new operation and assigns op.Seq
	Insert(ctx context.Context, op *syncop.Operation) error

	// Update overwrites the mutable fields of an existing operation
	Update(ctx context.Context, op *syncop.Operation) error

	// Delete removes the matching operations and returns how many were removed
	Delete(ctx context.Context, q Query) (int, error)

	// LockEntity serializes transactions that touch the same entity until
	// this one ends. It is a no-op where transactions are already exclusive.
	LockEntity(ctx context.Context, entityType, entityID string) error

	// ListClaimable returns up to limit eligible entity-head operations ordered
	// by priority desc, created_at asc, seq asc. An entity head is the earliest
	// non-terminal operation of an entity that has nothing IN_FLIGHT.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*syncop.Operation, error)
}

// Store is a durable operation store
type Store interface {
	Reader

	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise. Failures are returned as syncop.StorageFault.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Subscribe returns a channel that receives a signal after every committed
	// mutating transaction, and a func to cancel the subscription. Signals
	// are coalesced: a slow reader sees at least one signal after the last change.
	Subscribe() (<-chan struct{}, func())

	Close() error
}
