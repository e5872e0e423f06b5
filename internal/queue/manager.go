// Package queue owns the lifecycle of queued operations: enqueueing with
// supersession and coalescing, claiming batches for dispatch, applying
// dispatch outcomes and the administrative escape hatches.
package queue

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ereezyy/synai-sync/internal/retry"
	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// liveStatuses are the statuses a non-terminal operation can have
var liveStatuses = []syncop.Status{syncop.StatusPending, syncop.StatusInFlight, syncop.StatusFailed}

// Manager is the only writer of operations besides the dispatcher's outcome path
type Manager struct {
	Store store.Store
	Retry retry.Policy

	// Now overrides the clock in tests
	Now func() time.Time
}

// NewManager creates a Manager over s using policy for manual retry bookkeeping
func NewManager(s store.Store, policy retry.Policy) *Manager {
	return &Manager{Store: s, Retry: policy}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return syncop.Ms(m.Now())
	}
	return syncop.Ms(time.Now())
}

// EnqueueRequest describes a mutation a producer wants delivered
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	Type       syncop.OperationType
	Payload    []byte
	Priority   int
	Metadata   map[string]string
}

// Validate checks the request before anything is persisted
func (r EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.EntityType) == "" {
		return fmt.Errorf("%w: entityType is required", syncop.ErrValidation)
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return fmt.Errorf("%w: entityId is required", syncop.ErrValidation)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", syncop.ErrValidation, r.Type)
	}
	return nil
}

// Enqueue records a new intent for an entity. In a single transaction it
//   - abandons earlier live operations when the new one is a DELETE
//     (IN_FLIGHT ones are left to finish; the DELETE queues behind them)
//   - coalesces an UPDATE into the entity's latest operation when that is a PENDING UPDATE,
//     and abandons any other PENDING UPDATE so at most one survives
//   - otherwise inserts a new PENDING operation
//
// The returned operation is the one that will carry the intent; on coalescing
// it keeps the id of the operation it was merged into.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*syncop.Operation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("entityType", req.EntityType).
		Str("entityId", req.EntityID).
		Str("operationType", string(req.Type)).
		Logger()

	now := m.now()
	var result *syncop.Operation

	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockEntity(ctx, req.EntityType, req.EntityID); err != nil {
			return err
		}
		history, err := tx.List(ctx, store.Query{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Statuses:   liveStatuses,
		})
		if err != nil {
			return err
		}

		var live []*syncop.Operation
		for _, op := range history {
			if !op.Terminal() {
				live = append(live, op)
			}
		}

		createdAt := now
		if n := len(history); n > 0 && history[n-1].CreatedAt.After(createdAt) {
			// Keep per-entity causal order even if the wall clock stepped back
			createdAt = history[n-1].CreatedAt
		}

		id := uuid.New().String()

		switch req.Type {
		case syncop.TypeDelete:
			for _, op := range live {
				if op.Status == syncop.StatusInFlight {
					continue
				}
				if err := op.Abandon(now, "superseded by delete "+id); err != nil {
					return err
				}
				if err := tx.Update(ctx, op); err != nil {
					return err
				}
				logger.Debug().Str("abandonedId", op.ID).Str("by", id).Msg("operation superseded by delete")
			}

		case syncop.TypeUpdate:
			if n := len(live); n > 0 {
				last := live[n-1]
				if last.Type == syncop.TypeUpdate && last.Status == syncop.StatusPending {
					coalesce(last, req, now)
					if err := tx.Update(ctx, last); err != nil {
						return err
					}
					result = last
					logger.Debug().Str("id", last.ID).Msg("update coalesced into pending operation")
					return nil
				}
			}
			// Other PENDING UPDATEs sit behind a later operation; they are
			// superseded and the new UPDATE goes last
			for _, op := range live {
				if op.Type != syncop.TypeUpdate || op.Status != syncop.StatusPending {
					continue
				}
				if err := op.Abandon(now, "superseded by update "+id); err != nil {
					return err
				}
				if err := tx.Update(ctx, op); err != nil {
					return err
				}
				logger.Debug().Str("abandonedId", op.ID).Str("by", id).Msg("pending update superseded")
			}
		}

		op := &syncop.Operation{
			ID:         id,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Type:       req.Type,
			Payload:    req.Payload,
			Priority:   req.Priority,
			Status:     syncop.StatusPending,
			CreatedAt:  createdAt,
			UpdatedAt:  now,
			Metadata:   maps.Clone(req.Metadata),
		}
		if err := tx.Insert(ctx, op); err != nil {
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to enqueue operation")
		return nil, err
	}

	logger.Info().Str("id", result.ID).Int64("seq", result.Seq).Msg("operation enqueued")
	return result, nil
}

// coalesce merges a newer UPDATE into a PENDING one in place. Identity and
// position in the entity's history are kept; the payload is replaced.
func coalesce(op *syncop.Operation, req EnqueueRequest, now time.Time) {
	op.Payload = req.Payload
	if req.Priority > op.Priority {
		op.Priority = req.Priority
	}
	if len(req.Metadata) > 0 {
		if op.Metadata == nil {
			op.Metadata = make(map[string]string, len(req.Metadata))
		}
		maps.Copy(op.Metadata, req.Metadata)
	}
	op.RetryCount = 0
	op.UpdatedAt = now
}

// Get returns a single operation
func (m *Manager) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	return m.Store.Get(ctx, id)
}

// Delete purges a terminal operation
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.Store.InTx(ctx, func(tx store.Tx) error {
		op, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !op.Terminal() {
			return fmt.Errorf("%w: %s is %s", syncop.ErrNotTerminal, id, op.Status)
		}
		_, err = tx.Delete(ctx, store.Query{IDs: []string{id}})
		return err
	})
}

// UpdateStatus forces a status change, validated against the state machine.
// IN_FLIGHT can only be reached by claiming a batch.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status syncop.Status, syncedAt *time.Time) (*syncop.Operation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", syncop.ErrValidation, status)
	}

	now := m.now()
	var result *syncop.Operation
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		op, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		if status == syncop.StatusInFlight || op.Terminal() || !syncop.CanTransition(op.Status, status) {
			return &syncop.TransitionError{ID: op.ID, From: op.Status, To: status}
		}

		switch status {
		case syncop.StatusSynced:
			if err := op.MarkSynced(now); err != nil {
				return err
			}
			if syncedAt != nil {
				t := syncop.Ms(*syncedAt)
				op.SyncedAt = &t
			}
		case syncop.StatusFailed:
			op.Status = syncop.StatusFailed
			op.UpdatedAt = now
			op.NextEligibleAt = nil
			op.FailureReason = syncop.ReasonRejected
			op.LastError = "marked failed manually"
		case syncop.StatusPending:
			op.Status = syncop.StatusPending
			op.UpdatedAt = now
			op.NextEligibleAt = nil
		case syncop.StatusAbandoned:
			if err := op.Abandon(now, "abandoned manually"); err != nil {
				return err
			}
		}

		if err := tx.Update(ctx, op); err != nil {
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("id", id).Str("status", string(status)).Msg("operation status updated manually")
	return result, nil
}

// IncrementRetry records one failed attempt by hand: the operation backs off
// as if a transient failure happened, or fails permanently at the ceiling
func (m *Manager) IncrementRetry(ctx context.Context, id string) (*syncop.Operation, error) {
	now := m.now()
	var result *syncop.Operation
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		op, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if op.Status == syncop.StatusInFlight {
			return &syncop.TransitionError{ID: op.ID, From: op.Status, To: syncop.StatusFailed}
		}

		attempts := op.RetryCount + 1
		next := m.Retry.NextEligibleAt(attempts, now)
		if err := op.MarkRetryable(now, next, m.Retry.Exhausted(attempts), "retry recorded manually"); err != nil {
			return err
		}
		if err := tx.Update(ctx, op); err != nil {
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Requeue gives a permanently FAILED operation a fresh attempt budget
func (m *Manager) Requeue(ctx context.Context, id string) (*syncop.Operation, error) {
	now := m.now()
	var result *syncop.Operation
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		op, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := op.Requeue(now); err != nil {
			return err
		}
		if err := tx.Update(ctx, op); err != nil {
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RequeueFailed requeues every permanently FAILED operation and returns how many moved
func (m *Manager) RequeueFailed(ctx context.Context) (int, error) {
	now := m.now()
	n := 0
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		ops, err := tx.List(ctx, store.Query{Statuses: []syncop.Status{syncop.StatusFailed}, TerminalOnly: true})
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := op.Requeue(now); err != nil {
				return err
			}
			if err := tx.Update(ctx, op); err != nil {
				return err
			}
		}
		n = len(ops)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("failed operations requeued")
	}
	return n, nil
}

// List returns operations with the given status matching f
func (m *Manager) List(ctx context.Context, status syncop.Status, f syncop.Filter) ([]*syncop.Operation, error) {
	return m.Store.List(ctx, store.ByStatus(status).WithFilter(f))
}

// ListPending returns PENDING operations matching f
func (m *Manager) ListPending(ctx context.Context, f syncop.Filter) ([]*syncop.Operation, error) {
	return m.List(ctx, syncop.StatusPending, f)
}

// ListForEntity returns the full history of one entity in causal order
func (m *Manager) ListForEntity(ctx context.Context, entityType, entityID string) ([]*syncop.Operation, error) {
	return m.Store.List(ctx, store.ByEntity(entityType, entityID))
}

// ListPage returns an arbitrary query page
func (m *Manager) ListPage(ctx context.Context, q store.Query) ([]*syncop.Operation, error) {
	return m.Store.List(ctx, q)
}

// Count returns how many operations have status
func (m *Manager) Count(ctx context.Context, status syncop.Status) (int, error) {
	return m.Store.Count(ctx, store.ByStatus(status))
}

// PendingCount returns how many operations are PENDING
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.Count(ctx, syncop.StatusPending)
}

// Stats returns counts for every status
func (m *Manager) Stats(ctx context.Context) (map[syncop.Status]int, error) {
	return m.Store.CountByStatus(ctx)
}

// ClearByStatus purges terminal operations with status. Live statuses are refused;
// for FAILED only permanently failed operations are removed.
func (m *Manager) ClearByStatus(ctx context.Context, status syncop.Status) (int, error) {
	switch status {
	case syncop.StatusSynced, syncop.StatusFailed, syncop.StatusAbandoned:
	case syncop.StatusPending, syncop.StatusInFlight:
		return 0, fmt.Errorf("%w: cannot clear %s operations", syncop.ErrNotTerminal, status)
	default:
		return 0, fmt.Errorf("%w: unknown status %q", syncop.ErrValidation, status)
	}

	n := 0
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.Delete(ctx, store.Query{Statuses: []syncop.Status{status}, TerminalOnly: true})
		return err
	})
	if err != nil {
		return 0, err
	}

	log.Info().Str("status", string(status)).Int("count", n).Msg("operations cleared")
	return n, nil
}
