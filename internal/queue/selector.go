package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/rs/zerolog/log"
)

// SelectBatch claims up to maxSize eligible operations and marks them IN_FLIGHT
// in the same transaction. At most one operation per entity is returned and
// entities that already have something IN_FLIGHT are skipped.
func (m *Manager) SelectBatch(ctx context.Context, maxSize int) ([]*syncop.Operation, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	now := m.now()
	var batch []*syncop.Operation

	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		candidates, err := tx.ListClaimable(ctx, now, maxSize)
		if err != nil {
			return err
		}

		seen := make(map[syncop.EntityKey]bool, len(candidates))
		for _, op := range candidates {
			if seen[op.Key()] {
				continue
			}
			if err := op.Claim(now); err != nil {
				return err
			}
			if err := tx.Update(ctx, op); err != nil {
				return err
			}
			seen[op.Key()] = true
			batch = append(batch, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(batch) > 0 {
		log.Debug().Int("size", len(batch)).Int("max", maxSize).Msg("batch claimed")
	}
	return batch, nil
}

// Reclaim returns IN_FLIGHT operations to PENDING. With a zero olderThan every
// IN_FLIGHT operation is reclaimed (process start); otherwise only claims
// untouched for longer than olderThan.
func (m *Manager) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	now := m.now()
	q := store.ByStatus(syncop.StatusInFlight)
	if olderThan > 0 {
		cutoff := now.Add(-olderThan)
		q.InFlightBefore = &cutoff
	}

	n := 0
	err := m.Store.InTx(ctx, func(tx store.Tx) error {
		ops, err := tx.List(ctx, q)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := op.Release(now); err != nil {
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
		log.Warn().Int("count", n).Dur("olderThan", olderThan).Msg("reclaimed in-flight operations")
	}
	return n, nil
}

// Apply persists dispatcher transitions atomically. Each operation must still be
// IN_FLIGHT in the store; anything changed underneath is skipped and reported.
func (m *Manager) Apply(ctx context.Context, ops ...*syncop.Operation) (applied []*syncop.Operation, err error) {
	if len(ops) == 0 {
		return nil, nil
	}

	err = m.Store.InTx(ctx, func(tx store.Tx) error {
		applied = applied[:0]
		for _, op := range ops {
			current, err := tx.Get(ctx, op.ID)
			if errors.Is(err, syncop.ErrNotFound) {
				log.Warn().Str("id", op.ID).Msg("operation vanished while in flight")
				continue
			}
			if err != nil {
				return err
			}
			if current.Status != syncop.StatusInFlight {
				log.Warn().
					Str("id", op.ID).
					Str("stored", string(current.Status)).
					Str("outcome", string(op.Status)).
					Msg("operation changed while in flight, outcome dropped")
				continue
			}
			if err := tx.Update(ctx, op); err != nil {
				return err
			}
			applied = append(applied, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}
