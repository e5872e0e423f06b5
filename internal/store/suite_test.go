package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
	"github.com/google/uuid"
)

var baseTime = time.UnixMilli(1_730_635_200_000).UTC()

func testOp(entityID string, typ syncop.OperationType, created time.Time) *syncop.Operation {
	return &syncop.Operation{
		ID:         uuid.New().String(),
		EntityType: "meeting",
		EntityID:   entityID,
		Type:       typ,
		Payload:    []byte(`{"title":"standup"}`),
		Status:     syncop.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func insertAll(t *testing.T, s Store, ops ...*syncop.Operation) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		for _, op := range ops {
			if err := tx.Insert(context.Background(), op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func ids(ops []*syncop.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func equalIDs(t *testing.T, got []*syncop.Operation, want ...*syncop.Operation) {
	t.Helper()
	g, w := ids(got), ids(want)
	if len(g) != len(w) {
		t.Fatalf("got %d operations %v, want %d %v", len(g), g, len(w), w)
	}
	for i := range g {
		if g[i] != w[i] {
			t.Fatalf("position %d: got %s, want %s", i, g[i], w[i])
		}
	}
}

// runStoreSuite exercises the Store contract against a fresh, empty store
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		op := testOp("m1", syncop.TypeCreate, baseTime)
		op.Priority = 3
		op.Metadata = map[string]string{"source": "calendar"}
		insertAll(t, s, op)

		if op.Seq <= 0 {
			t.Fatalf("expected assigned seq, got %d", op.Seq)
		}

		got, err := s.Get(ctx, op.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.EntityID != "m1" || got.Type != syncop.TypeCreate || got.Priority != 3 {
			t.Errorf("unexpected operation: %+v", got)
		}
		if string(got.Payload) != `{"title":"standup"}` {
			t.Errorf("payload = %q", got.Payload)
		}
		if got.Metadata["source"] != "calendar" {
			t.Errorf("metadata = %v", got.Metadata)
		}
		if !got.CreatedAt.Equal(baseTime) || got.NextEligibleAt != nil || got.SyncedAt != nil {
			t.Errorf("unexpected timestamps: %+v", got)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, uuid.New().String()); !errors.Is(err, syncop.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		op := testOp("m1", syncop.TypeUpdate, baseTime)
		insertAll(t, s, op)

		next := baseTime.Add(time.Minute)
		op.Status = syncop.StatusFailed
		op.RetryCount = 2
		op.NextEligibleAt = &next
		op.LastError = "503 from backend"
		op.FailureReason = syncop.ReasonTransient
		err := s.InTx(ctx, func(tx Tx) error { return tx.Update(ctx, op) })
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := s.Get(ctx, op.ID)
		if got.Status != syncop.StatusFailed || got.RetryCount != 2 || !got.NextEligibleAt.Equal(next) {
			t.Errorf("update not persisted: %+v", got)
		}
		if got.LastError != "503 from backend" || got.FailureReason != syncop.ReasonTransient {
			t.Errorf("diagnostics not persisted: %+v", got)
		}

		missing := testOp("m2", syncop.TypeUpdate, baseTime)
		err = s.InTx(ctx, func(tx Tx) error { return tx.Update(ctx, missing) })
		if !errors.Is(err, syncop.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing row, got %v", err)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		op := testOp("m1", syncop.TypeCreate, baseTime)
		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.Insert(ctx, op); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Get(ctx, op.ID); !errors.Is(err, syncop.ErrNotFound) {
			t.Errorf("insert should have been rolled back, got %v", err)
		}
	})

	t.Run("list filters and pagination", func(t *testing.T) {
		s := newStore(t)
		a := testOp("m1", syncop.TypeCreate, baseTime)
		b := testOp("m1", syncop.TypeUpdate, baseTime.Add(time.Millisecond))
		c := testOp("m2", syncop.TypeCreate, baseTime.Add(time.Millisecond))
		c.EntityType = "preference"
		d := testOp("m3", syncop.TypeDelete, baseTime.Add(2*time.Millisecond))
		d.Status = syncop.StatusSynced
		insertAll(t, s, a, b, c, d)

		all, err := s.List(ctx, Query{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		equalIDs(t, all, a, b, c, d)

		pending, _ := s.List(ctx, ByStatus(syncop.StatusPending).WithFilter(syncop.Filter{EntityType: "meeting"}))
		equalIDs(t, pending, a, b)

		creates, _ := s.List(ctx, Query{OperationType: syncop.TypeCreate})
		equalIDs(t, creates, a, c)

		entity, _ := s.List(ctx, ByEntity("meeting", "m1"))
		equalIDs(t, entity, a, b)

		page1, _ := s.List(ctx, Query{Limit: 2})
		equalIDs(t, page1, a, b)
		last := page1[len(page1)-1]
		page2, _ := s.List(ctx, Query{Limit: 2, After: syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), Seq: last.Seq}})
		equalIDs(t, page2, c, d)
	})

	t.Run("counts", func(t *testing.T) {
		s := newStore(t)
		a := testOp("m1", syncop.TypeCreate, baseTime)
		b := testOp("m2", syncop.TypeCreate, baseTime)
		c := testOp("m3", syncop.TypeCreate, baseTime)
		c.Status = syncop.StatusAbandoned
		insertAll(t, s, a, b, c)

		n, err := s.Count(ctx, ByStatus(syncop.StatusPending))
		if err != nil || n != 2 {
			t.Errorf("Count(PENDING) = %d, %v; want 2", n, err)
		}

		counts, err := s.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus: %v", err)
		}
		if counts[syncop.StatusPending] != 2 || counts[syncop.StatusAbandoned] != 1 || counts[syncop.StatusSynced] != 0 {
			t.Errorf("unexpected counts: %v", counts)
		}
		if _, ok := counts[syncop.StatusInFlight]; !ok {
			t.Error("every status should be present in counts")
		}
	})

	t.Run("delete terminal only", func(t *testing.T) {
		s := newStore(t)
		next := baseTime.Add(time.Hour)
		pending := testOp("m1", syncop.TypeCreate, baseTime)
		synced := testOp("m2", syncop.TypeCreate, baseTime)
		synced.Status = syncop.StatusSynced
		retryable := testOp("m3", syncop.TypeCreate, baseTime)
		retryable.Status = syncop.StatusFailed
		retryable.NextEligibleAt = &next
		dead := testOp("m4", syncop.TypeCreate, baseTime)
		dead.Status = syncop.StatusFailed
		insertAll(t, s, pending, synced, retryable, dead)

		var n int
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			n, err = tx.Delete(ctx, Query{TerminalOnly: true})
			return err
		})
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if n != 2 {
			t.Errorf("deleted %d, want 2", n)
		}
		left, _ := s.List(ctx, Query{})
		equalIDs(t, left, pending, retryable)

		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.Delete(ctx, Query{})
			return err
		})
		if !errors.Is(err, syncop.ErrValidation) {
			t.Errorf("unfiltered delete should be refused, got %v", err)
		}
	})

	t.Run("claimable heads", func(t *testing.T) {
		s := newStore(t)
		now := baseTime.Add(time.Hour)
		future := now.Add(time.Minute)
		past := now.Add(-time.Minute)

		// m1: head PENDING followed by a later op that must wait
		m1a := testOp("m1", syncop.TypeCreate, baseTime)
		m1b := testOp("m1", syncop.TypeUpdate, baseTime.Add(time.Second))
		// m2: something IN_FLIGHT blocks the entity entirely
		m2a := testOp("m2", syncop.TypeCreate, baseTime)
		m2a.Status = syncop.StatusInFlight
		m2b := testOp("m2", syncop.TypeUpdate, baseTime.Add(time.Second))
		// m3: head is backing off, later op blocked behind it
		m3a := testOp("m3", syncop.TypeUpdate, baseTime)
		m3a.Status = syncop.StatusFailed
		m3a.NextEligibleAt = &future
		m3b := testOp("m3", syncop.TypeUpdate, baseTime.Add(time.Second))
		// m4: retryable failure that is due, high priority
		m4 := testOp("m4", syncop.TypeUpdate, baseTime.Add(2*time.Second))
		m4.Status = syncop.StatusFailed
		m4.NextEligibleAt = &past
		m4.Priority = 10
		// m5: terminal failure ahead of a pending op does not block it
		m5a := testOp("m5", syncop.TypeCreate, baseTime)
		m5a.Status = syncop.StatusFailed
		m5b := testOp("m5", syncop.TypeUpdate, baseTime.Add(3*time.Second))
		insertAll(t, s, m1a, m1b, m2a, m2b, m3a, m3b, m4, m5a, m5b)

		var got []*syncop.Operation
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			got, err = tx.ListClaimable(ctx, now, 10)
			return err
		})
		if err != nil {
			t.Fatalf("ListClaimable: %v", err)
		}
		equalIDs(t, got, m4, m1a, m5b)

		err = s.InTx(ctx, func(tx Tx) error {
			var err error
			got, err = tx.ListClaimable(ctx, now, 1)
			return err
		})
		if err != nil {
			t.Fatalf("ListClaimable: %v", err)
		}
		equalIDs(t, got, m4)
	})

	t.Run("change feed", func(t *testing.T) {
		s := newStore(t)
		ch, cancel := s.Subscribe()
		defer cancel()

		insertAll(t, s, testOp("m1", syncop.TypeCreate, baseTime))
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("expected change signal after commit")
		}

		// Drain anything a LISTEN relay may add for the same commit
		drain := time.After(200 * time.Millisecond)
	loop:
		for {
			select {
			case <-ch:
			case <-drain:
				break loop
			}
		}

		_ = s.InTx(ctx, func(tx Tx) error {
			_ = tx.Insert(ctx, testOp("m2", syncop.TypeCreate, baseTime))
			return errors.New("rollback")
		})
		_ = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.List(ctx, Query{})
			return err
		})
		select {
		case <-ch:
			t.Error("no signal expected for rolled back or read-only transactions")
		case <-time.After(100 * time.Millisecond):
		}
	})
}
