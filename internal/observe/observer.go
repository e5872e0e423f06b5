// Package observe exposes live views of the queue. Every emitted value is
// re-read from the store after a committed change; nothing is cached.
package observe

import (
	"bytes"
	"context"
	"time"

	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/rs/zerolog/log"
)

// DefaultRetryInterval is how long a stream waits before re-reading after a storage fault
const DefaultRetryInterval = time.Second

// Observer streams pending counts and operation lists
type Observer struct {
	Queue *queue.Manager

	// RetryInterval overrides DefaultRetryInterval
	RetryInterval time.Duration
}

// New creates an Observer over q
func New(q *queue.Manager) *Observer {
	return &Observer{Queue: q}
}

// Counts returns the number of operations per status
func (o *Observer) Counts(ctx context.Context) (map[syncop.Status]int, error) {
	return o.Queue.Stats(ctx)
}

// Snapshot returns the operations with status matching f right now
func (o *Observer) Snapshot(ctx context.Context, status syncop.Status, f syncop.Filter) ([]*syncop.Operation, error) {
	return o.Queue.List(ctx, status, f)
}

// PendingCount emits the current number of PENDING operations and then a new
// value whenever a committed change alters it. The channel closes when ctx
// ends or the store shuts down.
func (o *Observer) PendingCount(ctx context.Context) <-chan int {
	return watch(ctx, o, "pending count", o.Queue.PendingCount, func(a, b int) bool { return a == b })
}

// Operations emits the operations with status matching f, re-emitting
// whenever the result changes
func (o *Observer) Operations(ctx context.Context, status syncop.Status, f syncop.Filter) <-chan []*syncop.Operation {
	load := func(ctx context.Context) ([]*syncop.Operation, error) {
		return o.Queue.List(ctx, status, f)
	}
	return watch(ctx, o, "operations", load, sameOperations)
}

// Entity emits the full history of one entity whenever it changes
func (o *Observer) Entity(ctx context.Context, entityType, entityID string) <-chan []*syncop.Operation {
	load := func(ctx context.Context) ([]*syncop.Operation, error) {
		return o.Queue.ListForEntity(ctx, entityType, entityID)
	}
	return watch(ctx, o, "entity", load, sameOperations)
}

func (o *Observer) retryInterval() time.Duration {
	if o.RetryInterval > 0 {
		return o.RetryInterval
	}
	return DefaultRetryInterval
}

// watch subscribes before the first read so no commit can slip between the
// initial value and the first signal
func watch[T any](ctx context.Context, o *Observer, name string, load func(context.Context) (T, error), equal func(a, b T) bool) <-chan T {
	out := make(chan T)
	signals, unsubscribe := o.Queue.Store.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		var last T
		emitted := false
		var retry <-chan time.Time

		for {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("stream", name).Msg("failed to refresh observed value")
				retry = time.After(o.retryInterval())
			} else {
				retry = nil
				if !emitted || !equal(last, v) {
					select {
					case out <- v:
						last, emitted = v, true
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case _, ok := <-signals:
				if !ok {
					return
				}
			case <-retry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func sameOperations(a, b []*syncop.Operation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Status != y.Status || x.RetryCount != y.RetryCount ||
			x.Priority != y.Priority || !x.UpdatedAt.Equal(y.UpdatedAt) || !bytes.Equal(x.Payload, y.Payload) {
			return false
		}
	}
	return true
}
