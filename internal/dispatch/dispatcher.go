// Package dispatch submits claimed batches through a transport and persists
// the resulting transition of every operation.
package dispatch

import (
	"context"
	"time"

	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/retry"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/transport"
	"github.com/rs/zerolog/log"
)

// Outcome is what happened to one claimed operation
type Outcome struct {
	// Operation reflects the state after dispatch
	Operation *syncop.Operation
	Result    transport.Result

	// Applied is false when the store no longer held the claim and the
	// transition was dropped
	Applied bool
}

// Err returns the sync fault for a failed outcome, nil otherwise
func (o Outcome) Err() error {
	switch o.Result.Kind {
	case transport.KindSuccess, transport.KindNotAttempted:
		return nil
	}
	if o.Operation != nil && o.Operation.FailureReason == syncop.ReasonExhausted {
		return &syncop.SyncFault{OperationID: o.Operation.ID, Kind: syncop.ErrRetryExhausted, Message: o.Result.Message}
	}
	return o.Result.Fault()
}

// Summary counts outcomes by effect
type Summary struct {
	Synced    int `json:"synced"`
	Retrying  int `json:"retrying"`
	Rejected  int `json:"rejected"`
	Exhausted int `json:"exhausted"`
	Released  int `json:"released"`
	Dropped   int `json:"dropped"`
}

// Summarize tallies outcomes
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		if !o.Applied {
			s.Dropped++
			continue
		}
		switch o.Operation.Status {
		case syncop.StatusSynced:
			s.Synced++
		case syncop.StatusPending:
			s.Released++
		case syncop.StatusFailed:
			switch o.Operation.FailureReason {
			case syncop.ReasonExhausted:
				s.Exhausted++
			case syncop.ReasonRejected:
				s.Rejected++
			default:
				s.Retrying++
			}
		}
	}
	return s
}

// Dispatcher turns transport results into persisted transitions
type Dispatcher struct {
	Queue     *queue.Manager
	Transport transport.Transport
	Retry     retry.Policy

	// Now overrides the clock in tests
	Now func() time.Time
}

// New creates a Dispatcher
func New(q *queue.Manager, t transport.Transport, policy retry.Policy) *Dispatcher {
	return &Dispatcher{Queue: q, Transport: t, Retry: policy}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return syncop.Ms(d.Now())
	}
	return syncop.Ms(time.Now())
}

// Dispatch submits a claimed batch. Batch-capable transports get the whole
// batch in one call and its transitions are applied in one transaction;
// otherwise operations go one by one, each transition persisted before the
// next submission, and a transient failure releases the rest unattempted.
//
// Per-operation failures are reported in the outcomes; the error is non-nil
// only for storage faults or cancellation. On cancellation every operation
// without a confirmed result is released back to PENDING.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []*syncop.Operation) ([]Outcome, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if bt, ok := d.Transport.(transport.BatchTransport); ok {
		return d.dispatchBatch(ctx, bt, batch)
	}
	return d.dispatchSerial(ctx, batch)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, bt transport.BatchTransport, batch []*syncop.Operation) ([]Outcome, error) {
	if ctx.Err() != nil {
		return d.release(ctx, batch, ctx.Err().Error())
	}

	results, err := bt.SubmitBatch(ctx, batch)
	if err != nil {
		log.Warn().Err(err).Int("size", len(batch)).Msg("batch submission abandoned, releasing claims")
		return d.release(ctx, batch, err.Error())
	}

	byID := make(map[string]transport.Result, len(results))
	for _, r := range results {
		byID[r.OperationID] = r
	}

	now := d.now()
	outcomes := make([]Outcome, 0, len(batch))
	updated := make([]*syncop.Operation, 0, len(batch))
	for _, op := range batch {
		r, ok := byID[op.ID]
		if !ok {
			r = transport.Result{OperationID: op.ID, Kind: transport.KindTransient, Message: "no result for operation"}
		}
		next := op.Clone()
		if err := d.transition(next, r, now); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, Outcome{Operation: next, Result: r})
		updated = append(updated, next)
	}

	// Confirmed results are persisted even if ctx ends now
	applied, err := d.Queue.Apply(context.WithoutCancel(ctx), updated...)
	if err != nil {
		return nil, err
	}
	markApplied(outcomes, applied)
	logOutcomes(outcomes)
	return outcomes, nil
}

func (d *Dispatcher) dispatchSerial(ctx context.Context, batch []*syncop.Operation) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(batch))

	for i, op := range batch {
		if ctx.Err() != nil {
			rest, err := d.release(ctx, batch[i:], ctx.Err().Error())
			return append(outcomes, rest...), err
		}

		r := d.Transport.Submit(ctx, op)
		if r.Kind == transport.KindNotAttempted {
			rest, err := d.release(ctx, batch[i:], r.Message)
			return append(outcomes, rest...), err
		}

		next := op.Clone()
		if err := d.transition(next, r, d.now()); err != nil {
			return outcomes, err
		}
		applied, err := d.Queue.Apply(context.WithoutCancel(ctx), next)
		if err != nil {
			return outcomes, err
		}
		o := Outcome{Operation: next, Result: r, Applied: len(applied) == 1}
		outcomes = append(outcomes, o)
		logOutcomes(outcomes[len(outcomes)-1:])

		if r.Kind == transport.KindTransient && i+1 < len(batch) {
			// The backend is likely unreachable; leave the rest for the next pass
			rest, err := d.release(ctx, batch[i+1:], "not attempted after transient failure")
			return append(outcomes, rest...), err
		}
	}
	return outcomes, nil
}

// transition applies the state change for result r to op
func (d *Dispatcher) transition(op *syncop.Operation, r transport.Result, now time.Time) error {
	switch r.Kind {
	case transport.KindSuccess:
		return op.MarkSynced(now)
	case transport.KindPermanent:
		return op.MarkRejected(now, r.Message)
	default:
		attempts := op.RetryCount + 1
		next := d.Retry.NextEligibleAt(attempts, now)
		if r.RetryAfter > 0 {
			if floor := now.Add(r.RetryAfter); floor.After(next) {
				next = floor
			}
		}
		return op.MarkRetryable(now, next, d.Retry.Exhausted(attempts), r.Message)
	}
}

// release returns claimed operations to PENDING without touching their retry
// budget. It runs detached from ctx so a cancelled run still lets go of its claims.
func (d *Dispatcher) release(ctx context.Context, ops []*syncop.Operation, reason string) ([]Outcome, error) {
	now := d.now()
	outcomes := make([]Outcome, 0, len(ops))
	released := make([]*syncop.Operation, 0, len(ops))
	for _, op := range ops {
		next := op.Clone()
		if err := next.Release(now); err != nil {
			return nil, err
		}
		released = append(released, next)
		outcomes = append(outcomes, Outcome{
			Operation: next,
			Result:    transport.Result{OperationID: op.ID, Kind: transport.KindNotAttempted, Message: reason},
		})
	}

	applied, err := d.Queue.Apply(context.WithoutCancel(ctx), released...)
	if err != nil {
		log.Error().Err(err).Int("count", len(ops)).Msg("failed to release claimed operations, left for reclaim")
		return nil, err
	}
	markApplied(outcomes, applied)

	log.Debug().Int("count", len(applied)).Str("reason", reason).Msg("claims released")
	if ctx.Err() != nil {
		return outcomes, ctx.Err()
	}
	return outcomes, nil
}

func markApplied(outcomes []Outcome, applied []*syncop.Operation) {
	ok := make(map[string]bool, len(applied))
	for _, op := range applied {
		ok[op.ID] = true
	}
	for i := range outcomes {
		outcomes[i].Applied = ok[outcomes[i].Operation.ID]
	}
}

func logOutcomes(outcomes []Outcome) {
	for _, o := range outcomes {
		op := o.Operation
		evt := log.Debug()
		if o.Result.Kind != transport.KindSuccess {
			evt = log.Warn()
		}
		evt.Str("id", op.ID).
			Str("entity", op.Key().String()).
			Str("result", string(o.Result.Kind)).
			Str("status", string(op.Status)).
			Int("retryCount", op.RetryCount).
			Bool("applied", o.Applied).
			Str("error", o.Result.Message).
			Msg("operation dispatched")
	}
}
