package syncop

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an operation
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusSynced    Status = "SYNCED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusPending, StatusInFlight, StatusSynced, StatusFailed, StatusAbandoned}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSynced, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// ParseStatus parses a case-sensitive status name
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// transitions is the allowed status graph. FAILED -> FAILED covers a manual
// retry bump; FAILED -> PENDING covers a manual requeue.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight, StatusFailed, StatusAbandoned},
	StatusInFlight: {StatusSynced, StatusFailed, StatusPending},
	StatusFailed:   {StatusInFlight, StatusFailed, StatusPending, StatusAbandoned},
}

// CanTransition reports whether an operation may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (o *Operation) transition(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{ID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = Ms(now)
	return nil
}

// Claim marks an eligible operation IN_FLIGHT
func (o *Operation) Claim(now time.Time) error {
	if !o.Eligible(now) {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusInFlight}
	}
	return o.transition(StatusInFlight, now)
}

// Release returns an unconfirmed IN_FLIGHT operation to PENDING without
// counting an attempt
func (o *Operation) Release(now time.Time) error {
	if o.Status != StatusInFlight {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusPending}
	}
	if err := o.transition(StatusPending, now); err != nil {
		return err
	}
	o.NextEligibleAt = nil
	return nil
}

// MarkSynced records a confirmed remote success
func (o *Operation) MarkSynced(now time.Time) error {
	if o.Status != StatusInFlight {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusSynced}
	}
	if err := o.transition(StatusSynced, now); err != nil {
		return err
	}
	t := Ms(now)
	o.SyncedAt = &t
	o.NextEligibleAt = nil
	o.LastError = ""
	o.FailureReason = ReasonNone
	return nil
}

// MarkRetryable records a transient failure. The attempt counter is
// incremented; when exhausted the operation becomes permanently FAILED,
// otherwise it becomes eligible again at next. next is raised so that
// NextEligibleAt strictly increases across consecutive failures.
func (o *Operation) MarkRetryable(now, next time.Time, exhausted bool, msg string) error {
	if o.Terminal() {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusFailed}
	}
	if err := o.transition(StatusFailed, now); err != nil {
		return err
	}
	o.RetryCount++
	o.LastError = msg
	if exhausted {
		o.NextEligibleAt = nil
		o.FailureReason = ReasonExhausted
		return nil
	}
	next = Ms(next)
	if o.NextEligibleAt != nil && !next.After(*o.NextEligibleAt) {
		next = o.NextEligibleAt.Add(time.Millisecond)
	}
	o.NextEligibleAt = &next
	o.FailureReason = ReasonTransient
	return nil
}

// MarkRejected records a permanent backend rejection. RetryCount is left untouched.
func (o *Operation) MarkRejected(now time.Time, msg string) error {
	if o.Status != StatusInFlight {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusFailed}
	}
	if err := o.transition(StatusFailed, now); err != nil {
		return err
	}
	o.NextEligibleAt = nil
	o.LastError = msg
	o.FailureReason = ReasonRejected
	return nil
}

// Abandon marks a superseded non-terminal operation ABANDONED
func (o *Operation) Abandon(now time.Time, msg string) error {
	if o.Terminal() {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusAbandoned}
	}
	if err := o.transition(StatusAbandoned, now); err != nil {
		return err
	}
	o.NextEligibleAt = nil
	o.LastError = msg
	o.FailureReason = ReasonNone
	return nil
}

// Requeue resets a terminal FAILED operation to PENDING with a fresh attempt budget
func (o *Operation) Requeue(now time.Time) error {
	if o.Status != StatusFailed || !o.Terminal() {
		return &TransitionError{ID: o.ID, From: o.Status, To: StatusPending}
	}
	if err := o.transition(StatusPending, now); err != nil {
		return err
	}
	o.RetryCount = 0
	o.NextEligibleAt = nil
	o.LastError = ""
	o.FailureReason = ReasonNone
	return nil
}
