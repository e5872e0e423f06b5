package syncop

import (
	"fmt"
	"maps"
	"time"
)

// OperationType is the kind of mutation an operation carries
type OperationType string

const (
	TypeCreate OperationType = "CREATE"
	TypeUpdate OperationType = "UPDATE"
	TypeDelete OperationType = "DELETE"
)

// Valid reports whether t is one of the closed set of operation types
func (t OperationType) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	}
	return false
}

// ParseOperationType parses a case-sensitive operation type name
func ParseOperationType(s string) (OperationType, error) {
	t := OperationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown operation type %q", ErrValidation, s)
	}
	return t, nil
}

// FailureReason records why an operation ended up FAILED
type FailureReason string

const (
	ReasonNone      FailureReason = ""
	ReasonTransient FailureReason = "transient"
	ReasonRejected  FailureReason = "rejected"
	ReasonExhausted FailureReason = "exhausted"
)

// Operation is a single queued intent to mutate a remote entity.
//
// Operations for the same (EntityType, EntityID) are causally ordered by
// (CreatedAt, Seq). ID is assigned once at enqueue and never reused.
type Operation struct {
	ID             string            `json:"id"`
	Seq            int64             `json:"sequence"`
	EntityType     string            `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Type           OperationType     `json:"operationType"`
	Payload        []byte            `json:"-"`
	Priority       int               `json:"priority"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retryCount"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	NextEligibleAt *time.Time        `json:"nextEligibleAt,omitempty"`
	SyncedAt       *time.Time        `json:"syncedAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	FailureReason  FailureReason     `json:"failureReason,omitempty"`
}

// EntityKey identifies the remote resource an operation targets
type EntityKey struct {
	Type string
	ID   string
}

func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

// Key returns the entity key of the operation
func (o *Operation) Key() EntityKey {
	return EntityKey{Type: o.EntityType, ID: o.EntityID}
}

// Terminal reports whether the operation will never be dispatched again
func (o *Operation) Terminal() bool {
	switch o.Status {
	case StatusSynced, StatusAbandoned:
		return true
	case StatusFailed:
		return o.NextEligibleAt == nil
	}
	return false
}

// Eligible reports whether the operation may be claimed at now
func (o *Operation) Eligible(now time.Time) bool {
	switch o.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return o.NextEligibleAt != nil && !o.NextEligibleAt.After(now)
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing
func (o *Operation) Clone() *Operation {
	c := *o
	if o.Payload != nil {
		c.Payload = append([]byte(nil), o.Payload...)
	}
	if o.Metadata != nil {
		c.Metadata = maps.Clone(o.Metadata)
	}
	if o.NextEligibleAt != nil {
		t := *o.NextEligibleAt
		c.NextEligibleAt = &t
	}
	if o.SyncedAt != nil {
		t := *o.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// Filter narrows listings of operations. The zero value matches everything.
type Filter struct {
	EntityType    string
	OperationType OperationType
}

// Matches reports whether o passes the filter
func (f Filter) Matches(o *Operation) bool {
	if f.EntityType != "" && o.EntityType != f.EntityType {
		return false
	}
	if f.OperationType != "" && o.Type != f.OperationType {
		return false
	}
	return true
}

// Ms truncates t to millisecond precision, the resolution operations are stored at
func Ms(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
