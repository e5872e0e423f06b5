package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) placeholder(n int) string {
	if d == dialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

const operationColumns = `id, seq, entity_type, entity_id, operation_type, payload, priority,
	status, retry_count, created_at_ms, updated_at_ms, next_eligible_at_ms,
	synced_at_ms, metadata, last_error, failure_reason`

// terminalCond matches SYNCED, ABANDONED and FAILED operations with no further eligibility
const terminalCond = `(status IN ('SYNCED', 'ABANDONED') OR (status = 'FAILED' AND next_eligible_at_ms IS NULL))`

// builder accumulates positional arguments for one statement
type builder struct {
	d    dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *builder) list(n int, v func(i int) any) string {
	ph := make([]string, n)
	for i := 0; i < n; i++ {
		ph[i] = b.arg(v(i))
	}
	return strings.Join(ph, ", ")
}

// where renders the filter part of q
func (b *builder) where(q Query) string {
	var conds []string

	if len(q.IDs) > 0 {
		conds = append(conds, "id IN ("+b.list(len(q.IDs), func(i int) any { return q.IDs[i] })+")")
	}
	if len(q.Statuses) > 0 {
		conds = append(conds, "status IN ("+b.list(len(q.Statuses), func(i int) any { return string(q.Statuses[i]) })+")")
	}
	if q.EntityType != "" {
		conds = append(conds, "entity_type = "+b.arg(q.EntityType))
	}
	if q.EntityID != "" {
		conds = append(conds, "entity_id = "+b.arg(q.EntityID))
	}
	if q.OperationType != "" {
		conds = append(conds, "operation_type = "+b.arg(string(q.OperationType)))
	}
	if q.TerminalOnly {
		conds = append(conds, terminalCond)
	}
	if q.InFlightBefore != nil {
		conds = append(conds, "status = 'IN_FLIGHT' AND updated_at_ms < "+b.arg(q.InFlightBefore.UnixMilli()))
	}
	if !q.After.IsZero() {
		ms := b.arg(q.After.Ms)
		ms2 := b.arg(q.After.Ms)
		seq := b.arg(q.After.Seq)
		conds = append(conds, fmt.Sprintf("(created_at_ms > %s OR (created_at_ms = %s AND seq > %s))", ms, ms2, seq))
	}

	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (b *builder) limit(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + b.arg(n)
}

func selectSQL(d dialect, q Query) (string, []any) {
	b := &builder{d: d}
	sql := "SELECT " + operationColumns + " FROM sync_operation" + b.where(q) +
		" ORDER BY created_at_ms ASC, seq ASC" + b.limit(q.Limit)
	return sql, b.args
}

func countSQL(d dialect, q Query) (string, []any) {
	b := &builder{d: d}
	return "SELECT COUNT(*) FROM sync_operation" + b.where(q), b.args
}

func deleteSQL(d dialect, q Query) (string, []any, error) {
	b := &builder{d: d}
	w := b.where(q)
	if w == "" {
		return "", nil, fmt.Errorf("%w: refusing unfiltered delete", syncop.ErrValidation)
	}
	return "DELETE FROM sync_operation" + w, b.args, nil
}

const countByStatusSQL = `SELECT status, COUNT(*) FROM sync_operation GROUP BY status`

// claimableSQL selects eligible entity heads. An operation is blocked when its
// entity has anything IN_FLIGHT or an earlier operation that is still live
// (PENDING or retryable FAILED).
func claimableSQL(d dialect, now time.Time, limit int) (string, []any) {
	b := &builder{d: d}
	nowArg := b.arg(now.UnixMilli())
	sql := `SELECT ` + prefixed("o.", operationColumns) + `
		FROM sync_operation o
		WHERE (o.status = 'PENDING'
			OR (o.status = 'FAILED' AND o.next_eligible_at_ms IS NOT NULL AND o.next_eligible_at_ms <= ` + nowArg + `))
		AND NOT EXISTS (
			SELECT 1 FROM sync_operation p
			WHERE p.entity_type = o.entity_type
			AND p.entity_id = o.entity_id
			AND p.seq <> o.seq
			AND (p.status = 'IN_FLIGHT'
				OR ((p.status = 'PENDING' OR (p.status = 'FAILED' AND p.next_eligible_at_ms IS NOT NULL))
					AND (p.created_at_ms < o.created_at_ms
						OR (p.created_at_ms = o.created_at_ms AND p.seq < o.seq))))
		)
		ORDER BY o.priority DESC, o.created_at_ms ASC, o.seq ASC` + b.limit(limit)
	if d == dialectPostgres {
		sql += " FOR UPDATE OF o SKIP LOCKED"
	}
	return sql, b.args
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

const updateColumns = `payload, priority, status, retry_count, updated_at_ms,
	next_eligible_at_ms, synced_at_ms, metadata, last_error, failure_reason`

func insertSQL(d dialect, op *syncop.Operation) (string, []any, error) {
	meta, err := encodeMetadata(op.Metadata)
	if err != nil {
		return "", nil, err
	}
	b := &builder{d: d}
	vals := []string{
		b.arg(op.ID), b.arg(op.EntityType), b.arg(op.EntityID), b.arg(string(op.Type)),
		b.arg(op.Payload), b.arg(op.Priority), b.arg(string(op.Status)), b.arg(op.RetryCount),
		b.arg(op.CreatedAt.UnixMilli()), b.arg(op.UpdatedAt.UnixMilli()),
		b.arg(syncx.MsPtr(op.NextEligibleAt)), b.arg(syncx.MsPtr(op.SyncedAt)),
		b.arg(meta), b.arg(op.LastError), b.arg(string(op.FailureReason)),
	}
	sql := `INSERT INTO sync_operation (id, entity_type, entity_id, operation_type, payload, priority,
		status, retry_count, created_at_ms, updated_at_ms, next_eligible_at_ms, synced_at_ms,
		metadata, last_error, failure_reason) VALUES (` + strings.Join(vals, ", ") + `) RETURNING seq`
	return sql, b.args, nil
}

func updateSQL(d dialect, op *syncop.Operation) (string, []any, error) {
	meta, err := encodeMetadata(op.Metadata)
	if err != nil {
		return "", nil, err
	}
	b := &builder{d: d}
	cols := strings.Split(updateColumns, ",")
	vals := []any{
		op.Payload, op.Priority, string(op.Status), op.RetryCount, op.UpdatedAt.UnixMilli(),
		syncx.MsPtr(op.NextEligibleAt), syncx.MsPtr(op.SyncedAt), meta, op.LastError, string(op.FailureReason),
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = strings.TrimSpace(c) + " = " + b.arg(vals[i])
	}
	sql := "UPDATE sync_operation SET " + strings.Join(sets, ", ") + " WHERE id = " + b.arg(op.ID)
	return sql, b.args, nil
}

// encodeMetadata returns nil for empty metadata so the column stays NULL
func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*syncop.Operation, error) {
	var (
		op               syncop.Operation
		typ, status      string
		reason           string
		created, updated int64
		next, synced     *int64
		meta             []byte
	)
	err := row.Scan(&op.ID, &op.Seq, &op.EntityType, &op.EntityID, &typ, &op.Payload, &op.Priority,
		&status, &op.RetryCount, &created, &updated, &next, &synced, &meta, &op.LastError, &reason)
	if err != nil {
		return nil, err
	}

	op.Type = syncop.OperationType(typ)
	op.Status = syncop.Status(status)
	op.FailureReason = syncop.FailureReason(reason)
	op.CreatedAt = time.UnixMilli(created).UTC()
	op.UpdatedAt = time.UnixMilli(updated).UTC()
	op.NextEligibleAt = syncx.TimePtr(next)
	op.SyncedAt = syncx.TimePtr(synced)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &op.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", op.ID, err)
		}
	}
	return &op, nil
}
