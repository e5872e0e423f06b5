package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ereezyy/synai-sync/internal/db"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/rs/zerolog/log"
)

// sqlQuerier is satisfied by *sql.DB and *sql.Tx
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the device-local store backed by modernc.org/sqlite
type SQLiteStore struct {
	db   *sql.DB
	feed *feed
}

// OpenSQLite opens the queue database at path and creates the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, syncop.Storage("open", err)
	}
	s := NewSQLite(conn)
	if err := s.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an already opened database. Call InitSchema before use.
func NewSQLite(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn, feed: newFeed()}
}

// InitSchema creates tables and indexes if they don't exist
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return syncop.Storage("init schema", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	return sqliteReader{q: s.db}.Get(ctx, id)
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*syncop.Operation, error) {
	return sqliteReader{q: s.db}.List(ctx, q)
}

func (s *SQLiteStore) Count(ctx context.Context, q Query) (int, error) {
	return sqliteReader{q: s.db}.Count(ctx, q)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[syncop.Status]int, error) {
	return sqliteReader{q: s.db}.CountByStatus(ctx)
}

// InTx runs fn inside an immediate transaction
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncop.Storage("begin", err)
	}
	defer sqlTx.Rollback()

	tx := &sqliteTx{sqliteReader: sqliteReader{q: sqlTx}}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return syncop.Storage("commit", err)
	}
	if tx.dirty {
		s.feed.publish()
	}
	return nil
}

func (s *SQLiteStore) Subscribe() (<-chan struct{}, func()) {
	return s.feed.subscribe()
}

func (s *SQLiteStore) Close() error {
	s.feed.closeAll()
	return s.db.Close()
}

type sqliteReader struct {
	q sqlQuerier
}

func (r sqliteReader) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	stmt, args := selectSQL(dialectSQLite, Query{IDs: []string{id}})
	op, err := scanOperation(r.q.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncop.ErrNotFound
	}
	if err != nil {
		return nil, syncop.Storage("get", err)
	}
	return op, nil
}

func (r sqliteReader) List(ctx context.Context, q Query) ([]*syncop.Operation, error) {
	stmt, args := selectSQL(dialectSQLite, q)
	return r.query(ctx, "list", stmt, args)
}

func (r sqliteReader) query(ctx context.Context, op, stmt string, args []any) ([]*syncop.Operation, error) {
	rows, err := r.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, syncop.Storage(op, err)
	}
	defer rows.Close()

	var out []*syncop.Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, syncop.Storage(op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, syncop.Storage(op, err)
	}
	return out, nil
}

func (r sqliteReader) Count(ctx context.Context, q Query) (int, error) {
	stmt, args := countSQL(dialectSQLite, q)
	var n int
	if err := r.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, syncop.Storage("count", err)
	}
	return n, nil
}

func (r sqliteReader) CountByStatus(ctx context.Context) (map[syncop.Status]int, error) {
	rows, err := r.q.QueryContext(ctx, countByStatusSQL)
	if err != nil {
		return nil, syncop.Storage("count by status", err)
	}
	defer rows.Close()

	counts := make(map[syncop.Status]int, len(syncop.AllStatuses))
	for _, st := range syncop.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, syncop.Storage("count by status", err)
		}
		counts[syncop.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, syncop.Storage("count by status", err)
	}
	return counts, nil
}

type sqliteTx struct {
	sqliteReader
	dirty bool
}

func (t *sqliteTx) Insert(ctx context.Context, op *syncop.Operation) error {
	stmt, args, err := insertSQL(dialectSQLite, op)
	if err != nil {
		return err
	}
	if err := t.q.QueryRowContext(ctx, stmt, args...).Scan(&op.Seq); err != nil {
		return syncop.Storage("insert", err)
	}
	t.dirty = true
	return nil
}

func (t *sqliteTx) Update(ctx context.Context, op *syncop.Operation) error {
	stmt, args, err := updateSQL(dialectSQLite, op)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return syncop.Storage("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return syncop.Storage("update", err)
	}
	if n == 0 {
		return syncop.ErrNotFound
	}
	t.dirty = true
	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, q Query) (int, error) {
	stmt, args, err := deleteSQL(dialectSQLite, q)
	if err != nil {
		return 0, err
	}
	res, err := t.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, syncop.Storage("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncop.Storage("delete", err)
	}
	if n > 0 {
		t.dirty = true
	}
	return int(n), nil
}

// LockEntity is a no-op: SQLite transactions begin IMMEDIATE on a single
// connection and never interleave
func (t *sqliteTx) LockEntity(ctx context.Context, entityType, entityID string) error {
	return nil
}

func (t *sqliteTx) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*syncop.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	stmt, args := claimableSQL(dialectSQLite, now, limit)
	ops, err := t.query(ctx, "list claimable", stmt, args)
	if err != nil {
		log.Error().Err(err).Msg("failed to list claimable operations")
	}
	return ops, err
}
