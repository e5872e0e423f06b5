package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ereezyy/synai-sync/internal/db"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the PostgreSQL channel carrying change signals between processes
const NotifyChannel = "sync_operation_changed"

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a shared store backed by pgx. Committed changes are
// announced with pg_notify so observers in other processes stay current.
type PostgresStore struct {
	pool *pgxpool.Pool
	feed *feed

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenPostgres connects, creates the schema and starts the change listener
func OpenPostgres(ctx context.Context, url string, opts db.PoolOptions) (*PostgresStore, error) {
	pool, err := db.Open(ctx, url, opts)
	if err != nil {
		return nil, syncop.Storage("open", err)
	}
	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool, creating the schema and starting the listener
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, feed: newFeed()}
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(listenCtx)

	return s, nil
}

// InitSchema creates tables and indexes if they don't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return syncop.Storage("init schema", err)
		}
	}
	return nil
}

// listen relays NOTIFY signals to local subscribers, reconnecting with
// exponential backoff until the store is closed
func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	reconnect := false
	op := func() error {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()

		if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			return err
		}
		b.Reset()
		if reconnect {
			// Changes may have happened while disconnected
			s.feed.publish()
		}
		reconnect = true

		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			s.feed.publish()
		}
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("postgres change listener disconnected")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("postgres change listener stopped")
	}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	return pgReader{q: s.pool}.Get(ctx, id)
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*syncop.Operation, error) {
	return pgReader{q: s.pool}.List(ctx, q)
}

func (s *PostgresStore) Count(ctx context.Context, q Query) (int, error) {
	return pgReader{q: s.pool}.Count(ctx, q)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[syncop.Status]int, error) {
	return pgReader{q: s.pool}.CountByStatus(ctx)
}

// InTx runs fn in a transaction and notifies listeners when it changed anything
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncop.Storage("begin", err)
	}
	defer pgTx.Rollback(ctx)

	tx := &pgTxn{pgReader: pgReader{q: pgTx, forUpdate: true}}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.dirty {
		// Delivered to listeners only if the transaction commits
		if _, err := pgTx.Exec(ctx, "SELECT pg_notify($1, '')", NotifyChannel); err != nil {
			return syncop.Storage("notify", err)
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return syncop.Storage("commit", err)
	}
	if tx.dirty {
		s.feed.publish()
	}
	return nil
}

func (s *PostgresStore) Subscribe() (<-chan struct{}, func()) {
	return s.feed.subscribe()
}

func (s *PostgresStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.feed.closeAll()
	s.pool.Close()
	return nil
}

type pgReader struct {
	q pgQuerier

	// forUpdate row-locks what Get and List return so a read-modify-write
	// cannot overwrite a claim committed in between
	forUpdate bool
}

func (r pgReader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (r pgReader) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	stmt, args := selectSQL(dialectPostgres, Query{IDs: []string{id}})
	op, err := scanOperation(r.q.QueryRow(ctx, stmt+r.lockClause(), args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, syncop.ErrNotFound
	}
	if err != nil {
		return nil, syncop.Storage("get", err)
	}
	return op, nil
}

func (r pgReader) List(ctx context.Context, q Query) ([]*syncop.Operation, error) {
	stmt, args := selectSQL(dialectPostgres, q)
	return r.query(ctx, "list", stmt+r.lockClause(), args)
}

func (r pgReader) query(ctx context.Context, op, stmt string, args []any) ([]*syncop.Operation, error) {
	rows, err := r.q.Query(ctx, stmt, args...)
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

func (r pgReader) Count(ctx context.Context, q Query) (int, error) {
	stmt, args := countSQL(dialectPostgres, q)
	var n int
	if err := r.q.QueryRow(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, syncop.Storage("count", err)
	}
	return n, nil
}

func (r pgReader) CountByStatus(ctx context.Context) (map[syncop.Status]int, error) {
	rows, err := r.q.Query(ctx, countByStatusSQL)
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

type pgTxn struct {
	pgReader
	dirty bool
}

func (t *pgTxn) Insert(ctx context.Context, op *syncop.Operation) error {
	stmt, args, err := insertSQL(dialectPostgres, op)
	if err != nil {
		return err
	}
	if err := t.q.QueryRow(ctx, stmt, args...).Scan(&op.Seq); err != nil {
		return syncop.Storage("insert", err)
	}
	t.dirty = true
	return nil
}

func (t *pgTxn) Update(ctx context.Context, op *syncop.Operation) error {
	stmt, args, err := updateSQL(dialectPostgres, op)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, stmt, args...)
	if err != nil {
		return syncop.Storage("update", err)
	}
	if tag.RowsAffected() == 0 {
		return syncop.ErrNotFound
	}
	t.dirty = true
	return nil
}

func (t *pgTxn) Delete(ctx context.Context, q Query) (int, error) {
	stmt, args, err := deleteSQL(dialectPostgres, q)
	if err != nil {
		return 0, err
	}
	tag, err := t.q.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, syncop.Storage("delete", err)
	}
	if tag.RowsAffected() > 0 {
		t.dirty = true
	}
	return int(tag.RowsAffected()), nil
}

// LockEntity takes a transaction-scoped advisory lock keyed by the entity, so
// two enqueues for an entity with no live rows still run one after the other
func (t *pgTxn) LockEntity(ctx context.Context, entityType, entityID string) error {
	if _, err := t.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", entityType+"/"+entityID); err != nil {
		return syncop.Storage("lock entity", err)
	}
	return nil
}

func (t *pgTxn) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*syncop.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	stmt, args := claimableSQL(dialectPostgres, now, limit)
	return t.query(ctx, "list claimable", stmt, args)
}
