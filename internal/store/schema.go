package store

// Schema is created idempotently on open. Timestamps are Unix milliseconds.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_operation (
		seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
		id                  TEXT    NOT NULL UNIQUE,
		entity_type         TEXT    NOT NULL,
		entity_id           TEXT    NOT NULL,
		operation_type      TEXT    NOT NULL CHECK (operation_type IN ('CREATE', 'UPDATE', 'DELETE')),
		payload             BLOB,
		priority            INTEGER NOT NULL DEFAULT 0,
		status              TEXT    NOT NULL CHECK (status IN ('PENDING', 'IN_FLIGHT', 'SYNCED', 'FAILED', 'ABANDONED')),
		retry_count         INTEGER NOT NULL DEFAULT 0,
		created_at_ms       INTEGER NOT NULL,
		updated_at_ms       INTEGER NOT NULL,
		next_eligible_at_ms INTEGER,
		synced_at_ms        INTEGER,
		metadata            TEXT,
		last_error          TEXT    NOT NULL DEFAULT '',
		failure_reason      TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_status ON sync_operation (status, next_eligible_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_entity ON sync_operation (entity_type, entity_id, created_at_ms, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_order ON sync_operation (created_at_ms, seq)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_operation (
		seq                 BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		id                  TEXT    NOT NULL UNIQUE,
		entity_type         TEXT    NOT NULL,
		entity_id           TEXT    NOT NULL,
		operation_type      TEXT    NOT NULL CHECK (operation_type IN ('CREATE', 'UPDATE', 'DELETE')),
		payload             BYTEA,
		priority            INTEGER NOT NULL DEFAULT 0,
		status              TEXT    NOT NULL CHECK (status IN ('PENDING', 'IN_FLIGHT', 'SYNCED', 'FAILED', 'ABANDONED')),
		retry_count         INTEGER NOT NULL DEFAULT 0,
		created_at_ms       BIGINT  NOT NULL,
		updated_at_ms       BIGINT  NOT NULL,
		next_eligible_at_ms BIGINT,
		synced_at_ms        BIGINT,
		metadata            JSONB,
		last_error          TEXT    NOT NULL DEFAULT '',
		failure_reason      TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_status ON sync_operation (status, next_eligible_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_entity ON sync_operation (entity_type, entity_id, created_at_ms, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operation_order ON sync_operation (created_at_ms, seq)`,
}
