package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed DurableStore.
//
// It keeps the full durable model in a single file database and is the
// recommended store for development and single-node deployments:
//   - Zero setup: the file (or ":memory:") is created on open
//   - Auto-migration on first use
//   - WAL mode so readers do not block the writer
//
// For multi-node deployments use PostgresStore or MySQLStore.
//
// Example:
//
//	store, err := NewSQLiteStore("./pythmata.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
type SQLiteStore struct {
	sqlDurableStore
	path string
}

type sqliteDialect struct{}

func (sqliteDialect) insertInstanceSQL() string {
	return `
		INSERT INTO instances (id, definition_id, status, start_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
}

func (sqliteDialect) upsertVariableSQL() string {
	return `
		INSERT INTO variables (id, instance_id, scope_id, name, type, value, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (instance_id, scope_id, name) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			version = variables.version + 1`
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlDurableStore: sqlDurableStore{db: db, dialect: sqliteDialect{}},
		path:            path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			version              INTEGER NOT NULL DEFAULT 1,
			bpmn_xml             TEXT NOT NULL,
			variable_definitions TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id            TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL REFERENCES definitions(id),
			status        TEXT NOT NULL,
			start_time    TIMESTAMP NOT NULL,
			end_time      TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_definition
			ON instances(definition_id)`,
		`CREATE TABLE IF NOT EXISTS variables (
			id          TEXT NOT NULL,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			scope_id    TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL,
			type        TEXT NOT NULL,
			value       TEXT NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (instance_id, scope_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id            TEXT PRIMARY KEY,
			instance_id   TEXT NOT NULL REFERENCES instances(id),
			activity_type TEXT NOT NULL,
			node_id       TEXT,
			details       TEXT NOT NULL DEFAULT '{}',
			timestamp     TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_instance
			ON activity_logs(instance_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
