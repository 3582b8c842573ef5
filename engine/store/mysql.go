package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed DurableStore for multi-node deployments.
//
// The DSN must enable parseTime so DATETIME columns scan into time.Time:
//
//	store, err := NewMySQLStore("user:pass@tcp(localhost:3306)/pythmata?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
type MySQLStore struct {
	sqlDurableStore
}

type mysqlDialect struct{}

func (mysqlDialect) insertInstanceSQL() string {
	return `
		INSERT IGNORE INTO instances (id, definition_id, status, start_time)
		VALUES (?, ?, ?, ?)`
}

func (mysqlDialect) upsertVariableSQL() string {
	return `
		INSERT INTO variables (id, instance_id, scope_id, name, type, value, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE
			type = VALUES(type),
			value = VALUES(value),
			version = version + 1`
}

// NewMySQLStore connects with the given DSN and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{sqlDurableStore{db: db, dialect: mysqlDialect{}}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id                   VARCHAR(255) PRIMARY KEY,
			name                 VARCHAR(255) NOT NULL,
			version              INT NOT NULL DEFAULT 1,
			bpmn_xml             LONGTEXT NOT NULL,
			variable_definitions JSON NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id            VARCHAR(255) PRIMARY KEY,
			definition_id VARCHAR(255) NOT NULL,
			status        VARCHAR(32) NOT NULL,
			start_time    DATETIME(6) NOT NULL,
			end_time      DATETIME(6),
			INDEX idx_instances_definition (definition_id)
		)`,
		`CREATE TABLE IF NOT EXISTS variables (
			id          VARCHAR(255) NOT NULL,
			instance_id VARCHAR(255) NOT NULL,
			scope_id    VARCHAR(512) NOT NULL DEFAULT '',
			name        VARCHAR(255) NOT NULL,
			type        VARCHAR(16) NOT NULL,
			value       JSON NOT NULL,
			version     INT NOT NULL DEFAULT 1,
			PRIMARY KEY (instance_id, scope_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id            VARCHAR(255) PRIMARY KEY,
			instance_id   VARCHAR(255) NOT NULL,
			activity_type VARCHAR(64) NOT NULL,
			node_id       VARCHAR(255),
			details       JSON NOT NULL,
			timestamp     DATETIME(6) NOT NULL,
			INDEX idx_activity_logs_instance (instance_id, timestamp)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
