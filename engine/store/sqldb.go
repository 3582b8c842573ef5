package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// sqlDialect captures the statements that differ between SQLite and
// MySQL. Both use ? placeholders, so everything else is shared.
type sqlDialect interface {
	// insertInstanceSQL must ignore an existing row rather than fail.
	insertInstanceSQL() string
	// upsertVariableSQL must bump version on conflict with
	// (instance_id, scope_id, name).
	upsertVariableSQL() string
}

// sqlDurableStore implements DurableStore on database/sql. SQLiteStore
// and MySQLStore embed it and supply the dialect plus schema migration.
type sqlDurableStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func (s *sqlDurableStore) CreateDefinition(ctx context.Context, def *ProcessDefinition) error {
	varDefs, err := json.Marshal(def.VariableDefinitions)
	if err != nil {
		return fmt.Errorf("marshal variable definitions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, version, bpmn_xml, variable_definitions)
		VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, def.BpmnXML, string(varDefs))
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (s *sqlDurableStore) GetDefinition(ctx context.Context, id string) (*ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, bpmn_xml, variable_definitions
		FROM definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *sqlDurableStore) ListDefinitions(ctx context.Context) ([]*ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, bpmn_xml, variable_definitions
		FROM definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []*ProcessDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*ProcessDefinition, error) {
	var def ProcessDefinition
	var varDefs string
	err := row.Scan(&def.ID, &def.Name, &def.Version, &def.BpmnXML, &varDefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	if varDefs != "" {
		if err := json.Unmarshal([]byte(varDefs), &def.VariableDefinitions); err != nil {
			return nil, fmt.Errorf("unmarshal variable definitions: %w", err)
		}
	}
	return &def, nil
}

func (s *sqlDurableStore) CreateInstance(ctx context.Context, inst *ProcessInstance) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.insertInstanceSQL(),
		inst.ID, inst.DefinitionID, string(inst.Status), inst.StartTime.UTC())
	if err != nil {
		return false, fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert instance: %w", err)
	}
	return n > 0, nil
}

func (s *sqlDurableStore) GetInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, status, start_time, end_time
		FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *sqlDurableStore) ListInstances(ctx context.Context, definitionID string) ([]*ProcessInstance, error) {
	query := `
		SELECT id, definition_id, status, start_time, end_time
		FROM instances`
	var args []any
	if definitionID != "" {
		query += ` WHERE definition_id = ?`
		args = append(args, definitionID)
	}
	query += ` ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*ProcessInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*ProcessInstance, error) {
	var inst ProcessInstance
	var status string
	var endTime sql.NullTime
	err := row.Scan(&inst.ID, &inst.DefinitionID, &status, &inst.StartTime, &endTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = InstanceStatus(status)
	if endTime.Valid {
		t := endTime.Time
		inst.EndTime = &t
	}
	return &inst, nil
}

func (s *sqlDurableStore) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, endTime *time.Time, entry *ActivityLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var end any
	if endTime != nil {
		end = endTime.UTC()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE instances SET status = ?, end_time = COALESCE(?, end_time)
		WHERE id = ?`, string(status), end, id)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if entry != nil {
		if err := insertActivity(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

func (s *sqlDurableStore) UpsertVariable(ctx context.Context, v *Variable) error {
	value, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("marshal variable value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertVariableSQL(),
		v.ID, v.InstanceID, v.ScopeID, v.Name, string(v.Type), string(value))
	if err != nil {
		return fmt.Errorf("upsert variable: %w", err)
	}
	return nil
}

func (s *sqlDurableStore) ListVariables(ctx context.Context, instanceID, scopeID string) ([]*Variable, error) {
	query := `
		SELECT id, instance_id, scope_id, name, type, value, version
		FROM variables WHERE instance_id = ?`
	args := []any{instanceID}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	var out []*Variable
	for rows.Next() {
		var v Variable
		var typ, value string
		if err := rows.Scan(&v.ID, &v.InstanceID, &v.ScopeID, &v.Name, &typ, &value, &v.Version); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		v.Type = ValueType(typ)
		if err := json.Unmarshal([]byte(value), &v.Value); err != nil {
			return nil, fmt.Errorf("unmarshal variable value: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *sqlDurableStore) AppendActivity(ctx context.Context, entry *ActivityLog) error {
	return insertActivity(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertActivity(ctx context.Context, db execer, entry *ActivityLog) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, instance_id, activity_type, node_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, string(entry.ActivityType), entry.NodeID, string(details), ts.UTC())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *sqlDurableStore) ListActivities(ctx context.Context, instanceID string) ([]*ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, activity_type, node_id, details, timestamp
		FROM activity_logs WHERE instance_id = ? ORDER BY timestamp, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		var entry ActivityLog
		var typ, details string
		var nodeID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.InstanceID, &typ, &nodeID, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.ActivityType = ActivityType(typ)
		entry.NodeID = nodeID.String
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *sqlDurableStore) Close() error {
	return s.db.Close()
}
