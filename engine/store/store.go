// Package store defines the engine's two persistence surfaces and their
// implementations: the durable store (record of truth for definitions,
// instances, variables and the activity log) and the fast store (ephemeral
// coordination state: tokens, locks, subscriptions, timer metadata).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record or key does not exist.
var ErrNotFound = errors.New("not found")

// InstanceStatus is the lifecycle state of a process instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "RUNNING"
	StatusSuspended InstanceStatus = "SUSPENDED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusError     InstanceStatus = "ERROR"
)

// ActivityType enumerates the audit trail entries written to the durable
// activity log.
type ActivityType string

const (
	ActivityInstanceCreated     ActivityType = "INSTANCE_CREATED"
	ActivityInstanceStarted     ActivityType = "INSTANCE_STARTED"
	ActivityNodeEntered         ActivityType = "NODE_ENTERED"
	ActivityNodeCompleted       ActivityType = "NODE_COMPLETED"
	ActivityServiceTaskExecuted ActivityType = "SERVICE_TASK_EXECUTED"
	ActivityInstanceSuspended   ActivityType = "INSTANCE_SUSPENDED"
	ActivityInstanceResumed     ActivityType = "INSTANCE_RESUMED"
	ActivityInstanceCompleted   ActivityType = "INSTANCE_COMPLETED"
	ActivityInstanceError       ActivityType = "INSTANCE_ERROR"
)

// ValueType is the declared type of a process variable. Variables are
// dynamically typed in authored processes; the engine stores the
// discriminator alongside the value so round trips preserve types.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeBoolean ValueType = "boolean"
	TypeJSON    ValueType = "json"
)

// VariableDefinition declares an instance variable on a process definition.
type VariableDefinition struct {
	Name         string    `json:"name"`
	Type         ValueType `json:"type"`
	Required     bool      `json:"required,omitempty"`
	DefaultValue any       `json:"default_value,omitempty"`
}

// ProcessDefinition is the immutable (per version) source of truth for a
// process graph.
type ProcessDefinition struct {
	ID                  string
	Name                string
	Version             int
	BpmnXML             string
	VariableDefinitions []VariableDefinition
}

// ProcessInstance is a single execution of a definition.
type ProcessInstance struct {
	ID           string
	DefinitionID string
	Status       InstanceStatus
	StartTime    time.Time
	EndTime      *time.Time
}

// Variable is one durable variable row, unique per
// (instance, scope, name). Version increments on every write.
type Variable struct {
	ID         string
	InstanceID string
	ScopeID    string // empty for instance-level variables
	Name       string
	Type       ValueType
	Value      any
	Version    int
}

// ActivityLog is one append-only audit row.
type ActivityLog struct {
	ID           string
	InstanceID   string
	ActivityType ActivityType
	NodeID       string
	Details      map[string]any
	Timestamp    time.Time
}

// DurableStore is the transactional record of truth.
//
// Lifecycle mutations that also emit an audit entry (UpdateInstanceStatus)
// are applied in a single transaction so a crash cannot record a state
// change without its log row, or vice versa.
type DurableStore interface {
	// Definitions are immutable per version and never updated.
	CreateDefinition(ctx context.Context, def *ProcessDefinition) error
	GetDefinition(ctx context.Context, id string) (*ProcessDefinition, error)
	ListDefinitions(ctx context.Context) ([]*ProcessDefinition, error)

	// CreateInstance is idempotent on the instance ID: when a row already
	// exists the call succeeds with created=false and the stored row is
	// left untouched. This backs the duplicate process.started guard.
	CreateInstance(ctx context.Context, inst *ProcessInstance) (created bool, err error)
	GetInstance(ctx context.Context, id string) (*ProcessInstance, error)
	ListInstances(ctx context.Context, definitionID string) ([]*ProcessInstance, error)

	// UpdateInstanceStatus transitions the instance and appends the given
	// activity entry atomically. endTime is set when non-nil.
	UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, endTime *time.Time, entry *ActivityLog) error

	// UpsertVariable writes one variable row keyed by
	// (instance, scope, name), bumping its version.
	UpsertVariable(ctx context.Context, v *Variable) error
	ListVariables(ctx context.Context, instanceID, scopeID string) ([]*Variable, error)

	AppendActivity(ctx context.Context, entry *ActivityLog) error
	ListActivities(ctx context.Context, instanceID string) ([]*ActivityLog, error)

	Close() error
}

// FastStore is the coordination store: token lists, variable cache, TTL
// locks, subscriptions and timer metadata. Implementations must provide
// atomic multi-key mutation through Pipeline so a crash between steps
// cannot leave orphan keys.
type FastStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Keys returns the keys matching a glob pattern ("process:x:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	ListRange(ctx context.Context, key string) ([][]byte, error)
	ListPush(ctx context.Context, key string, vals ...[]byte) error

	HashGet(ctx context.Context, key, field string) ([]byte, error)
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HashSet(ctx context.Context, key, field string, val []byte) error
	HashDel(ctx context.Context, key string, fields ...string) error

	// AcquireLock takes a TTL-guarded mutex, returning false when another
	// holder owns it. RefreshLock extends the TTL mid-operation.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key string) error

	// Pipeline starts a transactional batch. Queued mutations apply
	// atomically on Exec.
	Pipeline() Pipeline

	Close() error
}

// Pipeline queues fast-store mutations for atomic execution.
type Pipeline interface {
	Set(key string, val []byte, ttl time.Duration)
	Del(keys ...string)
	ListPush(key string, vals ...[]byte)
	HashSet(key, field string, val []byte)
	HashDel(key string, fields ...string)

	// Exec applies every queued mutation atomically.
	Exec(ctx context.Context) error
}
