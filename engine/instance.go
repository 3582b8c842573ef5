package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/emit"
	"github.com/pythmata/pythmata-go/engine/store"
)

// TransactionStatus is the lifecycle of a transaction subprocess.
type TransactionStatus string

const (
	TxActive       TransactionStatus = "ACTIVE"
	TxCommitted    TransactionStatus = "COMMITTED"
	TxCompensating TransactionStatus = "COMPENSATING"
	TxCompensated  TransactionStatus = "COMPENSATED"
	TxFailed       TransactionStatus = "FAILED"
)

// TransactionContext tracks the instance's transaction subprocess. At
// most one transaction may be active per instance.
type TransactionContext struct {
	TransactionID       string            `json:"transaction_id"`
	InstanceID          string            `json:"instance_id"`
	Status              TransactionStatus `json:"status"`
	CompletedActivities []string          `json:"completed_activities,omitempty"`
}

// CreateInstanceRequest carries everything needed to create and start an
// instance. InstanceID may be pre-assigned (timer fires, call
// activities); when empty a UUID is minted.
type CreateInstanceRequest struct {
	DefinitionID string
	InstanceID   string
	Variables    map[string]any
	StartEventID string

	// Parent linkage for call-activity children.
	ParentInstanceID string
	ParentActivityID string

	// Source labels the audit row ("api", "timer_scheduler", "call_activity").
	Source string
}

// InstanceManager owns durable instance records and lifecycle
// transitions, and coordinates the fast-store cleanup tied to them.
type InstanceManager struct {
	durable store.DurableStore
	fast    store.FastStore
	tokens  *TokenManager
	vars    *VariableManager
	emitter emit.Emitter
	graphs  *graphCache
}

// NewInstanceManager wires an instance manager over the two stores.
func NewInstanceManager(durable store.DurableStore, fast store.FastStore, tokens *TokenManager, vars *VariableManager, emitter emit.Emitter) *InstanceManager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &InstanceManager{
		durable: durable,
		fast:    fast,
		tokens:  tokens,
		vars:    vars,
		emitter: emitter,
		graphs:  newGraphCache(),
	}
}

// Graph parses (or returns the cached parse of) a definition's BPMN.
func (im *InstanceManager) Graph(ctx context.Context, definitionID string) (*bpmn.ProcessGraph, *store.ProcessDefinition, error) {
	def, err := im.durable.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load definition %s: %w", definitionID, err)
	}
	g, err := im.graphs.get(def)
	if err != nil {
		return nil, nil, err
	}
	return g, def, nil
}

// CreateInstance validates the definition, writes the instance row,
// hydrates initial variables and plants the initial token.
//
// Idempotent on the instance ID: when the row already exists (duplicate
// process.started delivery) the stored row is returned and variable
// hydration and token creation are skipped.
func (im *InstanceManager) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*store.ProcessInstance, error) {
	g, def, err := im.Graph(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	startID, err := resolveStartEvent(g, req.StartEventID)
	if err != nil {
		return nil, err
	}

	if req.InstanceID == "" {
		req.InstanceID = uuid.NewString()
	}
	inst := &store.ProcessInstance{
		ID:           req.InstanceID,
		DefinitionID: req.DefinitionID,
		Status:       store.StatusRunning,
		StartTime:    time.Now(),
	}
	created, err := im.durable.CreateInstance(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	if !created {
		return im.durable.GetInstance(ctx, req.InstanceID)
	}

	if err := im.vars.Hydrate(ctx, inst.ID, def.VariableDefinitions, req.Variables); err != nil {
		return nil, err
	}
	if _, err := im.tokens.CreateInitial(ctx, inst.ID, startID); err != nil {
		var tse *TokenStateError
		if !errors.As(err, &tse) {
			return nil, err
		}
		// Row was just created but a token exists: a concurrent worker
		// won the race after our insert; treat as duplicate delivery.
		return inst, nil
	}

	im.log(ctx, inst.ID, store.ActivityInstanceCreated, "", map[string]any{"source": req.Source})
	return inst, nil
}

// StartInstance plants the initial token for an instance whose row
// already exists (recovery paths). Variables are hydrated only when
// supplied.
func (im *InstanceManager) StartInstance(ctx context.Context, instanceID string, variables map[string]any, startEventID string) error {
	inst, err := im.durable.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	g, def, err := im.Graph(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	startID, err := resolveStartEvent(g, startEventID)
	if err != nil {
		return err
	}
	if len(variables) > 0 {
		if err := im.vars.Hydrate(ctx, instanceID, def.VariableDefinitions, variables); err != nil {
			return err
		}
	}
	if _, err := im.tokens.CreateInitial(ctx, instanceID, startID); err != nil {
		return err
	}
	im.log(ctx, instanceID, store.ActivityInstanceStarted, "", nil)
	return nil
}

// stateSnapshot is the record written under StateKey on suspend: enough
// to inspect a suspended instance from the fast store alone.
type stateSnapshot struct {
	InstanceID  string               `json:"instance_id"`
	Status      store.InstanceStatus `json:"status"`
	Tokens      []*Token             `json:"tokens"`
	Variables   map[string]any       `json:"variables,omitempty"`
	SuspendedAt time.Time            `json:"suspended_at"`
}

// Suspend moves RUNNING → SUSPENDED, preserving tokens, and writes the
// instance's state snapshot under StateKey.
func (im *InstanceManager) Suspend(ctx context.Context, instanceID string) error {
	inst, err := im.durable.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.StatusRunning {
		return fmt.Errorf("cannot suspend instance in state %s", inst.Status)
	}
	if err := im.transition(ctx, instanceID, store.StatusSuspended, nil, store.ActivityInstanceSuspended, nil); err != nil {
		return err
	}
	return im.writeSnapshot(ctx, instanceID)
}

// Resume moves SUSPENDED or ERROR → RUNNING and drops the suspend-time
// snapshot. The retained tokens are picked up by the next run loop entry.
func (im *InstanceManager) Resume(ctx context.Context, instanceID string) error {
	inst, err := im.durable.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.StatusSuspended && inst.Status != store.StatusError {
		return fmt.Errorf("cannot resume instance in state %s", inst.Status)
	}
	if err := im.transition(ctx, instanceID, store.StatusRunning, nil, store.ActivityInstanceResumed, nil); err != nil {
		return err
	}
	return im.fast.Del(ctx, store.StateKey(instanceID))
}

// writeSnapshot captures the live tokens and instance-level variables
// under StateKey.
func (im *InstanceManager) writeSnapshot(ctx context.Context, instanceID string) error {
	tokens, err := im.tokens.List(ctx, instanceID)
	if err != nil {
		return err
	}
	vars, err := im.vars.Context(ctx, instanceID, "")
	if err != nil {
		return err
	}
	snap := stateSnapshot{
		InstanceID:  instanceID,
		Status:      store.StatusSuspended,
		Tokens:      tokens,
		Variables:   map[string]any(vars),
		SuspendedAt: time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	return im.fast.Set(ctx, store.StateKey(instanceID), data, 0)
}

// Terminate forces any state → COMPLETED and clears every fast-store
// key belonging to the instance.
func (im *InstanceManager) Terminate(ctx context.Context, instanceID string) error {
	now := time.Now()
	if err := im.transition(ctx, instanceID, store.StatusCompleted, &now, store.ActivityInstanceCompleted, map[string]any{"terminated": true}); err != nil {
		return err
	}
	return im.cleanup(ctx, instanceID)
}

// SetErrorState moves the instance to ERROR, retaining tokens for
// diagnosis and resume.
func (im *InstanceManager) SetErrorState(ctx context.Context, instanceID, message string) error {
	var details map[string]any
	if message != "" {
		details = map[string]any{"error": message}
	}
	return im.transition(ctx, instanceID, store.StatusError, nil, store.ActivityInstanceError, details)
}

// Complete is called by the run loop when no live tokens remain. It
// records completion and sweeps the instance's fast-store keys.
func (im *InstanceManager) Complete(ctx context.Context, instanceID string) error {
	now := time.Now()
	if err := im.transition(ctx, instanceID, store.StatusCompleted, &now, store.ActivityInstanceCompleted, nil); err != nil {
		return err
	}
	return im.cleanup(ctx, instanceID)
}

// StartTransaction opens the instance's transaction context, rejecting a
// nested start.
func (im *InstanceManager) StartTransaction(ctx context.Context, instanceID, transactionID string) (*TransactionContext, error) {
	existing, err := im.Transaction(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == TxActive {
		return nil, &TransactionError{InstanceID: instanceID, Message: "transaction already active"}
	}
	tc := &TransactionContext{
		TransactionID: transactionID,
		InstanceID:    instanceID,
		Status:        TxActive,
	}
	return tc, im.saveTransaction(ctx, tc)
}

// CompleteTransaction commits the active transaction; completing without
// one is an error.
func (im *InstanceManager) CompleteTransaction(ctx context.Context, instanceID string) error {
	tc, err := im.Transaction(ctx, instanceID)
	if err != nil {
		return err
	}
	if tc == nil || tc.Status != TxActive {
		return &TransactionError{InstanceID: instanceID, Message: "no active transaction"}
	}
	tc.Status = TxCommitted
	return im.saveTransaction(ctx, tc)
}

// Transaction returns the stored transaction context, nil when none.
func (im *InstanceManager) Transaction(ctx context.Context, instanceID string) (*TransactionContext, error) {
	raw, err := im.fast.Get(ctx, store.TransactionKey(instanceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction: %w", err)
	}
	var tc TransactionContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tc, nil
}

func (im *InstanceManager) saveTransaction(ctx context.Context, tc *TransactionContext) error {
	data, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return im.fast.Set(ctx, store.TransactionKey(tc.InstanceID), data, 0)
}

// Variables reads the durable variable rows, scope-filtered when scope
// is non-empty.
func (im *InstanceManager) Variables(ctx context.Context, instanceID, scopeID string) ([]*store.Variable, error) {
	return im.durable.ListVariables(ctx, instanceID, scopeID)
}

// transition applies the status change and its audit row in one durable
// transaction, then emits the matching observability event.
func (im *InstanceManager) transition(ctx context.Context, instanceID string, status store.InstanceStatus, endTime *time.Time, activity store.ActivityType, details map[string]any) error {
	entry := &store.ActivityLog{
		ID:           uuid.NewString(),
		InstanceID:   instanceID,
		ActivityType: activity,
		Details:      details,
		Timestamp:    time.Now(),
	}
	if err := im.durable.UpdateInstanceStatus(ctx, instanceID, status, endTime, entry); err != nil {
		return fmt.Errorf("transition instance %s to %s: %w", instanceID, status, err)
	}
	meta := map[string]any{}
	for k, v := range details {
		meta[k] = v
	}
	im.emitter.Emit(emit.Event{InstanceID: instanceID, Type: string(activity), Meta: meta})
	return nil
}

// cleanup removes every fast-store key bound to the instance: tokens,
// variable cache, state snapshot, transaction context, subscriptions,
// compensation registry and the instance lock.
func (im *InstanceManager) cleanup(ctx context.Context, instanceID string) error {
	keys, err := im.fast.Keys(ctx, store.InstancePattern(instanceID))
	if err != nil {
		return fmt.Errorf("scan instance keys: %w", err)
	}
	subs, err := im.fast.Keys(ctx, store.SubscriptionPattern(instanceID))
	if err != nil {
		return fmt.Errorf("scan subscriptions: %w", err)
	}
	keys = append(keys, subs...)
	keys = append(keys, store.CompensationKey(instanceID), store.LockKey(instanceID))
	if err := im.fast.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cleanup instance keys: %w", err)
	}
	return nil
}

// log appends a non-lifecycle audit row and mirrors it to the emitter.
func (im *InstanceManager) log(ctx context.Context, instanceID string, activity store.ActivityType, nodeID string, details map[string]any) {
	_ = im.durable.AppendActivity(ctx, &store.ActivityLog{
		ID:           uuid.NewString(),
		InstanceID:   instanceID,
		ActivityType: activity,
		NodeID:       nodeID,
		Details:      details,
		Timestamp:    time.Now(),
	})
	im.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Type:       string(activity),
		Meta:       details,
	})
}

// resolveStartEvent picks the requested start event or the single
// unambiguous one.
func resolveStartEvent(g *bpmn.ProcessGraph, startEventID string) (string, error) {
	starts := g.StartEvents()
	if startEventID != "" {
		for _, s := range starts {
			if s.ID == startEventID {
				return s.ID, nil
			}
		}
		return "", fmt.Errorf("start event %s not found", startEventID)
	}
	switch len(starts) {
	case 0:
		return "", fmt.Errorf("definition has no start event")
	case 1:
		return starts[0].ID, nil
	}
	return "", fmt.Errorf("definition has %d start events, start_event_id required", len(starts))
}
