package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/store"
)

// compensationEntry is one row in the instance's compensation registry:
// an activity that completed with a compensation boundary attached,
// plus the variable snapshot its handler will see.
type compensationEntry struct {
	ActivityID string         `json:"activity_id"`
	HandlerID  string         `json:"handler_id"`
	BoundaryID string         `json:"boundary_event_id"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

// registerCompensation records a completed activity in the registry when
// a compensation boundary event is attached to it. Registration order is
// completion order; the throw replays it LIFO.
func (e *Engine) registerCompensation(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	boundary, handler := g.CompensationHandler(node.ID)
	if boundary == nil || handler == nil {
		return nil
	}

	snapshot, err := e.vars.Context(ctx, inst.ID, tok.ScopeID)
	if err != nil {
		return err
	}
	entry := compensationEntry{
		ActivityID: node.ID,
		HandlerID:  handler.ID,
		BoundaryID: boundary.ID,
		ScopeID:    tok.ScopeID,
		Snapshot:   snapshot,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode compensation entry: %w", err)
	}
	return e.fast.ListPush(ctx, store.CompensationKey(inst.ID), data)
}

// executeCompensationThrow runs the registered handlers in reverse
// completion order, synchronously, then clears the registry and
// advances the throwing token.
//
// Handlers run under dedicated tokens in the COMPENSATION state; no
// other state ever executes a handler node.
func (e *Engine) executeCompensationThrow(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	ran, err := e.runRegisteredCompensations(ctx, g, inst, "")
	if err != nil {
		return err
	}
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"compensated": ran}); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// runRegisteredCompensations replays the registry LIFO. A non-empty
// scopePrefix restricts the replay to entries registered at or below
// that scope (transaction cancellation); entries outside it stay
// registered.
func (e *Engine) runRegisteredCompensations(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, scopePrefix string) (int, error) {
	key := store.CompensationKey(inst.ID)
	rows, err := e.fast.ListRange(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	var run []compensationEntry
	var keep [][]byte
	for _, raw := range rows {
		var entry compensationEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, fmt.Errorf("decode compensation entry: %w", err)
		}
		if scopePrefix != "" && entry.ScopeID != scopePrefix && !strings.HasPrefix(entry.ScopeID, scopePrefix+"/") {
			keep = append(keep, raw)
			continue
		}
		run = append(run, entry)
	}

	for i := len(run) - 1; i >= 0; i-- {
		if err := e.runCompensationHandler(ctx, g, inst, run[i]); err != nil {
			return 0, err
		}
	}

	if err := e.fast.Del(ctx, key); err != nil {
		return 0, err
	}
	if len(keep) > 0 {
		if err := e.fast.ListPush(ctx, key, keep...); err != nil {
			return 0, err
		}
	}
	return len(run), nil
}

// runCompensationHandler executes one handler under a COMPENSATION
// token carrying the registered snapshot, then retires the token.
func (e *Engine) runCompensationHandler(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, entry compensationEntry) error {
	handler := g.NodeByID(entry.HandlerID)
	if handler == nil {
		return &ExecutorError{NodeID: entry.HandlerID, Message: "compensation handler missing from graph"}
	}

	data := make(map[string]any, len(entry.Snapshot)+1)
	for k, v := range entry.Snapshot {
		data[k] = v
	}
	data["compensated_activity_id"] = entry.ActivityID

	compTok := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     handler.ID,
		State:      TokenCompensation,
		ScopeID:    entry.ScopeID,
		Data:       data,
	}
	if err := e.tokens.Add(ctx, inst.ID, compTok); err != nil {
		return err
	}

	e.instances.log(ctx, inst.ID, store.ActivityNodeEntered, handler.ID, map[string]any{
		"token_id":     compTok.ID,
		"compensating": entry.ActivityID,
	})

	var runErr error
	switch handler.Kind {
	case bpmn.KindTask, bpmn.KindScriptTask:
		runErr = e.runScriptBody(ctx, inst, compTok, handler)
	case bpmn.KindServiceTask:
		runErr = e.runServiceBody(ctx, inst, compTok, handler)
	default:
		runErr = &ExecutorError{NodeID: handler.ID, Message: fmt.Sprintf("unsupported compensation handler kind %s", handler.Kind)}
	}
	if runErr != nil {
		return &ExecutorError{NodeID: handler.ID, Message: "compensation handler failed", Err: runErr}
	}

	e.instances.log(ctx, inst.ID, store.ActivityNodeCompleted, handler.ID, map[string]any{
		"token_id":     compTok.ID,
		"compensating": entry.ActivityID,
	})
	return e.tokens.Remove(ctx, inst.ID, compTok.ID)
}
