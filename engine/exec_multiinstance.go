package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/expr"
	"github.com/pythmata/pythmata-go/engine/store"
)

// executeMultiInstance wraps an activity with multi-instance
// characteristics: the first dispatch expands the wrapper token into
// item instances (all at once in parallel mode, one at a time in
// sequential mode); item dispatches run the underlying activity body
// and feed completion accounting.
func (e *Engine) executeMultiInstance(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if tok.Data["is_mi_instance"] == true {
		return e.executeMultiInstanceItem(ctx, g, inst, tok, node)
	}

	items, err := e.resolveCollection(ctx, inst, tok, node)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		// Empty collection skips the activity entirely.
		if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"instances": 0}); err != nil {
			return err
		}
		return e.advance(ctx, g, inst, tok, node)
	}

	if node.MultiInstance.Sequential {
		first := e.itemToken(inst.ID, tok.ScopeID, node, items, 0)
		return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{first})
	}

	instances := make([]*Token, len(items))
	for i := range items {
		instances[i] = e.itemToken(inst.ID, tok.ScopeID, node, items, i)
	}
	return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, instances)
}

// itemToken builds the i-th instance token with its own scope segment.
// Sequential tokens carry the collection forward so the next index can
// be issued on completion.
func (e *Engine) itemToken(instanceID, parentScope string, node *bpmn.Node, items []any, i int) *Token {
	data := map[string]any{
		"is_mi_instance": true,
		"is_parallel":    !node.MultiInstance.Sequential,
		"item":           items[i],
		"index":          float64(i),
		"parent_scope":   parentScope,
		"mi_total":       float64(len(items)),
	}
	if node.MultiInstance.Sequential {
		data["collection"] = items
	}
	return &Token{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     node.ID,
		State:      TokenActive,
		ScopeID:    appendScope(parentScope, fmt.Sprintf("%s_instance_%d", node.ID, i)),
		Data:       data,
	}
}

// executeMultiInstanceItem runs the activity body for one instance
// token. Tasks run inline; subprocesses enter their contained start
// event (exit feeds back through completeMultiInstanceItem); call
// activities drive a child instance.
func (e *Engine) executeMultiInstanceItem(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	switch node.Kind {
	case bpmn.KindTask, bpmn.KindScriptTask:
		if err := e.runScriptBody(ctx, inst, tok, node); err != nil {
			return err
		}
		return e.completeMultiInstanceItem(ctx, g, inst, tok, node)

	case bpmn.KindServiceTask:
		if err := e.runServiceBody(ctx, inst, tok, node); err != nil {
			return err
		}
		return e.completeMultiInstanceItem(ctx, g, inst, tok, node)

	case bpmn.KindSubProcess:
		if node.SubStart == "" {
			return &ExecutorError{NodeID: node.ID, Message: "subprocess has no start event"}
		}
		// The item scope segment is the subprocess scope.
		_, err := e.tokens.Move(ctx, tok, node.SubStart)
		return err

	case bpmn.KindCallActivity:
		child, err := e.runCallActivityChild(ctx, inst, tok, node)
		if err != nil {
			return err
		}
		if child.Status != store.StatusCompleted {
			return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("child instance %s finished in state %s", child.ID, child.Status)}
		}
		if err := e.copyCallActivityOutputs(ctx, inst, tok, node, child.ID); err != nil {
			return err
		}
		active, err := e.tokens.UpdateState(ctx, tok, TokenActive, "")
		if err != nil {
			return err
		}
		*tok = *active
		return e.completeMultiInstanceItem(ctx, g, inst, tok, node)
	}
	return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("multi-instance unsupported on %s", node.Kind)}
}

// completeMultiInstanceItem records one finished instance and decides
// whether the whole multi-instance activity is done.
//
// Parallel mode marks the token COMPLETED and re-reads the sibling set
// (fresh count, no cache); sequential mode replaces the token with the
// next index. Completion (all instances done, or the completion
// condition with `count` bound going truthy) removes every instance
// token and emits one successor outside the multi-instance scope with
// item-specific data stripped.
func (e *Engine) completeMultiInstanceItem(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	parentScope, _ := tok.Data["parent_scope"].(string)
	total := intFromData(tok.Data["mi_total"])
	index := intFromData(tok.Data["index"])
	prefix := appendScope(parentScope, node.ID+"_instance_")

	e.instances.log(ctx, inst.ID, store.ActivityNodeCompleted, node.ID, map[string]any{
		"token_id": tok.ID,
		"index":    index,
	})

	if node.MultiInstance.Sequential {
		count := index + 1
		done := count >= total
		if !done {
			met, err := e.completionConditionMet(ctx, inst, tok, node, count)
			if err != nil {
				return err
			}
			done = met
		}
		if done {
			return e.finishMultiInstance(ctx, g, inst, node, parentScope, prefix, []string{tok.ID})
		}
		items, _ := tok.Data["collection"].([]any)
		if index+1 >= len(items) {
			return e.finishMultiInstance(ctx, g, inst, node, parentScope, prefix, []string{tok.ID})
		}
		next := e.itemToken(inst.ID, parentScope, node, items, index+1)
		return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{next})
	}

	if _, err := e.tokens.UpdateState(ctx, tok, TokenCompleted, ""); err != nil {
		return err
	}

	// Fresh read: completion is observed from the stored sibling set.
	tokens, err := e.tokens.List(ctx, inst.ID)
	if err != nil {
		return err
	}
	var siblings []*Token
	count := 0
	for _, t := range tokens {
		if strings.HasPrefix(t.ScopeID, prefix) {
			siblings = append(siblings, t)
			if t.State == TokenCompleted {
				count++
			}
		}
	}

	done := count >= total
	if !done {
		met, err := e.completionConditionMet(ctx, inst, tok, node, count)
		if err != nil {
			return err
		}
		done = met
	}
	if !done {
		return nil
	}

	removeIDs := make([]string, len(siblings))
	for i, t := range siblings {
		removeIDs[i] = t.ID
	}
	return e.finishMultiInstance(ctx, g, inst, node, parentScope, prefix, removeIDs)
}

// finishMultiInstance removes the remaining instance tokens and emits
// the single successor token.
func (e *Engine) finishMultiInstance(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, node *bpmn.Node, parentScope, prefix string, removeIDs []string) error {
	e.instances.log(ctx, inst.ID, store.ActivityNodeCompleted, node.ID, map[string]any{"multi_instance": true})
	if err := e.registerCompensation(ctx, g, inst, &Token{InstanceID: inst.ID, ScopeID: parentScope}, node); err != nil {
		return err
	}

	flow, ok, err := singleOutgoing(g, node)
	if err != nil {
		return err
	}
	if !ok {
		return e.tokens.Remove(ctx, inst.ID, removeIDs...)
	}
	successor := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     flow.TargetRef,
		State:      TokenActive,
		ScopeID:    parentScope,
	}
	return e.tokens.Replace(ctx, inst.ID, removeIDs, []*Token{successor})
}

// completionConditionMet evaluates the optional completion condition
// with `count` bound to the number of completed instances.
func (e *Engine) completionConditionMet(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node, count int) (bool, error) {
	cond := node.MultiInstance.CompletionCondition
	if cond == "" {
		return false, nil
	}
	evalCtx, err := e.vars.Context(ctx, inst.ID, tok.ScopeID)
	if err != nil {
		return false, err
	}
	evalCtx["count"] = float64(count)
	met, err := expr.EvaluateBool(cond, evalCtx)
	if err != nil {
		return false, &ExecutorError{NodeID: node.ID, Message: "completion condition", Err: err}
	}
	return met, nil
}

// resolveCollection produces the item list: the modeled collection
// variable, a literal in token data, or a numeric cardinality expanded
// to indexes.
func (e *Engine) resolveCollection(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) ([]any, error) {
	mi := node.MultiInstance
	if mi.Collection != "" {
		value, err := e.vars.Resolve(ctx, inst.ID, tok.ScopeID, mi.Collection)
		if err != nil {
			return nil, err
		}
		if value == nil {
			if v, ok := tok.Data[mi.Collection]; ok {
				value = v
			}
		}
		if value == nil {
			return nil, nil
		}
		items, ok := value.([]any)
		if !ok {
			return nil, &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("collection %q is %T, not a list", mi.Collection, value)}
		}
		return items, nil
	}
	if v, ok := tok.Data["collection"].([]any); ok {
		return v, nil
	}
	if mi.Cardinality != "" {
		evalCtx, err := e.vars.Context(ctx, inst.ID, tok.ScopeID)
		if err != nil {
			return nil, err
		}
		value, err := expr.Evaluate(mi.Cardinality, evalCtx)
		if err != nil {
			return nil, &ExecutorError{NodeID: node.ID, Message: "loop cardinality", Err: err}
		}
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) || f < 0 {
			return nil, &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("loop cardinality %v is not a whole number", value)}
		}
		items := make([]any, int(f))
		for i := range items {
			items[i] = float64(i)
		}
		return items, nil
	}
	return nil, &ExecutorError{NodeID: node.ID, Message: "multi-instance has neither collection nor cardinality"}
}

func intFromData(v any) int {
	switch v := v.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
