package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/expr"
	"github.com/pythmata/pythmata-go/engine/store"
)

// executeTask runs a plain or script task and moves the token along its
// single outgoing flow.
//
// Scripts run in the expression sandbox with set_variable writing into
// the token's scope; an assigned `result` is stored as "{taskId}_result".
func (e *Engine) executeTask(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if err := e.runScriptBody(ctx, inst, tok, node); err != nil {
		return err
	}
	if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// runScriptBody runs an optional task script without touching token
// position, so plain and multi-instance tasks share it.
func (e *Engine) runScriptBody(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if node.Script == "" {
		return nil
	}
	evalCtx, err := e.scriptContext(ctx, inst.ID, tok)
	if err != nil {
		return err
	}
	result, err := expr.RunScript(node.Script, evalCtx, func(name string, value any) error {
		return e.vars.Set(ctx, inst.ID, tok.ScopeID, name, "", value)
	})
	if err != nil {
		return &ExecutorError{NodeID: node.ID, Message: "script failed", Err: err}
	}
	if result != nil {
		return e.vars.Set(ctx, inst.ID, tok.ScopeID, node.ID+"_result", "", result)
	}
	return nil
}

// executeServiceTask resolves the configured task name against the
// registry, runs it, applies the output mapping and advances the token.
func (e *Engine) executeServiceTask(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if err := e.runServiceBody(ctx, inst, tok, node); err != nil {
		return err
	}
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"task_name": node.ServiceTask.TaskName}); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// runServiceBody resolves and runs a service task implementation and
// applies its output mapping, leaving token position untouched.
func (e *Engine) runServiceBody(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	cfg := node.ServiceTask
	if cfg == nil {
		return &ExecutorError{NodeID: node.ID, Message: "service task has no serviceTaskConfig"}
	}
	if e.registry == nil {
		return &ExecutorError{NodeID: node.ID, Message: "no service task registry installed"}
	}
	impl, ok := e.registry.Resolve(cfg.TaskName)
	if !ok {
		return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("unknown service task %q", cfg.TaskName)}
	}

	evalCtx, err := e.scriptContext(ctx, inst.ID, tok)
	if err != nil {
		return err
	}
	result, err := impl.Execute(ctx, ServiceTaskContext{
		InstanceID: inst.ID,
		TaskID:     node.ID,
		Token:      tok,
		Variables:  evalCtx,
	}, cfg.Properties)
	if err != nil {
		e.instances.log(ctx, inst.ID, store.ActivityServiceTaskExecuted, node.ID, map[string]any{
			"task_name": cfg.TaskName,
			"status":    "ERROR",
			"error":     err.Error(),
		})
		return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("service task %q failed", cfg.TaskName), Err: err}
	}
	e.instances.log(ctx, inst.ID, store.ActivityServiceTaskExecuted, node.ID, map[string]any{
		"task_name": cfg.TaskName,
		"status":    "SUCCESS",
	})

	for varName, path := range cfg.OutputMapping {
		value, err := extractPath(result, path)
		if err != nil {
			return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("output mapping %s=%s", varName, path), Err: err}
		}
		if err := e.vars.Set(ctx, inst.ID, tok.ScopeID, varName, "", value); err != nil {
			return err
		}
	}
	return nil
}

// advance moves the token along the activity's single outgoing flow. An
// activity with no outgoing flow parks its token as COMPLETED rather
// than dangling it in ACTIVE.
func (e *Engine) advance(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	flow, ok, err := singleOutgoing(g, node)
	if err != nil {
		return err
	}
	if !ok {
		e.instances.log(ctx, inst.ID, store.ActivityNodeCompleted, node.ID, map[string]any{
			"warning": "activity has no outgoing flow; token parked",
		})
		_, err := e.tokens.UpdateState(ctx, tok, TokenCompleted, "")
		return err
	}
	if flow.TargetRef == bpmn.TransactionEndRef {
		return e.exitTransaction(ctx, g, inst, tok, node)
	}
	_, err = e.tokens.Move(ctx, tok, flow.TargetRef)
	return err
}

// scriptContext builds the evaluation context for a token: variables
// visible from its scope overlaid with the token's own data fields
// (multi-instance item/index, message payloads).
func (e *Engine) scriptContext(ctx context.Context, instanceID string, tok *Token) (expr.Context, error) {
	evalCtx, err := e.vars.Context(ctx, instanceID, tok.ScopeID)
	if err != nil {
		return nil, err
	}
	for k, v := range tok.Data {
		if k == "entered" {
			continue
		}
		evalCtx[k] = v
	}
	return evalCtx, nil
}

// extractPath walks a dotted path with optional [i] array indexing
// ("order.items[0].sku") through a service task result.
func extractPath(result map[string]any, path string) (any, error) {
	var current any = result
	for _, segment := range strings.Split(path, ".") {
		name := segment
		var indexes []int
		for strings.HasSuffix(name, "]") {
			open := strings.LastIndex(name, "[")
			if open < 0 {
				return nil, fmt.Errorf("malformed path segment %q", segment)
			}
			idx, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil {
				return nil, fmt.Errorf("malformed index in %q", segment)
			}
			indexes = append([]int{idx}, indexes...)
			name = name[:open]
		}
		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot access %q on %T", name, current)
			}
			current = m[name]
		}
		for _, idx := range indexes {
			list, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index %q on %T", segment, current)
			}
			if idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("index %d out of bounds in %q", idx, segment)
			}
			current = list[idx]
		}
	}
	return current, nil
}
