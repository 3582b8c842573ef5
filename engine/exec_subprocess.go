package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/store"
)

// appendScope extends a containment path with one segment.
func appendScope(scopeID, segment string) string {
	if scopeID == "" {
		return segment
	}
	return scopeID + "/" + segment
}

// stripScope removes the innermost segment of a containment path.
func stripScope(scopeID string) string {
	i := strings.LastIndex(scopeID, "/")
	if i < 0 {
		return ""
	}
	return scopeID[:i]
}

// executeSubProcessEntry moves the token to the subprocess's contained
// start event with the subprocess segment appended to its scope, arming
// any boundary subscriptions first. Transaction subprocesses open the
// instance's transaction context; a nested active transaction is
// rejected.
func (e *Engine) executeSubProcessEntry(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if node.SubStart == "" {
		return &ExecutorError{NodeID: node.ID, Message: "subprocess has no start event"}
	}
	if node.Transaction {
		if _, err := e.instances.StartTransaction(ctx, inst.ID, node.ID); err != nil {
			return err
		}
	}
	childScope := appendScope(tok.ScopeID, node.ID)
	if err := e.registerBoundarySubscriptions(ctx, g, inst.ID, node, childScope); err != nil {
		return err
	}
	tok.ScopeID = childScope
	_, err := e.tokens.Move(ctx, tok, node.SubStart)
	return err
}

// exitSubProcess handles an end event reached inside a subprocess: the
// token's scope segment is stripped and, once no sibling token remains
// in the subprocess, a successor is issued on the subprocess's outgoing
// flow (or the multi-instance wrapper is notified for MI subprocesses).
func (e *Engine) exitSubProcess(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	sub := g.NodeByID(node.Parent)
	if sub == nil {
		return &ExecutorError{NodeID: node.ID, Message: "end event's parent subprocess missing from graph"}
	}
	if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
		return err
	}

	subScope := tok.ScopeID
	tokens, err := e.tokens.List(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.ID == tok.ID || t.State.Terminal() {
			continue
		}
		if t.ScopeID == subScope || strings.HasPrefix(t.ScopeID, subScope+"/") {
			// A parallel sibling is still inside; just retire this token.
			return e.tokens.Consume(ctx, tok)
		}
	}

	if sub.MultiInstance != nil {
		return e.completeMultiInstanceItem(ctx, g, inst, tok, sub)
	}

	if sub.Transaction {
		if err := e.instances.CompleteTransaction(ctx, inst.ID); err != nil {
			return err
		}
	}
	if err := e.clearBoundarySubscriptions(ctx, g, inst.ID, sub); err != nil {
		return err
	}
	if err := e.completeNode(ctx, g, inst, tok, sub, nil); err != nil {
		return err
	}

	flow, ok, err := singleOutgoing(g, sub)
	if err != nil {
		return err
	}
	if !ok {
		return e.tokens.Consume(ctx, tok)
	}
	successor := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     flow.TargetRef,
		State:      TokenActive,
		ScopeID:    stripScope(subScope),
	}
	return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{successor})
}

// enclosingTransaction walks the node's containment chain to the nearest
// transaction subprocess, nil when there is none.
func enclosingTransaction(g *bpmn.ProcessGraph, node *bpmn.Node) *bpmn.Node {
	for p := g.NodeByID(node.Parent); p != nil; p = g.NodeByID(p.Parent) {
		if p.Transaction {
			return p
		}
	}
	return nil
}

// scopeEndingAt trims a containment path after the given segment.
func scopeEndingAt(scopeID, segment string) string {
	if i := strings.LastIndex(scopeID, segment); i >= 0 {
		return scopeID[:i+len(segment)]
	}
	return scopeID
}

// exitTransaction handles a flow reaching the synthetic Transaction_End
// target: the enclosing transaction commits and the token exits the
// subprocess scope onto the transaction's outgoing flow. Parallel
// siblings still inside the transaction defer the commit.
func (e *Engine) exitTransaction(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	sub := enclosingTransaction(g, node)
	if sub == nil {
		return &ExecutorError{NodeID: node.ID, Message: "Transaction_End reached outside a transaction subprocess"}
	}
	txScope := scopeEndingAt(tok.ScopeID, sub.ID)

	tokens, err := e.tokens.List(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.ID == tok.ID || t.State.Terminal() {
			continue
		}
		if t.ScopeID == txScope || strings.HasPrefix(t.ScopeID, txScope+"/") {
			return e.tokens.Consume(ctx, tok)
		}
	}

	if err := e.instances.CompleteTransaction(ctx, inst.ID); err != nil {
		return err
	}
	if err := e.clearBoundarySubscriptions(ctx, g, inst.ID, sub); err != nil {
		return err
	}
	if err := e.completeNode(ctx, g, inst, tok, sub, map[string]any{"transaction": string(TxCommitted)}); err != nil {
		return err
	}

	flow, ok, err := singleOutgoing(g, sub)
	if err != nil {
		return err
	}
	if !ok {
		return e.tokens.Consume(ctx, tok)
	}
	successor := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     flow.TargetRef,
		State:      TokenActive,
		ScopeID:    stripScope(txScope),
	}
	return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{successor})
}

// cancelTransaction aborts a transaction from an error end event inside
// it: compensation handlers registered within the transaction scope run
// LIFO, the transaction context moves through COMPENSATING to
// COMPENSATED, and the token exits through the transaction's error
// boundary event carrying the error code.
func (e *Engine) cancelTransaction(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node, sub *bpmn.Node) error {
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"error": node.EventName}); err != nil {
		return err
	}

	tc, err := e.instances.Transaction(ctx, inst.ID)
	if err != nil {
		return err
	}
	if tc == nil || tc.Status != TxActive {
		return &TransactionError{InstanceID: inst.ID, Message: "no active transaction"}
	}
	txScope := scopeEndingAt(tok.ScopeID, sub.ID)

	tc.Status = TxCompensating
	if err := e.instances.saveTransaction(ctx, tc); err != nil {
		return err
	}
	if _, err := e.runRegisteredCompensations(ctx, g, inst, txScope); err != nil {
		tc.Status = TxFailed
		_ = e.instances.saveTransaction(ctx, tc)
		return err
	}
	tc.Status = TxCompensated
	if err := e.instances.saveTransaction(ctx, tc); err != nil {
		return err
	}

	if err := e.clearBoundarySubscriptions(ctx, g, inst.ID, sub); err != nil {
		return err
	}

	var boundary *bpmn.Node
	for _, b := range g.BoundaryEvents(sub.ID) {
		if b.EventDef == bpmn.EventDefError {
			boundary = b
			break
		}
	}
	if boundary == nil {
		if err := e.tokens.Consume(ctx, tok); err != nil {
			return err
		}
		return &ExecutorError{NodeID: sub.ID, Message: fmt.Sprintf("transaction cancelled (code %q) with no error boundary", node.EventName)}
	}
	boundaryTok := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     boundary.ID,
		State:      TokenActive,
		ScopeID:    stripScope(txScope),
		Data:       map[string]any{"error_code": node.EventName},
	}
	return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{boundaryTok})
}

// executeCallActivity runs the called definition as a child instance:
// input variables are copied down, the parent token waits, the child is
// driven to completion, and output variables are copied back before the
// parent advances. Errors escaping the child route to an error boundary
// event when one is attached.
func (e *Engine) executeCallActivity(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	child, err := e.runCallActivityChild(ctx, inst, tok, node)
	if err != nil {
		return err
	}

	switch child.Status {
	case store.StatusCompleted:
		if err := e.copyCallActivityOutputs(ctx, inst, tok, node, child.ID); err != nil {
			return err
		}
		if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"called_instance": child.ID}); err != nil {
			return err
		}
		// Transient linkage must not ride into the successor token.
		delete(tok.Data, "called_instance")
		delete(tok.Data, "entered")
		if _, err := e.tokens.UpdateState(ctx, tok, TokenActive, ""); err != nil {
			return err
		}
		return e.advance(ctx, g, inst, tok, node)

	case store.StatusError:
		return e.routeChildError(ctx, g, inst, tok, node, child.ID)
	}
	return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("child instance %s finished in state %s", child.ID, child.Status)}
}

// runCallActivityChild creates and drives the child instance while the
// parent token waits.
func (e *Engine) runCallActivityChild(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) (*store.ProcessInstance, error) {
	if node.CalledElement == "" {
		return nil, &ExecutorError{NodeID: node.ID, Message: "call activity has no calledElement"}
	}

	inputs := map[string]any{}
	for childVar, parentVar := range node.InputMap {
		value, err := e.vars.Resolve(ctx, inst.ID, tok.ScopeID, parentVar)
		if err != nil {
			return nil, err
		}
		inputs[childVar] = value
	}

	childID := uuid.NewString()
	markEntered(tok, node.ID)
	tok.Data["called_instance"] = childID
	waiting, err := e.tokens.UpdateState(ctx, tok, TokenWaiting, "")
	if err != nil {
		return nil, err
	}
	*tok = *waiting

	child, err := e.instances.CreateInstance(ctx, CreateInstanceRequest{
		DefinitionID:     node.CalledElement,
		InstanceID:       childID,
		Variables:        inputs,
		ParentInstanceID: inst.ID,
		ParentActivityID: node.ID,
		Source:           "call_activity",
	})
	if err != nil {
		return nil, &ExecutorError{NodeID: node.ID, Message: "create child instance", Err: err}
	}
	// The child runs under its own instance lock; parent's stays held.
	_ = e.Run(ctx, child.ID)

	return e.durable.GetInstance(ctx, child.ID)
}

// copyCallActivityOutputs maps child variables back to parent scope per
// the output mapping.
func (e *Engine) copyCallActivityOutputs(ctx context.Context, inst *store.ProcessInstance, tok *Token, node *bpmn.Node, childID string) error {
	if len(node.OutputMap) == 0 {
		return nil
	}
	childVars, err := e.durable.ListVariables(ctx, childID, "")
	if err != nil {
		return fmt.Errorf("read child variables: %w", err)
	}
	byName := map[string]*store.Variable{}
	for _, v := range childVars {
		if v.ScopeID == "" {
			byName[v.Name] = v
		}
	}
	for parentVar, childVar := range node.OutputMap {
		v, ok := byName[childVar]
		if !ok {
			continue
		}
		if err := e.vars.Set(ctx, inst.ID, tok.ScopeID, parentVar, v.Type, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// routeChildError propagates a failed child to the call activity's
// error boundary event, carrying the child's error_code; without one
// the parent instance fails.
func (e *Engine) routeChildError(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node, childID string) error {
	var boundary *bpmn.Node
	for _, b := range g.BoundaryEvents(node.ID) {
		if b.EventDef == bpmn.EventDefError {
			boundary = b
			break
		}
	}
	if boundary == nil {
		return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("child instance %s failed", childID)}
	}

	errorCode, err := e.childErrorCode(ctx, childID)
	if err != nil {
		return err
	}
	boundaryTok := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     boundary.ID,
		State:      TokenActive,
		ScopeID:    tok.ScopeID,
		Data:       map[string]any{"error_code": errorCode, "failed_instance": childID},
	}
	return e.tokens.Replace(ctx, inst.ID, []string{tok.ID}, []*Token{boundaryTok})
}

func (e *Engine) childErrorCode(ctx context.Context, childID string) (string, error) {
	vars, err := e.durable.ListVariables(ctx, childID, "")
	if err != nil {
		return "", fmt.Errorf("read child variables: %w", err)
	}
	for _, v := range vars {
		if v.Name == "error_code" {
			if s, ok := v.Value.(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}
