package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/expr"
	"github.com/pythmata/pythmata-go/engine/store"
)

// executeExclusiveGateway routes the token down the first flow (in
// source-declaration order) whose condition evaluates truthy, falling
// back to the default flow, and failing with NoValidPathError when
// neither exists.
func (e *Engine) executeExclusiveGateway(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	evalCtx, err := e.scriptContext(ctx, inst.ID, tok)
	if err != nil {
		return err
	}

	var chosen, deflt *bpmn.SequenceFlow
	for _, flow := range g.OutgoingFlows(node) {
		if flow.Default {
			deflt = flow
			continue
		}
		if flow.Condition == "" {
			// An unconditioned non-default flow always qualifies.
			chosen = flow
			break
		}
		truthy, err := expr.EvaluateBool(flow.Condition, evalCtx)
		if err != nil {
			return &ExecutorError{NodeID: node.ID, Message: "condition on flow " + flow.ID, Err: err}
		}
		if truthy {
			chosen = flow
			break
		}
	}
	if chosen == nil {
		chosen = deflt
	}
	if chosen == nil {
		return &NoValidPathError{GatewayID: node.ID}
	}

	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"flow": chosen.ID}); err != nil {
		return err
	}
	_, err = e.tokens.Move(ctx, tok, chosen.TargetRef)
	return err
}

// executeParallelGateway splits one token into one per outgoing flow, or
// joins: the arriving token waits at the gateway until one token is
// present for every incoming flow, then all are replaced by a single
// successor.
func (e *Engine) executeParallelGateway(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	outgoing := g.OutgoingFlows(node)

	if len(node.Incoming) > 1 {
		return e.joinGateway(ctx, g, inst, tok, node, len(node.Incoming))
	}

	if len(outgoing) <= 1 {
		// Degenerate gateway: plain pass-through.
		if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
			return err
		}
		return e.advance(ctx, g, inst, tok, node)
	}

	targets := make([]string, len(outgoing))
	for i, flow := range outgoing {
		targets[i] = flow.TargetRef
	}
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"split": len(targets)}); err != nil {
		return err
	}
	_, err := e.tokens.Split(ctx, tok, targets)
	return err
}

// executeInclusiveGateway evaluates every non-default flow on a split
// and issues a token per truthy one (default wins only when none are),
// recording the taken flow set in each token's active_flows so the join
// knows how many arrivals to await.
func (e *Engine) executeInclusiveGateway(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if len(node.Incoming) > 1 {
		expected, err := e.inclusiveJoinCount(g, node, tok)
		if err != nil {
			return err
		}
		return e.joinGateway(ctx, g, inst, tok, node, expected)
	}

	evalCtx, err := e.scriptContext(ctx, inst.ID, tok)
	if err != nil {
		return err
	}
	var taken []*bpmn.SequenceFlow
	var deflt *bpmn.SequenceFlow
	for _, flow := range g.OutgoingFlows(node) {
		if flow.Default {
			deflt = flow
			continue
		}
		if flow.Condition == "" {
			taken = append(taken, flow)
			continue
		}
		truthy, err := expr.EvaluateBool(flow.Condition, evalCtx)
		if err != nil {
			return &ExecutorError{NodeID: node.ID, Message: "condition on flow " + flow.ID, Err: err}
		}
		if truthy {
			taken = append(taken, flow)
		}
	}
	if len(taken) == 0 {
		if deflt == nil {
			return &NoValidPathError{GatewayID: node.ID}
		}
		taken = []*bpmn.SequenceFlow{deflt}
	}

	flowIDs := make([]any, len(taken))
	targets := make([]string, len(taken))
	for i, flow := range taken {
		flowIDs[i] = flow.ID
		targets[i] = flow.TargetRef
	}
	if tok.Data == nil {
		tok.Data = map[string]any{}
	}
	tok.Data["active_flows"] = flowIDs

	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"split": len(targets)}); err != nil {
		return err
	}
	_, err = e.tokens.Split(ctx, tok, targets)
	return err
}

// inclusiveJoinCount derives how many arrivals the join must await: the
// number of this gateway's incoming flows that belong to the split's
// recorded active_flows set. Without a recorded set every incoming flow
// is expected.
func (e *Engine) inclusiveJoinCount(g *bpmn.ProcessGraph, node *bpmn.Node, tok *Token) (int, error) {
	raw, ok := tok.Data["active_flows"].([]any)
	if !ok {
		return len(node.Incoming), nil
	}
	active := make(map[string]bool, len(raw))
	for _, id := range raw {
		if s, ok := id.(string); ok {
			active[s] = true
		}
	}
	// Count incoming flows reachable from a taken split flow: a taken
	// flow either targets this gateway directly or leads to the branch
	// that ends in one of our incoming flows. The conservative count is
	// the number of recorded active flows, bounded by our incoming set.
	expected := len(active)
	if expected == 0 || expected > len(node.Incoming) {
		expected = len(node.Incoming)
	}
	return expected, nil
}

// joinGateway parks the arriving token as WAITING until `expected`
// tokens (same scope) sit at the gateway, then replaces them all with
// one successor on the outgoing flow.
func (e *Engine) joinGateway(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node, expected int) error {
	tokens, err := e.tokens.List(ctx, inst.ID)
	if err != nil {
		return err
	}
	var arrived []*Token
	for _, t := range tokens {
		if t.NodeID == node.ID && t.ScopeID == tok.ScopeID && (t.State == TokenActive || t.State == TokenWaiting) {
			arrived = append(arrived, t)
		}
	}

	if len(arrived) < expected {
		markEntered(tok, node.ID)
		_, err := e.tokens.UpdateState(ctx, tok, TokenWaiting, "")
		return err
	}

	flow, ok, err := singleOutgoing(g, node)
	if err != nil {
		return err
	}
	if !ok {
		return &ExecutorError{NodeID: node.ID, Message: "join gateway has no outgoing flow"}
	}

	removeIDs := make([]string, len(arrived))
	for i, t := range arrived {
		removeIDs[i] = t.ID
	}
	successor := &Token{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     flow.TargetRef,
		State:      TokenActive,
		ScopeID:    tok.ScopeID,
	}
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"joined": len(arrived)}); err != nil {
		return err
	}
	return e.tokens.Replace(ctx, inst.ID, removeIDs, []*Token{successor})
}
