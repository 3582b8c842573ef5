package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/bus"
	"github.com/pythmata/pythmata-go/engine/emit"
	"github.com/pythmata/pythmata-go/engine/store"
)

// executeStartEvent moves the initial token onto the start event's
// outgoing flow. Timer start events never reach this executor at
// runtime: the scheduler owns them and synthesizes process.started.
func (e *Engine) executeStartEvent(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// executeEndEvent consumes the token. End events inside a subprocess
// exit the subprocess scope instead; error end events fail the instance
// with the modeled error code.
func (e *Engine) executeEndEvent(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if node.Parent != "" {
		if node.EventDef == bpmn.EventDefError {
			if sub := enclosingTransaction(g, node); sub != nil {
				return e.cancelTransaction(ctx, g, inst, tok, node, sub)
			}
		}
		return e.exitSubProcess(ctx, g, inst, tok, node)
	}

	if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
		return err
	}
	if node.EventDef == bpmn.EventDefError {
		if err := e.tokens.Consume(ctx, tok); err != nil {
			return err
		}
		if node.EventName != "" {
			if err := e.vars.Set(ctx, inst.ID, "", "error_code", store.TypeString, node.EventName); err != nil {
				return err
			}
		}
		return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("error end event (code %q)", node.EventName)}
	}
	return e.tokens.Consume(ctx, tok)
}

// executeIntermediateEvent handles catch and throw intermediates:
//   - compensation throw runs registered handlers LIFO, then advances
//   - signal/message throw publishes and advances
//   - timer catch hands the token to the scheduler and waits
//   - message/signal catch registers a subscription and waits; delivery
//     wakes the token with the payload and it advances on re-dispatch
func (e *Engine) executeIntermediateEvent(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if node.Throw {
		switch node.EventDef {
		case bpmn.EventDefCompensation:
			return e.executeCompensationThrow(ctx, g, inst, tok, node)
		case bpmn.EventDefMessage, bpmn.EventDefSignal:
			if err := e.publishEvent(ctx, node, inst.ID); err != nil {
				return err
			}
			if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"name": node.EventName}); err != nil {
				return err
			}
			return e.advance(ctx, g, inst, tok, node)
		}
		if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
			return err
		}
		return e.advance(ctx, g, inst, tok, node)
	}

	switch node.EventDef {
	case bpmn.EventDefTimer:
		if tok.Data["timer_fired"] == true {
			delete(tok.Data, "timer_fired")
			if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"timer": node.TimerValue}); err != nil {
				return err
			}
			return e.advance(ctx, g, inst, tok, node)
		}
		if e.timers == nil {
			return &ExecutorError{NodeID: node.ID, Message: "no timer scheduler installed"}
		}
		markEntered(tok, node.ID)
		waiting, err := e.tokens.UpdateState(ctx, tok, TokenWaiting, "")
		if err != nil {
			return err
		}
		if err := e.timers.ScheduleTokenTimer(inst.ID, node.ID, waiting.ID, node.TimerType, node.TimerValue); err != nil {
			return &ExecutorError{NodeID: node.ID, Message: "schedule timer", Err: err}
		}
		return nil

	case bpmn.EventDefMessage, bpmn.EventDefSignal:
		payloadField := "message_payload"
		if node.EventDef == bpmn.EventDefSignal {
			payloadField = "signal_payload"
		}
		if _, delivered := tok.Data[payloadField]; delivered {
			if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"name": node.EventName}); err != nil {
				return err
			}
			return e.advance(ctx, g, inst, tok, node)
		}
		markEntered(tok, node.ID)
		waiting, err := e.tokens.UpdateState(ctx, tok, TokenWaiting, "")
		if err != nil {
			return err
		}
		return e.subscribe(ctx, node, subscriptionRecord{
			InstanceID: inst.ID,
			NodeID:     node.ID,
			TokenID:    waiting.ID,
		})
	}

	// Plain (none) intermediate event: pass through.
	if err := e.completeNode(ctx, g, inst, tok, node, nil); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// executeBoundaryResume dispatches a token planted at a boundary event
// by fireBoundary: it simply advances along the boundary's outgoing
// flow.
func (e *Engine) executeBoundaryResume(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if err := e.completeNode(ctx, g, inst, tok, node, map[string]any{"attached_to": node.AttachedTo}); err != nil {
		return err
	}
	return e.advance(ctx, g, inst, tok, node)
}

// registerBoundarySubscriptions arms the message/signal boundary events
// attached to an activity the token is entering. scopePrefix bounds the
// token sweep an interrupting boundary performs.
func (e *Engine) registerBoundarySubscriptions(ctx context.Context, g *bpmn.ProcessGraph, instanceID string, activity *bpmn.Node, scopePrefix string) error {
	for _, b := range g.BoundaryEvents(activity.ID) {
		if b.EventDef != bpmn.EventDefMessage && b.EventDef != bpmn.EventDefSignal {
			continue
		}
		rec := subscriptionRecord{
			InstanceID:   instanceID,
			NodeID:       b.ID,
			Boundary:     true,
			AttachedTo:   activity.ID,
			ScopePrefix:  scopePrefix,
			Interrupting: b.Interrupting,
		}
		if err := e.subscribe(ctx, b, rec); err != nil {
			return err
		}
	}
	return nil
}

// clearBoundarySubscriptions disarms an activity's boundary
// subscriptions once the activity has completed normally.
func (e *Engine) clearBoundarySubscriptions(ctx context.Context, g *bpmn.ProcessGraph, instanceID string, activity *bpmn.Node) error {
	var keys []string
	for _, b := range g.BoundaryEvents(activity.ID) {
		switch b.EventDef {
		case bpmn.EventDefMessage:
			keys = append(keys, store.MessageSubKey(b.EventName, instanceID, b.ID))
		case bpmn.EventDefSignal:
			keys = append(keys, store.SignalSubKey(b.EventName, instanceID, b.ID))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return e.fast.Del(ctx, keys...)
}

// subscribe writes the subscription record under the message/signal key
// for the event node.
func (e *Engine) subscribe(ctx context.Context, node *bpmn.Node, rec subscriptionRecord) error {
	if node.EventName == "" {
		return &ExecutorError{NodeID: node.ID, Message: "catch event has no message/signal name"}
	}
	var key string
	switch node.EventDef {
	case bpmn.EventDefMessage:
		key = store.MessageSubKey(node.EventName, rec.InstanceID, node.ID)
	case bpmn.EventDefSignal:
		key = store.SignalSubKey(node.EventName, rec.InstanceID, node.ID)
	default:
		return &ExecutorError{NodeID: node.ID, Message: "not a message/signal event"}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return e.fast.Set(ctx, key, data, 0)
}

// publishEvent emits a throw event's message/signal onto the bus so
// remote subscribers (and this worker's own consumer) can resolve it.
// Without a bus, delivery happens in-process after the current run loop
// releases the instance lock; a failed delivery is reported through the
// emitter since no caller is left to observe the error.
func (e *Engine) publishEvent(ctx context.Context, node *bpmn.Node, instanceID string) error {
	payload := map[string]any{"thrown_by": instanceID}
	name := node.EventName
	isSignal := node.EventDef == bpmn.EventDefSignal
	if e.bus == nil {
		nodeID := node.ID
		go func() {
			var err error
			if isSignal {
				err = e.DeliverSignal(context.Background(), name, "", payload)
			} else {
				err = e.DeliverMessage(context.Background(), name, "", payload)
			}
			if err != nil {
				e.emitter.Emit(emit.Event{
					InstanceID: instanceID,
					NodeID:     nodeID,
					Type:       "EVENT_DELIVERY_ERROR",
					Meta:       map[string]any{"name": name, "error": err.Error()},
				})
			}
		}()
		return nil
	}
	topic := bus.TopicMessage
	if isSignal {
		topic = bus.TopicSignal
	}
	return bus.PublishJSON(ctx, e.bus, topic, bus.Delivery{Name: name, Payload: payload})
}
