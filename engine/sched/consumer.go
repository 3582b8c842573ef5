package sched

import (
	"context"
	"encoding/json"

	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/bus"
	"github.com/pythmata/pythmata-go/engine/emit"
	"github.com/pythmata/pythmata-go/engine/store"
)

// Runner is the engine surface the consumer drives. *engine.Engine
// satisfies it.
type Runner interface {
	CreateAndRun(ctx context.Context, req engine.CreateInstanceRequest) (*store.ProcessInstance, error)
	DeliverMessage(ctx context.Context, name, instanceID string, payload map[string]any) error
	DeliverSignal(ctx context.Context, name, instanceID string, payload map[string]any) error
}

// Consumer bridges the bus to the engine: process.started requests
// become running instances, message and signal publications wake the
// matching WAITING tokens.
//
// Handlers are idempotent end to end. A replayed start request carries
// the same pre-assigned instance ID and collapses onto the existing
// instance row; a replayed delivery finds its subscription already
// consumed and is a no-op.
type Consumer struct {
	bus     bus.Bus
	runner  Runner
	emitter emit.Emitter
}

// NewConsumer wires a consumer over the bus and the engine.
func NewConsumer(b bus.Bus, r Runner, emitter emit.Emitter) *Consumer {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Consumer{bus: b, runner: r, emitter: emitter}
}

// Start subscribes the consumer to the engine topics. Handlers run on
// the bus's dispatch goroutines until the bus is closed.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(bus.TopicProcessStarted, c.onProcessStarted); err != nil {
		return err
	}
	if err := c.bus.Subscribe(bus.TopicMessage, c.onMessage); err != nil {
		return err
	}
	return c.bus.Subscribe(bus.TopicSignal, c.onSignal)
}

func (c *Consumer) onProcessStarted(ctx context.Context, payload []byte) {
	var req bus.StartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.emitter.Emit(emit.Event{Type: "CONSUMER_ERROR", Meta: map[string]any{
			"topic": bus.TopicProcessStarted, "error": err.Error(),
		}})
		return
	}
	inst, err := c.runner.CreateAndRun(ctx, engine.CreateInstanceRequest{
		DefinitionID: req.DefinitionID,
		InstanceID:   req.InstanceID,
		Variables:    req.Variables,
		Source:       req.Source,
	})
	if err != nil {
		meta := map[string]any{"definition_id": req.DefinitionID, "error": err.Error()}
		c.emitter.Emit(emit.Event{InstanceID: req.InstanceID, Type: "CONSUMER_ERROR", Meta: meta})
		return
	}
	c.emitter.Emit(emit.Event{InstanceID: inst.ID, Type: "INSTANCE_RUN", Meta: map[string]any{
		"definition_id": req.DefinitionID, "source": req.Source,
	}})
}

func (c *Consumer) onMessage(ctx context.Context, payload []byte) {
	c.deliver(ctx, payload, bus.TopicMessage, c.runner.DeliverMessage)
}

func (c *Consumer) onSignal(ctx context.Context, payload []byte) {
	c.deliver(ctx, payload, bus.TopicSignal, c.runner.DeliverSignal)
}

func (c *Consumer) deliver(ctx context.Context, payload []byte, topic string, fn func(context.Context, string, string, map[string]any) error) {
	var d bus.Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		c.emitter.Emit(emit.Event{Type: "CONSUMER_ERROR", Meta: map[string]any{
			"topic": topic, "error": err.Error(),
		}})
		return
	}
	if err := fn(ctx, d.Name, d.InstanceID, d.Payload); err != nil {
		c.emitter.Emit(emit.Event{InstanceID: d.InstanceID, Type: "CONSUMER_ERROR", Meta: map[string]any{
			"topic": topic, "name": d.Name, "error": err.Error(),
		}})
	}
}
