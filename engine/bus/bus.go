// Package bus carries the engine's asynchronous notifications: instance
// start requests from the scheduler and API, and message/signal
// deliveries that wake waiting tokens.
//
// Delivery is at-least-once at best; consumers are idempotent (instance
// creation dedupes on instance ID, subscription resolution tolerates
// replays) so the bus itself stays simple.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topics published by the engine and scheduler.
const (
	// TopicProcessStarted requests that a worker create and run an
	// instance. Payload: StartRequest.
	TopicProcessStarted = "process.started"

	// TopicMessage delivers a named message to matching subscriptions.
	// Payload: Delivery.
	TopicMessage = "process.message"

	// TopicSignal broadcasts a named signal to every matching
	// subscription. Payload: Delivery.
	TopicSignal = "process.signal"
)

// StartRequest asks a worker to create and execute a process instance.
// The instance ID is assigned by the publisher so duplicate deliveries
// collapse onto one instance row.
type StartRequest struct {
	DefinitionID string         `json:"definition_id"`
	InstanceID   string         `json:"instance_id"`
	Variables    map[string]any `json:"variables,omitempty"`

	// Source records what produced the request ("api", "timer",
	// "call_activity") for the audit trail.
	Source string `json:"source,omitempty"`
}

// Delivery is one message or signal correlated by name. InstanceID
// narrows a message to one instance; signals leave it empty and fan out.
type Delivery struct {
	Name       string         `json:"name"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Handler consumes one published payload. Handlers run on the bus's
// dispatch goroutine per delivery; blocking work belongs in the handler's
// own goroutine or worker pool.
type Handler func(ctx context.Context, payload []byte)

// Bus is the publish/subscribe transport between schedulers, the API
// surface and engine workers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Every subscriber
	// receives every payload (fan-out, not work-sharing).
	Subscribe(topic string, h Handler) error

	Close() error
}

// PublishJSON marshals v and publishes it on the topic.
func PublishJSON(ctx context.Context, b Bus, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, data)
}
