// Package emit provides pluggable observability for process execution.
//
// The engine emits one Event per significant execution step (instance
// lifecycle transitions, node entry and completion, token moves, errors)
// to a configured Emitter. Emitters translate those events into logs,
// OpenTelemetry spans, or in-memory history for tests and dashboards.
package emit

// Event is one observability event emitted during process execution.
//
// Events mirror the durable activity log but are fire-and-forget: they
// carry no delivery guarantee and must never affect execution.
type Event struct {
	// InstanceID identifies the process instance that emitted this event.
	InstanceID string

	// NodeID identifies the BPMN node involved. Empty for
	// instance-level events (created, completed, error).
	NodeID string

	// Type is the event kind, matching the activity log vocabulary:
	// "INSTANCE_CREATED", "NODE_ENTERED", "NODE_COMPLETED", and so on.
	Type string

	// Meta carries additional structured data. Common keys:
	//   - "token_id": the token that drove the step
	//   - "scope_id": the token's scope path
	//   - "error": error details
	//   - "duration_ms": execution duration for timed steps
	Meta map[string]interface{}
}
