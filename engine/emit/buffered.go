package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory,
// organized per instance, with query support. Intended for tests,
// debugging and dashboards.
//
// Warning: events are never evicted. Long-running deployments should
// call Clear periodically or use a persistent backend instead.
//
// Example:
//
//	emitter := emit.NewBufferedEmitter()
//	// ... run an instance ...
//	entered := emitter.GetHistoryWithFilter("inst-001", emit.HistoryFilter{Type: "NODE_ENTERED"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instance ID -> events in emit order
}

// HistoryFilter selects events from an instance's history. Empty fields
// match everything; set fields combine with AND.
type HistoryFilter struct {
	NodeID string // filter by node ID
	Type   string // filter by event type
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its instance's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// GetHistory returns every event for an instance in emit order. The
// returned slice is a copy.
func (b *BufferedEmitter) GetHistory(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[instanceID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the instance's events matching the filter,
// in emit order.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := []Event{}
	for _, event := range b.events[instanceID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events for one instance, or for every instance
// when instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}
