package engine

import (
	"fmt"
	"sync"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/store"
)

// graphCache memoizes parsed graphs keyed by (definition, version).
// Definitions are immutable per version, so entries never invalidate.
type graphCache struct {
	mu      sync.RWMutex
	entries map[string]*bpmn.ProcessGraph
}

func newGraphCache() *graphCache {
	return &graphCache{entries: map[string]*bpmn.ProcessGraph{}}
}

func (c *graphCache) get(def *store.ProcessDefinition) (*bpmn.ProcessGraph, error) {
	key := fmt.Sprintf("%s@%d", def.ID, def.Version)

	c.mu.RLock()
	g, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := bpmn.Parse([]byte(def.BpmnXML))
	if err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", def.ID, err)
	}
	c.mu.Lock()
	c.entries[key] = g
	c.mu.Unlock()
	return g, nil
}
