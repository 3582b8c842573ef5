package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemDurableStore is an in-memory DurableStore for tests and examples.
//
// It mirrors the relational implementations' semantics (idempotent
// instance creation, versioned variable upserts, append-only log) without
// external dependencies. Not intended for production use: nothing survives
// process exit.
type MemDurableStore struct {
	mu          sync.RWMutex
	definitions map[string]*ProcessDefinition
	instances   map[string]*ProcessInstance
	variables   map[string][]*Variable // by instance ID
	activities  map[string][]*ActivityLog
}

// NewMemDurableStore creates an empty in-memory durable store.
func NewMemDurableStore() *MemDurableStore {
	return &MemDurableStore{
		definitions: map[string]*ProcessDefinition{},
		instances:   map[string]*ProcessInstance{},
		variables:   map[string][]*Variable{},
		activities:  map[string][]*ActivityLog{},
	}
}

func (s *MemDurableStore) CreateDefinition(_ context.Context, def *ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemDurableStore) GetDefinition(_ context.Context, id string) (*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (s *MemDurableStore) ListDefinitions(_ context.Context) ([]*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProcessDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemDurableStore) CreateInstance(_ context.Context, inst *ProcessInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return false, nil
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return true, nil
}

func (s *MemDurableStore) GetInstance(_ context.Context, id string) (*ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemDurableStore) ListInstances(_ context.Context, definitionID string) ([]*ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ProcessInstance
	for _, inst := range s.instances {
		if definitionID == "" || inst.DefinitionID == definitionID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemDurableStore) UpdateInstanceStatus(_ context.Context, id string, status InstanceStatus, endTime *time.Time, entry *ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.Status = status
	if endTime != nil {
		t := *endTime
		inst.EndTime = &t
	}
	if entry != nil {
		cp := *entry
		s.activities[id] = append(s.activities[id], &cp)
	}
	return nil
}

func (s *MemDurableStore) UpsertVariable(_ context.Context, v *Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars := s.variables[v.InstanceID]
	for _, existing := range vars {
		if existing.ScopeID == v.ScopeID && existing.Name == v.Name {
			existing.Type = v.Type
			existing.Value = v.Value
			existing.Version++
			return nil
		}
	}
	cp := *v
	cp.Version = 1
	s.variables[v.InstanceID] = append(vars, &cp)
	return nil
}

func (s *MemDurableStore) ListVariables(_ context.Context, instanceID, scopeID string) ([]*Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Variable
	for _, v := range s.variables[instanceID] {
		if scopeID == "" || v.ScopeID == scopeID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemDurableStore) AppendActivity(_ context.Context, entry *ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.activities[entry.InstanceID] = append(s.activities[entry.InstanceID], &cp)
	return nil
}

func (s *MemDurableStore) ListActivities(_ context.Context, instanceID string) ([]*ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ActivityLog, 0, len(s.activities[instanceID]))
	for _, entry := range s.activities[instanceID] {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemDurableStore) Close() error { return nil }

// MemFastStore is an in-memory FastStore. Locks honor TTLs against the
// wall clock; list and hash semantics match the Redis implementation.
type MemFastStore struct {
	mu     sync.Mutex
	values map[string]memValue
	lists  map[string][][]byte
	hashes map[string]map[string][]byte
	locks  map[string]time.Time // expiry
}

type memValue struct {
	data   []byte
	expiry time.Time // zero means no TTL
}

// NewMemFastStore creates an empty in-memory fast store.
func NewMemFastStore() *MemFastStore {
	return &MemFastStore{
		values: map[string]memValue{},
		lists:  map[string][][]byte{},
		hashes: map[string]map[string][]byte{},
		locks:  map[string]time.Time{},
	}
}

func (s *MemFastStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || (!v.expiry.IsZero() && time.Now().After(v.expiry)) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

func (s *MemFastStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, val, ttl)
	return nil
}

func (s *MemFastStore) set(key string, val []byte, ttl time.Duration) {
	v := memValue{data: append([]byte(nil), val...)}
	if ttl > 0 {
		v.expiry = time.Now().Add(ttl)
	}
	s.values[key] = v
}

func (s *MemFastStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.del(keys...)
	return nil
}

func (s *MemFastStore) del(keys ...string) {
	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
		delete(s.hashes, key)
	}
}

func (s *MemFastStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	match := func(key string) {
		// Glob semantics as in Redis KEYS; ':' is an ordinary character.
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key := range s.values {
		match(key)
	}
	for key := range s.lists {
		match(key)
	}
	for key := range s.hashes {
		match(key)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemFastStore) ListRange(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	out := make([][]byte, len(list))
	for i, item := range list {
		out[i] = append([]byte(nil), item...)
	}
	return out, nil
}

func (s *MemFastStore) ListPush(_ context.Context, key string, vals ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listPush(key, vals...)
	return nil
}

func (s *MemFastStore) listPush(key string, vals ...[]byte) {
	for _, val := range vals {
		s.lists[key] = append(s.lists[key], append([]byte(nil), val...))
	}
}

func (s *MemFastStore) HashGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.hashes[key][field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemFastStore) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.hashes[key]))
	for field, val := range s.hashes[key] {
		out[field] = append([]byte(nil), val...)
	}
	return out, nil
}

func (s *MemFastStore) HashSet(_ context.Context, key, field string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashSet(key, field, val)
	return nil
}

func (s *MemFastStore) hashSet(key, field string, val []byte) {
	h := s.hashes[key]
	if h == nil {
		h = map[string][]byte{}
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), val...)
}

func (s *MemFastStore) HashDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashDel(key, fields...)
	return nil
}

func (s *MemFastStore) hashDel(key string, fields ...string) {
	for _, field := range fields {
		delete(s.hashes[key], field)
	}
}

func (s *MemFastStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, held := s.locks[key]; held && time.Now().Before(expiry) {
		return false, nil
	}
	s.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemFastStore) RefreshLock(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; !held {
		return ErrNotFound
	}
	s.locks[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemFastStore) ReleaseLock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

// Pipeline returns a transactional batch. The in-memory implementation
// applies the queued mutations under one lock acquisition.
func (s *MemFastStore) Pipeline() Pipeline {
	return &memPipeline{store: s}
}

func (s *MemFastStore) Close() error { return nil }

type memPipeline struct {
	store *MemFastStore
	ops   []func()
}

func (p *memPipeline) Set(key string, val []byte, ttl time.Duration) {
	data := append([]byte(nil), val...)
	p.ops = append(p.ops, func() { p.store.set(key, data, ttl) })
}

func (p *memPipeline) Del(keys ...string) {
	ks := append([]string(nil), keys...)
	p.ops = append(p.ops, func() { p.store.del(ks...) })
}

func (p *memPipeline) ListPush(key string, vals ...[]byte) {
	copied := make([][]byte, len(vals))
	for i, v := range vals {
		copied[i] = append([]byte(nil), v...)
	}
	p.ops = append(p.ops, func() { p.store.listPush(key, copied...) })
}

func (p *memPipeline) HashSet(key, field string, val []byte) {
	data := append([]byte(nil), val...)
	p.ops = append(p.ops, func() { p.store.hashSet(key, field, data) })
}

func (p *memPipeline) HashDel(key string, fields ...string) {
	fs := append([]string(nil), fields...)
	p.ops = append(p.ops, func() { p.store.hashDel(key, fs...) })
}

func (p *memPipeline) Exec(_ context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}
