package sched

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/bus"
	"github.com/pythmata/pythmata-go/engine/emit"
	"github.com/pythmata/pythmata-go/engine/store"
)

// DefaultScanInterval is how often the scheduler rescans stored
// definitions for timer start events.
const DefaultScanInterval = 30 * time.Second

// Waker wakes a WAITING token when its timer fires. The engine
// implements it.
type Waker interface {
	WakeToken(ctx context.Context, instanceID, tokenID string, data map[string]any) error
}

// Options configures a Scheduler.
type Options struct {
	// ScanInterval between definition rescans (default 30s).
	ScanInterval time.Duration

	// Waker receives token-level timer fires (intermediate and boundary
	// timer events). Required when ScheduleTokenTimer is used.
	Waker Waker

	Emitter emit.Emitter
	Metrics *engine.Metrics

	// Now overrides the clock (tests).
	Now func() time.Time
}

// TimerMetadata is the job descriptor mirrored into the fast store so an
// operator (or a replacement scheduler) can see what is scheduled.
type TimerMetadata struct {
	DefinitionID string    `json:"definition_id"`
	NodeID       string    `json:"node_id"`
	TimerDef     string    `json:"timer_def"`
	TimerType    string    `json:"timer_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type job struct {
	definitionID string
	nodeID       string
	timerType    string
	timerDef     string
	trigger      Trigger

	timer  *time.Timer
	firing bool
	fired  int
}

func (j *job) key() string { return j.definitionID + ":" + j.nodeID }

// Scheduler owns every timer start event across stored definitions.
//
// One scheduler instance runs per deployment: firing publishes a
// process.started request with a freshly minted instance ID, and the
// durable store's idempotent instance creation absorbs duplicate
// deliveries. A firing that overlaps the previous one for the same
// timer is coalesced rather than queued.
type Scheduler struct {
	durable store.DurableStore
	fast    store.FastStore
	bus     bus.Bus
	opts    Options

	mu       sync.Mutex
	jobs     map[string]*job
	tokJobs  map[string]*time.Timer
	defsHash string

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler over the stores and the bus.
func New(durable store.DurableStore, fast store.FastStore, b bus.Bus, opts Options) *Scheduler {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		durable: durable,
		fast:    fast,
		bus:     b,
		opts:    opts,
		jobs:    map[string]*job{},
		tokJobs: map[string]*time.Timer{},
	}
}

// Start performs an initial scan and launches the rescan loop. It
// returns after the first scan so callers observe a fully scheduled
// state.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.Scan(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Scan(s.runCtx); err != nil {
				s.opts.Emitter.Emit(emit.Event{
					Type: "TIMER_SCAN_ERROR",
					Meta: map[string]any{"error": err.Error()},
				})
			}
		case <-s.runCtx.Done():
			return
		}
	}
}

// Stop cancels every pending timer and waits for in-flight fires.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	for _, t := range s.tokJobs {
		t.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Scan reconciles scheduled jobs against the stored definitions.
//
// The definitions are hashed (ID, version and timer entries); when the
// hash is unchanged since the previous scan the reconcile is skipped, so
// steady-state scans cost one list query and no XML parsing.
func (s *Scheduler) Scan(ctx context.Context) error {
	defs, err := s.durable.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}

	hash := definitionsHash(defs)
	s.mu.Lock()
	unchanged := hash == s.defsHash && s.defsHash != ""
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	desired := map[string]*job{}
	for _, def := range defs {
		g, err := bpmn.Parse([]byte(def.BpmnXML))
		if err != nil {
			s.opts.Emitter.Emit(emit.Event{
				Type: "TIMER_SCAN_ERROR",
				Meta: map[string]any{"definition_id": def.ID, "error": err.Error()},
			})
			continue
		}
		for _, n := range g.Nodes {
			if n.Kind != bpmn.KindStartEvent || n.Parent != "" || n.EventDef != bpmn.EventDefTimer {
				continue
			}
			trig, err := ParseTimer(n.TimerType, n.TimerValue, s.opts.Now())
			if err != nil {
				s.opts.Emitter.Emit(emit.Event{
					NodeID: n.ID,
					Type:   "TIMER_ERROR",
					Meta:   map[string]any{"definition_id": def.ID, "error": err.Error()},
				})
				continue
			}
			j := &job{
				definitionID: def.ID,
				nodeID:       n.ID,
				timerType:    n.TimerType,
				timerDef:     n.TimerValue,
				trigger:      trig,
			}
			desired[j.key()] = j
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defsHash = hash

	for key, j := range s.jobs {
		if _, keep := desired[key]; keep {
			continue
		}
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, key)
		_ = s.fast.Del(ctx, store.TimerMetadataKey(j.definitionID, j.nodeID))
	}

	for key, j := range desired {
		if existing, ok := s.jobs[key]; ok {
			if existing.timerType == j.timerType && existing.timerDef == j.timerDef {
				continue
			}
			if existing.timer != nil {
				existing.timer.Stop()
			}
		}
		s.jobs[key] = j
		s.scheduleLocked(j)
		if err := s.writeMetadata(ctx, j); err != nil {
			s.opts.Emitter.Emit(emit.Event{
				NodeID: j.nodeID,
				Type:   "TIMER_ERROR",
				Meta:   map[string]any{"definition_id": j.definitionID, "error": err.Error()},
			})
		}
	}
	return nil
}

// definitionsHash fingerprints the timer-relevant shape of the stored
// definitions: identity, version and the raw XML. Any change to a
// definition produces a new hash and forces a reconcile.
func definitionsHash(defs []*store.ProcessDefinition) string {
	sorted := make([]*store.ProcessDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].ID < sorted[k].ID })

	h := sha256.New()
	for _, def := range sorted {
		fmt.Fprintf(h, "%s@%d\n", def.ID, def.Version)
		h.Write([]byte(def.BpmnXML))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Scheduler) writeMetadata(ctx context.Context, j *job) error {
	meta := TimerMetadata{
		DefinitionID: j.definitionID,
		NodeID:       j.nodeID,
		TimerDef:     j.timerDef,
		TimerType:    j.timerType,
		CreatedAt:    s.opts.Now(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.fast.Set(ctx, store.TimerMetadataKey(j.definitionID, j.nodeID), data, 0)
}

// Metadata lists every mirrored timer descriptor from the fast store.
func (s *Scheduler) Metadata(ctx context.Context) ([]TimerMetadata, error) {
	keys, err := s.fast.Keys(ctx, store.TimerMetadataPattern)
	if err != nil {
		return nil, err
	}
	out := make([]TimerMetadata, 0, len(keys))
	for _, key := range keys {
		data, err := s.fast.Get(ctx, key)
		if err != nil {
			continue
		}
		var meta TimerMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// scheduleLocked arms the job's timer. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(j *job) {
	delay := j.trigger.At.Sub(s.opts.Now())
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() { s.fire(j) })
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	if _, live := s.jobs[j.key()]; !live || s.runCtx == nil || s.runCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if j.firing {
		// Coalesce: the previous fire is still publishing; skip this
		// tick rather than stacking instances.
		s.rescheduleLocked(j)
		s.mu.Unlock()
		return
	}
	j.firing = true
	s.mu.Unlock()

	ctx := s.runCtx
	instanceID := uuid.NewString()
	err := bus.PublishJSON(ctx, s.bus, bus.TopicProcessStarted, bus.StartRequest{
		DefinitionID: j.definitionID,
		InstanceID:   instanceID,
		Source:       "timer_scheduler",
	})
	if err != nil {
		s.opts.Emitter.Emit(emit.Event{
			NodeID: j.nodeID,
			Type:   "TIMER_ERROR",
			Meta:   map[string]any{"definition_id": j.definitionID, "error": err.Error()},
		})
	} else {
		s.opts.Metrics.TimerFired(j.definitionID)
		s.opts.Emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeID:     j.nodeID,
			Type:       "TIMER_FIRED",
			Meta:       map[string]any{"definition_id": j.definitionID},
		})
	}

	s.mu.Lock()
	j.firing = false
	j.fired++
	s.rescheduleLocked(j)
	s.mu.Unlock()
}

// rescheduleLocked arms the next cycle firing, or retires the job when
// it was one-shot or its repetition count is exhausted. Caller holds
// s.mu.
func (s *Scheduler) rescheduleLocked(j *job) {
	if j.trigger.Every <= 0 || (j.trigger.Count > 0 && j.fired >= j.trigger.Count) {
		return
	}
	j.timer = time.AfterFunc(j.trigger.Every, func() { s.fire(j) })
}

// ScheduleTokenTimer arms a one-shot timer for a WAITING token
// (intermediate or boundary timer event). It implements
// engine.TimerDelegate; the fire wakes the token through the Waker.
func (s *Scheduler) ScheduleTokenTimer(instanceID, nodeID, tokenID, timerType, timerValue string) error {
	if s.opts.Waker == nil {
		return fmt.Errorf("token timer on %s/%s: no waker configured", instanceID, nodeID)
	}
	trig, err := ParseTimer(timerType, timerValue, s.opts.Now())
	if err != nil {
		return &TimerError{NodeID: nodeID, Expr: timerValue, Message: err.Error()}
	}

	delay := trig.At.Sub(s.opts.Now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tokJobs[tokenID]; ok {
		prev.Stop()
	}
	s.tokJobs[tokenID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.tokJobs, tokenID)
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		} else if ctx.Err() != nil {
			return
		}
		if err := s.opts.Waker.WakeToken(ctx, instanceID, tokenID, map[string]any{"timer_fired": true}); err != nil {
			s.opts.Emitter.Emit(emit.Event{
				InstanceID: instanceID,
				NodeID:     nodeID,
				Type:       "TIMER_ERROR",
				Meta:       map[string]any{"token_id": tokenID, "error": err.Error()},
			})
		}
	})
	return nil
}
