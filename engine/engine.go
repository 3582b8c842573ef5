package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/bpmn"
	"github.com/pythmata/pythmata-go/engine/bus"
	"github.com/pythmata/pythmata-go/engine/emit"
	"github.com/pythmata/pythmata-go/engine/store"
)

// Defaults for the run loop and instance lock.
const (
	DefaultMaxIterations = 1000
	DefaultLockTTL       = 30 * time.Second
)

// ServiceTaskContext is handed to service task implementations.
type ServiceTaskContext struct {
	InstanceID string
	TaskID     string
	Token      *Token
	Variables  map[string]any
}

// ServiceTask is one pluggable service task implementation, resolved by
// name from the registry.
type ServiceTask interface {
	Execute(ctx context.Context, tc ServiceTaskContext, properties map[string]string) (map[string]any, error)
}

// ServiceTaskRegistry resolves service task names to implementations.
// Population is the embedder's responsibility.
type ServiceTaskRegistry interface {
	Resolve(taskName string) (ServiceTask, bool)
}

// MapRegistry is a ServiceTaskRegistry over a plain map.
type MapRegistry map[string]ServiceTask

func (m MapRegistry) Resolve(taskName string) (ServiceTask, bool) {
	task, ok := m[taskName]
	return task, ok
}

// ServiceTaskFunc adapts a function to the ServiceTask interface.
type ServiceTaskFunc func(ctx context.Context, tc ServiceTaskContext, properties map[string]string) (map[string]any, error)

func (f ServiceTaskFunc) Execute(ctx context.Context, tc ServiceTaskContext, properties map[string]string) (map[string]any, error) {
	return f(ctx, tc, properties)
}

// TimerDelegate schedules intermediate and boundary timer fires. The
// scheduler implements it; firing wakes the token through WakeToken.
type TimerDelegate interface {
	ScheduleTokenTimer(instanceID, nodeID, tokenID, timerType, timerValue string) error
}

// Engine drives process instances: it owns the run loop and the node
// executors, and coordinates the token, variable and instance managers.
type Engine struct {
	durable   store.DurableStore
	fast      store.FastStore
	tokens    *TokenManager
	vars      *VariableManager
	instances *InstanceManager
	emitter   emit.Emitter
	bus       bus.Bus
	registry  ServiceTaskRegistry
	timers    TimerDelegate
	metrics   *Metrics

	maxIterations int
	lockTTL       time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter (default: discard).
func WithEmitter(e emit.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }

// WithBus sets the event bus used for call-activity starts and
// message/signal publication.
func WithBus(b bus.Bus) Option { return func(eng *Engine) { eng.bus = b } }

// WithServiceTaskRegistry installs the service task registry.
func WithServiceTaskRegistry(r ServiceTaskRegistry) Option {
	return func(eng *Engine) { eng.registry = r }
}

// WithTimerDelegate installs the scheduler's timer hook.
func WithTimerDelegate(t TimerDelegate) Option { return func(eng *Engine) { eng.timers = t } }

// WithMetrics installs Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(eng *Engine) { eng.metrics = m } }

// WithMaxIterations caps run loop dispatches per Run call.
func WithMaxIterations(n int) Option { return func(eng *Engine) { eng.maxIterations = n } }

// WithLockTTL sets the instance lock TTL.
func WithLockTTL(d time.Duration) Option { return func(eng *Engine) { eng.lockTTL = d } }

// New wires an Engine over the two stores.
func New(durable store.DurableStore, fast store.FastStore, opts ...Option) *Engine {
	e := &Engine{
		durable:       durable,
		fast:          fast,
		emitter:       emit.NewNullEmitter(),
		maxIterations: DefaultMaxIterations,
		lockTTL:       DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tokens = NewTokenManager(fast)
	e.vars = NewVariableManager(durable, fast)
	e.instances = NewInstanceManager(durable, fast, e.tokens, e.vars, e.emitter)
	return e
}

// Tokens exposes the token manager (tests and diagnostics).
func (e *Engine) Tokens() *TokenManager { return e.tokens }

// Variables exposes the variable manager.
func (e *Engine) Variables() *VariableManager { return e.vars }

// Instances exposes the instance manager (the RPC surface delegates to
// it for suspend/resume/terminate/list operations).
func (e *Engine) Instances() *InstanceManager { return e.instances }

// CreateAndRun creates the instance (idempotently) and drives it until
// no ACTIVE token remains.
func (e *Engine) CreateAndRun(ctx context.Context, req CreateInstanceRequest) (*store.ProcessInstance, error) {
	inst, err := e.instances.CreateInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	e.metrics.instanceStarted(req.DefinitionID)
	if err := e.Run(ctx, inst.ID); err != nil {
		return inst, err
	}
	return e.durable.GetInstance(ctx, inst.ID)
}

// Run drives one instance's run loop: under the instance lock it
// repeatedly dispatches the first ACTIVE token to its node executor
// until none remain, then completes the instance if no live token is
// left.
//
// Executor failures move the instance to ERROR with the failing token
// retained; Resume re-enters here from that token.
func (e *Engine) Run(ctx context.Context, instanceID string) error {
	acquired, err := e.acquireLock(ctx, instanceID)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("instance %s is locked by another worker", instanceID)
	}
	defer func() { _ = e.fast.ReleaseLock(ctx, store.LockKey(instanceID)) }()

	inst, err := e.durable.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if inst.Status != store.StatusRunning {
		return nil
	}
	g, _, err := e.instances.Graph(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}

	iterations := 0
	for {
		if err := e.fast.RefreshLock(ctx, store.LockKey(instanceID), e.lockTTL); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("refresh lock: %w", err)
		}

		tokens, err := e.tokens.List(ctx, instanceID)
		if err != nil {
			return err
		}
		tok := firstActive(tokens)
		e.metrics.setActiveTokens(countActive(tokens))
		if tok == nil {
			break
		}

		iterations++
		if iterations > e.maxIterations {
			limitErr := &ExecutionLimitError{InstanceID: instanceID, Iterations: e.maxIterations}
			e.failInstance(ctx, inst, tok.NodeID, limitErr)
			return limitErr
		}

		if err := e.executeToken(ctx, g, inst, tok); err != nil {
			var tse *TokenStateError
			if errors.As(err, &tse) {
				if terminated, terr := e.instanceGone(ctx, instanceID); terr == nil && terminated {
					// Cleanup raced the executor; benign.
					return nil
				}
			}
			e.failInstance(ctx, inst, tok.NodeID, err)
			return err
		}
	}

	tokens, err := e.tokens.List(ctx, instanceID)
	if err != nil {
		return err
	}
	if countLive(tokens) == 0 {
		current, err := e.durable.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if current.Status == store.StatusRunning {
			if err := e.instances.Complete(ctx, instanceID); err != nil {
				return err
			}
			e.metrics.instanceCompleted(inst.DefinitionID)
		}
	}
	return nil
}

// WakeToken transitions a WAITING token back to ACTIVE, merging extra
// data (timer fire marker, message payload), then re-enters the run
// loop. Used by the scheduler and the message/signal consumers.
func (e *Engine) WakeToken(ctx context.Context, instanceID, tokenID string, data map[string]any) error {
	acquired, err := e.acquireLock(ctx, instanceID)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("instance %s is locked by another worker", instanceID)
	}

	err = func() error {
		tokens, err := e.tokens.List(ctx, instanceID)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			if tok.ID != tokenID {
				continue
			}
			if tok.State != TokenWaiting {
				return &TokenStateError{TokenID: tokenID, NodeID: tok.NodeID, Message: "token is not WAITING"}
			}
			if tok.Data == nil {
				tok.Data = map[string]any{}
			}
			for k, v := range data {
				tok.Data[k] = v
			}
			_, err := e.tokens.UpdateState(ctx, tok, TokenActive, "")
			return err
		}
		return &TokenStateError{TokenID: tokenID, Message: "token not found"}
	}()
	_ = e.fast.ReleaseLock(ctx, store.LockKey(instanceID))
	if err != nil {
		return err
	}
	return e.Run(ctx, instanceID)
}

// DeliverMessage resolves message subscriptions for name (optionally
// filtered by instance) and resumes each waiting token with the payload.
func (e *Engine) DeliverMessage(ctx context.Context, name, instanceID string, payload map[string]any) error {
	return e.deliver(ctx, store.MessageSubPattern(name), instanceID, "message_payload", payload)
}

// DeliverSignal broadcasts a signal to every matching subscription.
func (e *Engine) DeliverSignal(ctx context.Context, name, instanceID string, payload map[string]any) error {
	return e.deliver(ctx, store.SignalSubPattern(name), instanceID, "signal_payload", payload)
}

func (e *Engine) deliver(ctx context.Context, pattern, instanceID, payloadField string, payload map[string]any) error {
	keys, err := e.fast.Keys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("scan subscriptions: %w", err)
	}
	var firstErr error
	for _, key := range keys {
		raw, err := e.fast.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var rec subscriptionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode subscription %s: %w", key, err)
		}
		if instanceID != "" && rec.InstanceID != instanceID {
			continue
		}
		if err := e.fast.Del(ctx, key); err != nil {
			return err
		}
		if rec.Boundary {
			err = e.fireBoundary(ctx, rec, payloadField, payload)
		} else {
			err = e.WakeToken(ctx, rec.InstanceID, rec.TokenID, map[string]any{payloadField: payload})
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// subscriptionRecord is the fast-store payload slot for a waiting
// message/signal catch or boundary event.
type subscriptionRecord struct {
	InstanceID   string `json:"instance_id"`
	NodeID       string `json:"node_id"`
	TokenID      string `json:"token_id,omitempty"`
	Boundary     bool   `json:"boundary,omitempty"`
	AttachedTo   string `json:"attached_to,omitempty"`
	ScopePrefix  string `json:"scope_prefix,omitempty"`
	Interrupting bool   `json:"interrupting,omitempty"`
}

// fireBoundary activates a boundary event: interrupting boundaries
// cancel the attached activity's tokens first, then an ACTIVE token is
// planted at the boundary node and the run loop resumes.
func (e *Engine) fireBoundary(ctx context.Context, rec subscriptionRecord, payloadField string, payload map[string]any) error {
	acquired, err := e.acquireLock(ctx, rec.InstanceID)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("instance %s is locked by another worker", rec.InstanceID)
	}

	err = func() error {
		tokens, err := e.tokens.List(ctx, rec.InstanceID)
		if err != nil {
			return err
		}
		var removeIDs []string
		if rec.Interrupting {
			for _, tok := range tokens {
				if tok.NodeID == rec.AttachedTo || (rec.ScopePrefix != "" && strings.HasPrefix(tok.ScopeID, rec.ScopePrefix)) {
					removeIDs = append(removeIDs, tok.ID)
				}
			}
		}
		boundaryTok := &Token{
			ID:         uuid.NewString(),
			InstanceID: rec.InstanceID,
			NodeID:     rec.NodeID,
			State:      TokenActive,
			Data:       map[string]any{payloadField: payload},
		}
		return e.tokens.Replace(ctx, rec.InstanceID, removeIDs, []*Token{boundaryTok})
	}()
	_ = e.fast.ReleaseLock(ctx, store.LockKey(rec.InstanceID))
	if err != nil {
		return err
	}
	return e.Run(ctx, rec.InstanceID)
}

// executeToken dispatches a single ACTIVE token to its node executor,
// logging NODE_ENTERED/NODE_COMPLETED uniformly around the node's work.
func (e *Engine) executeToken(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token) error {
	node := g.NodeByID(tok.NodeID)
	if node == nil {
		return &ExecutorError{NodeID: tok.NodeID, Message: "node not present in parsed graph"}
	}

	if tok.Data["entered"] != node.ID {
		e.instances.log(ctx, inst.ID, store.ActivityNodeEntered, node.ID, map[string]any{
			"token_id": tok.ID,
			"scope_id": tok.ScopeID,
		})
	}

	start := time.Now()
	err := e.dispatch(ctx, g, inst, tok, node)
	e.metrics.nodeExecuted(string(node.Kind), err, time.Since(start))
	return err
}

func (e *Engine) dispatch(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node) error {
	if node.MultiInstance != nil {
		return e.executeMultiInstance(ctx, g, inst, tok, node)
	}
	switch node.Kind {
	case bpmn.KindStartEvent:
		return e.executeStartEvent(ctx, g, inst, tok, node)
	case bpmn.KindEndEvent:
		return e.executeEndEvent(ctx, g, inst, tok, node)
	case bpmn.KindIntermediateEvent:
		return e.executeIntermediateEvent(ctx, g, inst, tok, node)
	case bpmn.KindBoundaryEvent:
		return e.executeBoundaryResume(ctx, g, inst, tok, node)
	case bpmn.KindTask, bpmn.KindScriptTask:
		return e.executeTask(ctx, g, inst, tok, node)
	case bpmn.KindServiceTask:
		return e.executeServiceTask(ctx, g, inst, tok, node)
	case bpmn.KindExclusiveGateway:
		return e.executeExclusiveGateway(ctx, g, inst, tok, node)
	case bpmn.KindParallelGateway:
		return e.executeParallelGateway(ctx, g, inst, tok, node)
	case bpmn.KindInclusiveGateway:
		return e.executeInclusiveGateway(ctx, g, inst, tok, node)
	case bpmn.KindSubProcess:
		return e.executeSubProcessEntry(ctx, g, inst, tok, node)
	case bpmn.KindCallActivity:
		return e.executeCallActivity(ctx, g, inst, tok, node)
	}
	return &ExecutorError{NodeID: node.ID, Message: fmt.Sprintf("no executor for node kind %s", node.Kind)}
}

// completeNode logs the uniform NODE_COMPLETED row and registers a
// compensation handler when the activity carries one.
func (e *Engine) completeNode(ctx context.Context, g *bpmn.ProcessGraph, inst *store.ProcessInstance, tok *Token, node *bpmn.Node, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["token_id"] = tok.ID
	e.instances.log(ctx, inst.ID, store.ActivityNodeCompleted, node.ID, details)
	return e.registerCompensation(ctx, g, inst, tok, node)
}

// failInstance records the executor failure and moves the instance to
// ERROR, retaining the token at the failing node.
func (e *Engine) failInstance(ctx context.Context, inst *store.ProcessInstance, nodeID string, cause error) {
	_ = e.instances.SetErrorState(ctx, inst.ID, fmt.Sprintf("node %s: %v", nodeID, cause))
	e.metrics.instanceErrored(inst.DefinitionID)
}

// instanceGone reports whether the instance row is missing or terminal,
// which makes TokenStateError benign.
func (e *Engine) instanceGone(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.durable.GetInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return inst.Status == store.StatusCompleted, nil
}

// acquireLock takes the instance lock with a short retry window.
func (e *Engine) acquireLock(ctx context.Context, instanceID string) (bool, error) {
	key := store.LockKey(instanceID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := e.fast.AcquireLock(ctx, key, e.lockTTL)
		if err != nil {
			return false, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// markEntered persists the NODE_ENTERED dedup marker on a token that is
// about to wait at its node.
func markEntered(tok *Token, nodeID string) {
	if tok.Data == nil {
		tok.Data = map[string]any{}
	}
	tok.Data["entered"] = nodeID
}

func firstActive(tokens []*Token) *Token {
	for _, tok := range tokens {
		if tok.State == TokenActive {
			return tok
		}
	}
	return nil
}

func countActive(tokens []*Token) int {
	n := 0
	for _, tok := range tokens {
		if tok.State == TokenActive {
			n++
		}
	}
	return n
}

// countLive counts tokens in non-terminal states.
func countLive(tokens []*Token) int {
	n := 0
	for _, tok := range tokens {
		if !tok.State.Terminal() {
			n++
		}
	}
	return n
}

// singleOutgoing resolves an activity's one outgoing flow. Zero flows is
// reported as ok=false (token is left in place); multiple flows must be
// modeled through a gateway.
func singleOutgoing(g *bpmn.ProcessGraph, node *bpmn.Node) (*bpmn.SequenceFlow, bool, error) {
	flows := g.OutgoingFlows(node)
	switch len(flows) {
	case 0:
		return nil, false, nil
	case 1:
		return flows[0], true, nil
	}
	return nil, false, &ExecutorError{
		NodeID:  node.ID,
		Message: fmt.Sprintf("%d outgoing flows; branch through an explicit gateway", len(flows)),
	}
}
