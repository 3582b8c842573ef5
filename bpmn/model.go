// Package bpmn parses BPMN 2.0 process diagrams into an immutable in-memory
// graph and validates them for execution.
package bpmn

// NodeKind discriminates the flow-node variants of a process graph.
//
// The engine dispatches node execution on this kind, so every element the
// parser accepts must map to exactly one kind.
type NodeKind string

const (
	KindStartEvent        NodeKind = "startEvent"
	KindEndEvent          NodeKind = "endEvent"
	KindIntermediateEvent NodeKind = "intermediateEvent"
	KindBoundaryEvent     NodeKind = "boundaryEvent"
	KindTask              NodeKind = "task"
	KindServiceTask       NodeKind = "serviceTask"
	KindScriptTask        NodeKind = "scriptTask"
	KindExclusiveGateway  NodeKind = "exclusiveGateway"
	KindParallelGateway   NodeKind = "parallelGateway"
	KindInclusiveGateway  NodeKind = "inclusiveGateway"
	KindSubProcess        NodeKind = "subProcess"
	KindCallActivity      NodeKind = "callActivity"
)

// TransactionEndRef is the synthetic sequence-flow target that closes the
// innermost enclosing transaction subprocess. It never resolves to a node;
// the engine commits the transaction and exits the subprocess scope when a
// flow reaches it.
const TransactionEndRef = "Transaction_End"

// EventDefType identifies the optional event definition carried by an event
// node. Empty means a plain (none) event.
type EventDefType string

const (
	EventDefNone         EventDefType = ""
	EventDefTimer        EventDefType = "timer"
	EventDefMessage      EventDefType = "message"
	EventDefSignal       EventDefType = "signal"
	EventDefError        EventDefType = "error"
	EventDefCompensation EventDefType = "compensation"
)

// VarDecl declares a task input or output variable with its value type.
type VarDecl struct {
	Name string
	Type string
}

// ServiceTaskConfig is the vendor extension configuration for service tasks.
// TaskName is resolved against the engine's service task registry at runtime.
type ServiceTaskConfig struct {
	TaskName      string
	Properties    map[string]string
	OutputMapping map[string]string
}

// MultiInstanceSpec describes multi-instance expansion characteristics on an
// activity: either a collection reference or a fixed cardinality, executed
// in parallel or sequentially.
type MultiInstanceSpec struct {
	Sequential          bool
	Collection          string
	Cardinality         string
	CompletionCondition string
}

// Node is a single flow node in the process graph.
//
// All variants share id, incoming and outgoing flow references; the
// remaining fields are populated per kind (events carry event definitions,
// tasks carry scripts and variable declarations, and so on). A Node is
// immutable after parsing.
type Node struct {
	ID   string
	Name string
	Kind NodeKind

	// Incoming and Outgoing hold sequence flow IDs in source-declaration
	// order. Gateway condition evaluation depends on this order.
	Incoming []string
	Outgoing []string

	// Parent is the enclosing subProcess ID, empty for top-level nodes.
	Parent string

	// Event fields.
	EventDef     EventDefType
	EventName    string // message/signal name or error code
	TimerType    string // "duration", "cycle" or "date"
	TimerValue   string
	AttachedTo   string // boundary events only
	Interrupting bool   // boundary events only
	Throw        bool   // intermediate throw vs catch

	// Task fields.
	Script          string
	InputVars       []VarDecl
	OutputVars      []VarDecl
	ServiceTask     *ServiceTaskConfig
	ForCompensation bool

	// SubProcess fields. SubStart is the contained start event; SubNodes
	// lists the IDs of all directly contained nodes. Transaction marks a
	// transaction subprocess: the engine opens a transaction context on
	// entry and commits or compensates it on exit.
	SubStart    string
	SubNodes    []string
	Transaction bool

	// CallActivity fields.
	CalledElement string
	InputMap      map[string]string
	OutputMap     map[string]string

	// Multi-instance characteristics, nil when absent.
	MultiInstance *MultiInstanceSpec
}

// SequenceFlow connects two nodes, optionally guarded by a condition
// expression. Default marks the gateway's fallback flow.
type SequenceFlow struct {
	ID        string
	SourceRef string
	TargetRef string
	Condition string
	Default   bool
}

// DataObject is a declared data artifact. The engine does not execute data
// objects; they are retained for serialization fidelity.
type DataObject struct {
	ID   string
	Name string
}

// Association is an artifact edge. Its one executable role is binding a
// compensation boundary event to its handler task.
type Association struct {
	ID        string
	SourceRef string
	TargetRef string
}

// ProcessGraph is the parsed, validated form of a process definition.
// It is derived from BPMN XML on demand and never persisted.
type ProcessGraph struct {
	ProcessID string
	Name      string

	Nodes        []*Node
	Flows        []*SequenceFlow
	DataObjects  []DataObject
	Associations []Association

	nodesByID map[string]*Node
	flowsByID map[string]*SequenceFlow
}

// NodeByID returns the node with the given ID, or nil.
func (g *ProcessGraph) NodeByID(id string) *Node {
	return g.nodesByID[id]
}

// FlowByID returns the sequence flow with the given ID, or nil.
func (g *ProcessGraph) FlowByID(id string) *SequenceFlow {
	return g.flowsByID[id]
}

// OutgoingFlows returns the node's outgoing flows in source-declaration
// order. Unknown flow IDs are skipped (the validator rejects them first).
func (g *ProcessGraph) OutgoingFlows(n *Node) []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(n.Outgoing))
	for _, id := range n.Outgoing {
		if f := g.flowsByID[id]; f != nil {
			flows = append(flows, f)
		}
	}
	return flows
}

// StartEvents returns all start events that are not nested inside a
// subprocess. Timer-carrying start events are owned by the scheduler.
func (g *ProcessGraph) StartEvents() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == KindStartEvent && n.Parent == "" {
			out = append(out, n)
		}
	}
	return out
}

// BoundaryEvents returns the boundary events attached to the given activity.
func (g *ProcessGraph) BoundaryEvents(activityID string) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == KindBoundaryEvent && n.AttachedTo == activityID {
			out = append(out, n)
		}
	}
	return out
}

// CompensationHandler returns the compensation handler task for an activity,
// resolved through its compensation boundary event, or (nil, nil) when the
// activity has none.
func (g *ProcessGraph) CompensationHandler(activityID string) (boundary, handler *Node) {
	for _, b := range g.BoundaryEvents(activityID) {
		if b.EventDef != EventDefCompensation {
			continue
		}
		// Association edges bind the boundary to its handler task.
		for _, a := range g.Associations {
			if a.SourceRef != b.ID {
				continue
			}
			if n := g.nodesByID[a.TargetRef]; n != nil && n.ForCompensation {
				return b, n
			}
		}
		for _, fid := range b.Outgoing {
			if f := g.flowsByID[fid]; f != nil {
				return b, g.nodesByID[f.TargetRef]
			}
		}
	}
	return nil, nil
}

// index rebuilds the lookup maps. Called by the parser after construction.
func (g *ProcessGraph) index() {
	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		g.nodesByID[n.ID] = n
	}
	g.flowsByID = make(map[string]*SequenceFlow, len(g.Flows))
	for _, f := range g.Flows {
		g.flowsByID[f.ID] = f
	}
}
