package bpmn

import (
	"encoding/xml"
	"strings"
)

// Parse converts BPMN 2.0 XML into a validated ProcessGraph.
//
// The document must use the BPMN model namespace and may carry pythmata
// extension configuration. Parse fails with a *ValidationError collecting
// every structural problem found (duplicate IDs, dangling flow references,
// missing start event, cycles); it never partially succeeds.
func Parse(data []byte) (*ProcessGraph, error) {
	doc, issues := decode(data)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	graph := build(doc)
	if issues := check(doc, graph); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return graph, nil
}

// decode unmarshals the document and reports problems that prevent any
// further analysis.
func decode(data []byte) (*xmlDefinitions, []ValidationIssue) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, []ValidationIssue{{Code: CodeEmptyXML, Message: "document is empty"}}
	}

	var doc xmlDefinitions
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, []ValidationIssue{{Code: CodeXMLParseError, Message: err.Error()}}
	}
	if len(doc.Processes) == 0 {
		return nil, []ValidationIssue{{Code: CodeSchemaError, Message: "no process element found"}}
	}
	return &doc, nil
}

// build converts the decoded document into a ProcessGraph. Structural
// validity is checked separately; build only shapes data.
//
// Only the first process element is executable; BPMN collaboration files
// with multiple processes are rejected by check.
func build(doc *xmlDefinitions) *ProcessGraph {
	proc := doc.Processes[0]
	g := &ProcessGraph{ProcessID: proc.ID, Name: proc.Name}

	collectElements(g, &proc.xmlElements, "")
	linkFlows(g)
	markCompensationHandlers(g, &proc.xmlElements)

	g.index()
	return g
}

// collectElements appends the scope's nodes and flows to the graph,
// recursing into subprocesses with the subprocess ID as parent.
func collectElements(g *ProcessGraph, els *xmlElements, parent string) {
	for _, e := range els.StartEvents {
		g.Nodes = append(g.Nodes, buildEvent(e, KindStartEvent, parent, false))
	}
	for _, e := range els.EndEvents {
		g.Nodes = append(g.Nodes, buildEvent(e, KindEndEvent, parent, true))
	}
	for _, e := range els.IntermediateCatch {
		g.Nodes = append(g.Nodes, buildEvent(e, KindIntermediateEvent, parent, false))
	}
	for _, e := range els.IntermediateThrow {
		g.Nodes = append(g.Nodes, buildEvent(e, KindIntermediateEvent, parent, true))
	}
	for _, e := range els.BoundaryEvents {
		n := buildEvent(e, KindBoundaryEvent, parent, false)
		n.AttachedTo = e.AttachedToRef
		// cancelActivity defaults to true per the BPMN schema.
		n.Interrupting = e.CancelActivity == nil || *e.CancelActivity
		g.Nodes = append(g.Nodes, n)
	}
	for _, t := range els.Tasks {
		g.Nodes = append(g.Nodes, buildTask(t, KindTask, parent))
	}
	for _, t := range els.ServiceTasks {
		g.Nodes = append(g.Nodes, buildTask(t, KindServiceTask, parent))
	}
	for _, t := range els.ScriptTasks {
		g.Nodes = append(g.Nodes, buildTask(t, KindScriptTask, parent))
	}
	for _, gw := range els.ExclusiveGateways {
		g.Nodes = append(g.Nodes, buildGateway(gw, KindExclusiveGateway, parent))
	}
	for _, gw := range els.ParallelGateways {
		g.Nodes = append(g.Nodes, buildGateway(gw, KindParallelGateway, parent))
	}
	for _, gw := range els.InclusiveGateways {
		g.Nodes = append(g.Nodes, buildGateway(gw, KindInclusiveGateway, parent))
	}
	for _, ca := range els.CallActivities {
		g.Nodes = append(g.Nodes, buildCallActivity(ca, parent))
	}
	for i := range els.SubProcesses {
		collectSubProcess(g, &els.SubProcesses[i], parent, false)
	}
	for i := range els.Transactions {
		collectSubProcess(g, &els.Transactions[i], parent, true)
	}
	for _, f := range els.SequenceFlows {
		g.Flows = append(g.Flows, &SequenceFlow{
			ID:        f.ID,
			SourceRef: f.SourceRef,
			TargetRef: f.TargetRef,
			Condition: strings.TrimSpace(f.Condition),
		})
	}
	for _, d := range els.DataObjects {
		g.DataObjects = append(g.DataObjects, DataObject{ID: d.ID, Name: d.Name})
	}
	for _, a := range els.Associations {
		g.Associations = append(g.Associations, Association{ID: a.ID, SourceRef: a.SourceRef, TargetRef: a.TargetRef})
	}

	// Default-flow markers live on the gateway element, not the flow.
	for _, gw := range els.ExclusiveGateways {
		markDefault(g, gw.Default)
	}
	for _, gw := range els.InclusiveGateways {
		markDefault(g, gw.Default)
	}
}

// collectSubProcess builds one subprocess (or transaction) node and
// recurses into its contained elements.
func collectSubProcess(g *ProcessGraph, sp *xmlSubProcess, parent string, transaction bool) {
	n := &Node{
		ID:            sp.ID,
		Name:          sp.Name,
		Kind:          KindSubProcess,
		Parent:        parent,
		Transaction:   transaction,
		MultiInstance: buildMultiInstance(sp.MultiInstance),
	}
	for _, se := range sp.StartEvents {
		n.SubStart = se.ID
		break
	}
	n.SubNodes = containedIDs(&sp.xmlElements)
	g.Nodes = append(g.Nodes, n)
	collectElements(g, &sp.xmlElements, sp.ID)
}

func markDefault(g *ProcessGraph, flowID string) {
	if flowID == "" {
		return
	}
	for _, f := range g.Flows {
		if f.ID == flowID {
			f.Default = true
		}
	}
}

func buildEvent(e xmlEvent, kind NodeKind, parent string, throw bool) *Node {
	n := &Node{ID: e.ID, Name: e.Name, Kind: kind, Parent: parent, Throw: throw}
	switch {
	case e.Timer != nil:
		n.EventDef = EventDefTimer
		switch {
		case e.Timer.TimeDuration != "":
			n.TimerType, n.TimerValue = "duration", strings.TrimSpace(e.Timer.TimeDuration)
		case e.Timer.TimeCycle != "":
			n.TimerType, n.TimerValue = "cycle", strings.TrimSpace(e.Timer.TimeCycle)
		case e.Timer.TimeDate != "":
			n.TimerType, n.TimerValue = "date", strings.TrimSpace(e.Timer.TimeDate)
		}
	case e.Message != nil:
		n.EventDef = EventDefMessage
		n.EventName = firstNonEmpty(e.Message.MessageRef, e.Name)
	case e.Signal != nil:
		n.EventDef = EventDefSignal
		n.EventName = firstNonEmpty(e.Signal.SignalRef, e.Name)
	case e.Error != nil:
		n.EventDef = EventDefError
		n.EventName = e.Error.ErrorRef
	case e.Compensate != nil:
		n.EventDef = EventDefCompensation
	}
	if e.Extensions != nil && e.Extensions.TimerEventConfig != nil {
		cfg := e.Extensions.TimerEventConfig
		n.EventDef = EventDefTimer
		n.TimerType = cfg.TimerType
		n.TimerValue = cfg.TimerValue
	}
	return n
}

func buildTask(t xmlTask, kind NodeKind, parent string) *Node {
	n := &Node{
		ID:              t.ID,
		Name:            t.Name,
		Kind:            kind,
		Parent:          parent,
		Script:          strings.TrimSpace(t.Script),
		ForCompensation: t.IsForCompensation,
		MultiInstance:   buildMultiInstance(t.MultiInstance),
	}
	if t.Extensions == nil {
		return n
	}
	if tc := t.Extensions.TaskConfig; tc != nil {
		if tc.Script != "" {
			n.Script = strings.TrimSpace(tc.Script)
		}
		for _, v := range tc.InputVariables.Variables {
			n.InputVars = append(n.InputVars, VarDecl{Name: v.Name, Type: v.Type})
		}
		for _, v := range tc.OutputVariables.Variables {
			n.OutputVars = append(n.OutputVars, VarDecl{Name: v.Name, Type: v.Type})
		}
	}
	if sc := t.Extensions.ScriptConfig; sc != nil {
		content := firstNonEmpty(strings.TrimSpace(sc.ScriptContent), strings.TrimSpace(sc.Text))
		if content != "" {
			n.Script = content
		}
	}
	if stc := t.Extensions.ServiceTaskConfig; stc != nil {
		cfg := &ServiceTaskConfig{TaskName: stc.TaskName, Properties: map[string]string{}}
		for _, p := range stc.Properties {
			cfg.Properties[p.Name] = p.Value
		}
		if len(stc.OutputMapping) > 0 {
			cfg.OutputMapping = map[string]string{}
			for _, p := range stc.OutputMapping {
				cfg.OutputMapping[p.Name] = p.Value
			}
		}
		n.ServiceTask = cfg
	}
	return n
}

func buildGateway(gw xmlGateway, kind NodeKind, parent string) *Node {
	return &Node{ID: gw.ID, Name: gw.Name, Kind: kind, Parent: parent}
}

func buildCallActivity(ca xmlCallActivity, parent string) *Node {
	n := &Node{
		ID:            ca.ID,
		Name:          ca.Name,
		Kind:          KindCallActivity,
		Parent:        parent,
		CalledElement: ca.CalledElement,
		MultiInstance: buildMultiInstance(ca.MultiInstance),
	}
	if ca.Extensions != nil && ca.Extensions.TaskConfig != nil {
		tc := ca.Extensions.TaskConfig
		if len(tc.InputVariables.Variables) > 0 {
			n.InputMap = map[string]string{}
			for _, v := range tc.InputVariables.Variables {
				n.InputMap[v.Name] = firstNonEmpty(v.Source, v.Name)
			}
		}
		if len(tc.OutputVariables.Variables) > 0 {
			n.OutputMap = map[string]string{}
			for _, v := range tc.OutputVariables.Variables {
				n.OutputMap[v.Name] = firstNonEmpty(v.Source, v.Name)
			}
		}
	}
	return n
}

func buildMultiInstance(mi *xmlMultiInstance) *MultiInstanceSpec {
	if mi == nil {
		return nil
	}
	return &MultiInstanceSpec{
		Sequential:          mi.IsSequential,
		Collection:          strings.TrimSpace(mi.LoopDataInputRef),
		Cardinality:         strings.TrimSpace(mi.LoopCardinality),
		CompletionCondition: strings.TrimSpace(mi.CompletionCondition),
	}
}

// linkFlows fills Incoming/Outgoing on every node from sequence flow
// declaration order. Gateway evaluation order depends on this.
func linkFlows(g *ProcessGraph) {
	byID := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	for _, f := range g.Flows {
		if src := byID[f.SourceRef]; src != nil {
			src.Outgoing = append(src.Outgoing, f.ID)
		}
		if dst := byID[f.TargetRef]; dst != nil {
			dst.Incoming = append(dst.Incoming, f.ID)
		}
	}
}

// markCompensationHandlers resolves association edges from compensation
// boundary events to their handler tasks and flags the handlers.
func markCompensationHandlers(g *ProcessGraph, els *xmlElements) {
	byID := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	var walk func(els *xmlElements)
	walk = func(els *xmlElements) {
		for _, a := range els.Associations {
			src, dst := byID[a.SourceRef], byID[a.TargetRef]
			if src == nil || dst == nil {
				continue
			}
			if src.Kind == KindBoundaryEvent && src.EventDef == EventDefCompensation {
				dst.ForCompensation = true
			}
		}
		for i := range els.SubProcesses {
			walk(&els.SubProcesses[i].xmlElements)
		}
		for i := range els.Transactions {
			walk(&els.Transactions[i].xmlElements)
		}
	}
	walk(els)
}

func containedIDs(els *xmlElements) []string {
	var ids []string
	add := func(id string) { ids = append(ids, id) }
	for _, e := range els.StartEvents {
		add(e.ID)
	}
	for _, e := range els.EndEvents {
		add(e.ID)
	}
	for _, e := range els.IntermediateCatch {
		add(e.ID)
	}
	for _, e := range els.IntermediateThrow {
		add(e.ID)
	}
	for _, e := range els.BoundaryEvents {
		add(e.ID)
	}
	for _, t := range els.Tasks {
		add(t.ID)
	}
	for _, t := range els.ServiceTasks {
		add(t.ID)
	}
	for _, t := range els.ScriptTasks {
		add(t.ID)
	}
	for _, gw := range els.ExclusiveGateways {
		add(gw.ID)
	}
	for _, gw := range els.ParallelGateways {
		add(gw.ID)
	}
	for _, gw := range els.InclusiveGateways {
		add(gw.ID)
	}
	for _, sp := range els.SubProcesses {
		add(sp.ID)
	}
	for _, tx := range els.Transactions {
		add(tx.ID)
	}
	for _, ca := range els.CallActivities {
		add(ca.ID)
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
