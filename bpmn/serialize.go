package bpmn

import (
	"bytes"
	"encoding/xml"
	"sort"
)

// Serialize renders a ProcessGraph back to BPMN 2.0 XML.
//
// The output is accepted by Parse and reproduces the same graph: node and
// flow identities, event definitions, extension configuration and
// containment all survive the round trip. Element ordering is normalized
// (grouped by kind within each scope); per-scope sequence flow order, which
// gateway evaluation depends on, is preserved.
func Serialize(g *ProcessGraph) ([]byte, error) {
	proc := xmlProcess{ID: g.ProcessID, Name: g.Name, IsExecutable: "true"}
	fillElements(g, &proc.xmlElements, "")

	doc := xmlDefinitions{Processes: []xmlProcess{proc}}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// fillElements emits every node and flow whose parent is the given scope,
// recursing into subprocesses.
func fillElements(g *ProcessGraph, els *xmlElements, parent string) {
	defaults := defaultFlowsBySource(g)

	for _, n := range g.Nodes {
		if n.Parent != parent {
			continue
		}
		switch n.Kind {
		case KindStartEvent:
			els.StartEvents = append(els.StartEvents, eventXML(n))
		case KindEndEvent:
			els.EndEvents = append(els.EndEvents, eventXML(n))
		case KindIntermediateEvent:
			if n.Throw {
				els.IntermediateThrow = append(els.IntermediateThrow, eventXML(n))
			} else {
				els.IntermediateCatch = append(els.IntermediateCatch, eventXML(n))
			}
		case KindBoundaryEvent:
			e := eventXML(n)
			e.AttachedToRef = n.AttachedTo
			cancel := n.Interrupting
			e.CancelActivity = &cancel
			els.BoundaryEvents = append(els.BoundaryEvents, e)
		case KindTask:
			els.Tasks = append(els.Tasks, taskXML(n))
		case KindServiceTask:
			els.ServiceTasks = append(els.ServiceTasks, taskXML(n))
		case KindScriptTask:
			els.ScriptTasks = append(els.ScriptTasks, taskXML(n))
		case KindExclusiveGateway:
			els.ExclusiveGateways = append(els.ExclusiveGateways, gatewayXML(n, defaults))
		case KindParallelGateway:
			els.ParallelGateways = append(els.ParallelGateways, gatewayXML(n, defaults))
		case KindInclusiveGateway:
			els.InclusiveGateways = append(els.InclusiveGateways, gatewayXML(n, defaults))
		case KindSubProcess:
			sp := xmlSubProcess{ID: n.ID, Name: n.Name, MultiInstance: multiInstanceXML(n.MultiInstance)}
			fillElements(g, &sp.xmlElements, n.ID)
			if n.Transaction {
				els.Transactions = append(els.Transactions, sp)
			} else {
				els.SubProcesses = append(els.SubProcesses, sp)
			}
		case KindCallActivity:
			els.CallActivities = append(els.CallActivities, callActivityXML(n))
		}
	}

	for _, f := range g.Flows {
		src := g.NodeByID(f.SourceRef)
		if src == nil || src.Parent != parent {
			continue
		}
		els.SequenceFlows = append(els.SequenceFlows, xmlSequenceFlow{
			ID:        f.ID,
			SourceRef: f.SourceRef,
			TargetRef: f.TargetRef,
			Condition: f.Condition,
		})
	}

	if parent == "" {
		for _, d := range g.DataObjects {
			els.DataObjects = append(els.DataObjects, xmlDataObject{ID: d.ID, Name: d.Name})
		}
		for _, a := range g.Associations {
			els.Associations = append(els.Associations, xmlAssociation{ID: a.ID, SourceRef: a.SourceRef, TargetRef: a.TargetRef})
		}
	}
}

func defaultFlowsBySource(g *ProcessGraph) map[string]string {
	out := map[string]string{}
	for _, f := range g.Flows {
		if f.Default {
			out[f.SourceRef] = f.ID
		}
	}
	return out
}

func eventXML(n *Node) xmlEvent {
	e := xmlEvent{ID: n.ID, Name: n.Name}
	switch n.EventDef {
	case EventDefTimer:
		t := &xmlTimerEventDef{}
		switch n.TimerType {
		case "cycle":
			t.TimeCycle = n.TimerValue
		case "date":
			t.TimeDate = n.TimerValue
		default:
			t.TimeDuration = n.TimerValue
		}
		e.Timer = t
	case EventDefMessage:
		e.Message = &xmlRefEventDef{MessageRef: n.EventName}
	case EventDefSignal:
		e.Signal = &xmlRefEventDef{SignalRef: n.EventName}
	case EventDefError:
		e.Error = &xmlErrorEventDef{ErrorRef: n.EventName}
	case EventDefCompensation:
		e.Compensate = &xmlEmptyDef{}
	}
	return e
}

func taskXML(n *Node) xmlTask {
	t := xmlTask{
		ID:                n.ID,
		Name:              n.Name,
		IsForCompensation: n.ForCompensation,
		Script:            n.Script,
		MultiInstance:     multiInstanceXML(n.MultiInstance),
	}
	var ext xmlExtensions
	hasExt := false
	if len(n.InputVars) > 0 || len(n.OutputVars) > 0 {
		tc := &xmlTaskConfig{}
		for _, v := range n.InputVars {
			tc.InputVariables.Variables = append(tc.InputVariables.Variables, xmlVariable{Name: v.Name, Type: v.Type})
		}
		for _, v := range n.OutputVars {
			tc.OutputVariables.Variables = append(tc.OutputVariables.Variables, xmlVariable{Name: v.Name, Type: v.Type})
		}
		ext.TaskConfig = tc
		hasExt = true
	}
	if n.ServiceTask != nil {
		stc := &xmlServiceTaskConfig{TaskName: n.ServiceTask.TaskName}
		for _, name := range sortedKeys(n.ServiceTask.Properties) {
			stc.Properties = append(stc.Properties, xmlProperty{Name: name, Value: n.ServiceTask.Properties[name]})
		}
		for _, name := range sortedKeys(n.ServiceTask.OutputMapping) {
			stc.OutputMapping = append(stc.OutputMapping, xmlProperty{Name: name, Value: n.ServiceTask.OutputMapping[name]})
		}
		ext.ServiceTaskConfig = stc
		hasExt = true
	}
	if hasExt {
		t.Extensions = &ext
	}
	return t
}

func gatewayXML(n *Node, defaults map[string]string) xmlGateway {
	return xmlGateway{ID: n.ID, Name: n.Name, Default: defaults[n.ID]}
}

func callActivityXML(n *Node) xmlCallActivity {
	ca := xmlCallActivity{
		ID:            n.ID,
		Name:          n.Name,
		CalledElement: n.CalledElement,
		MultiInstance: multiInstanceXML(n.MultiInstance),
	}
	if len(n.InputMap) > 0 || len(n.OutputMap) > 0 {
		tc := &xmlTaskConfig{}
		for _, name := range sortedKeys(n.InputMap) {
			tc.InputVariables.Variables = append(tc.InputVariables.Variables, xmlVariable{Name: name, Source: n.InputMap[name]})
		}
		for _, name := range sortedKeys(n.OutputMap) {
			tc.OutputVariables.Variables = append(tc.OutputVariables.Variables, xmlVariable{Name: name, Source: n.OutputMap[name]})
		}
		ca.Extensions = &xmlExtensions{TaskConfig: tc}
	}
	return ca
}

func multiInstanceXML(mi *MultiInstanceSpec) *xmlMultiInstance {
	if mi == nil {
		return nil
	}
	return &xmlMultiInstance{
		IsSequential:        mi.Sequential,
		LoopCardinality:     mi.Cardinality,
		LoopDataInputRef:    mi.Collection,
		CompletionCondition: mi.CompletionCondition,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
