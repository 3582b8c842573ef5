package bpmn

// Validate analyzes a BPMN document without raising. It returns every
// problem found rather than stopping at the first, so authoring tools can
// surface a complete report.
func Validate(data []byte) ValidationResult {
	doc, issues := decode(data)
	if len(issues) > 0 {
		return ValidationResult{Valid: false, Errors: issues}
	}
	issues = check(doc, build(doc))
	return ValidationResult{Valid: len(issues) == 0, Errors: issues}
}

// Elements the engine does not execute but tolerates in authored documents.
var tolerated = map[string]bool{
	"documentation":  true,
	"laneSet":        true,
	"textAnnotation": true,
	"group":          true,
}

// check runs every structural rule over the decoded document and the built
// graph. Shared by Parse (throwing) and Validate (collecting).
func check(doc *xmlDefinitions, g *ProcessGraph) []ValidationIssue {
	var issues []ValidationIssue
	add := func(code, msg, element string) {
		issues = append(issues, ValidationIssue{Code: code, Message: msg, Element: element})
	}

	if len(doc.Processes) > 1 {
		add(CodeSchemaError, "multiple process elements are not supported", doc.Processes[1].ID)
	}
	if doc.Processes[0].ID == "" {
		add(CodeMissingAttribute, "process is missing an id", "")
	}

	checkUnsupported(&doc.Processes[0].xmlElements, add)

	// IDs must be present and unique across nodes, flows and data objects.
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if n.ID == "" {
			add(CodeMissingAttribute, string(n.Kind)+" is missing an id", "")
			continue
		}
		if seen[n.ID] {
			add(CodeDuplicateID, "duplicate element id", n.ID)
		}
		seen[n.ID] = true
	}
	for _, f := range g.Flows {
		if f.ID == "" {
			add(CodeMissingAttribute, "sequenceFlow is missing an id", "")
			continue
		}
		if seen[f.ID] {
			add(CodeDuplicateID, "duplicate element id", f.ID)
		}
		seen[f.ID] = true
	}

	// Flow endpoints must exist and differ.
	for _, f := range g.Flows {
		switch {
		case f.SourceRef == "" || f.TargetRef == "":
			add(CodeMissingAttribute, "sequenceFlow is missing sourceRef or targetRef", f.ID)
		case g.NodeByID(f.SourceRef) == nil:
			add(CodeInvalidReference, "sequenceFlow references unknown source "+f.SourceRef, f.ID)
		case g.NodeByID(f.TargetRef) == nil:
			// Transaction_End is a synthetic target: valid only for flows
			// whose source sits inside a transaction subprocess.
			if f.TargetRef != TransactionEndRef || !insideTransaction(g, f.SourceRef) {
				add(CodeInvalidReference, "sequenceFlow references unknown target "+f.TargetRef, f.ID)
			}
		case f.SourceRef == f.TargetRef:
			add(CodeInvalidFlow, "sequenceFlow forms a self-loop", f.ID)
		}
	}

	for _, n := range g.Nodes {
		switch n.Kind {
		case KindBoundaryEvent:
			if n.AttachedTo == "" {
				add(CodeMissingAttribute, "boundaryEvent is missing attachedToRef", n.ID)
			} else if g.NodeByID(n.AttachedTo) == nil {
				add(CodeInvalidReference, "boundaryEvent attached to unknown activity "+n.AttachedTo, n.ID)
			}
		case KindCallActivity:
			if n.CalledElement == "" {
				add(CodeMissingAttribute, "callActivity is missing calledElement", n.ID)
			}
		case KindSubProcess:
			if n.SubStart == "" {
				add(CodeInvalidStructure, "subProcess has no start event", n.ID)
			}
		case KindEndEvent:
			if len(n.Outgoing) > 0 {
				add(CodeInvalidFlow, "endEvent has outgoing flows", n.ID)
			}
		case KindServiceTask:
			if n.ServiceTask != nil && n.ServiceTask.TaskName == "" {
				add(CodeExtensionError, "serviceTaskConfig is missing taskName", n.ID)
			}
		}
		if n.EventDef == EventDefTimer && n.TimerType != "" {
			switch n.TimerType {
			case "duration", "cycle", "date":
			default:
				add(CodeExtensionError, "timerEventConfig has unknown timerType "+n.TimerType, n.ID)
			}
		}
	}

	if len(g.StartEvents()) == 0 {
		add(CodeInvalidStructure, "process has no start event", g.ProcessID)
	}

	issues = append(issues, detectCycles(g)...)
	return issues
}

func checkUnsupported(els *xmlElements, add func(code, msg, element string)) {
	for _, u := range els.Unsupported {
		if u.XMLName.Space == NamespaceBPMN && !tolerated[u.XMLName.Local] {
			add(CodeSchemaError, "unsupported element "+u.XMLName.Local, u.ID)
		}
	}
	for i := range els.SubProcesses {
		checkUnsupported(&els.SubProcesses[i].xmlElements, add)
	}
	for i := range els.Transactions {
		checkUnsupported(&els.Transactions[i].xmlElements, add)
	}
}

// insideTransaction reports whether the node's containment chain passes
// through a transaction subprocess.
func insideTransaction(g *ProcessGraph, nodeID string) bool {
	for n := g.NodeByID(nodeID); n != nil; n = g.NodeByID(n.Parent) {
		if n.Transaction {
			return true
		}
	}
	return false
}

// detectCycles performs a depth-first traversal over the sequence flow
// adjacency and reports every back edge. Cycles are rejected
// unconditionally: the run loop is a bounded iterator over active tokens,
// and loops must be modeled as multi-instance activities instead.
func detectCycles(g *ProcessGraph) []ValidationIssue {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var issues []ValidationIssue

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		n := g.NodeByID(id)
		if n != nil {
			for _, fid := range n.Outgoing {
				f := g.FlowByID(fid)
				if f == nil {
					continue
				}
				switch color[f.TargetRef] {
				case white:
					visit(f.TargetRef)
				case gray:
					issues = append(issues, ValidationIssue{
						Code:    CodeInvalidStructure,
						Message: "Cycle detected at " + f.TargetRef,
						Element: f.TargetRef,
					})
				}
			}
		}
		color[id] = black
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
	return issues
}
