package bpmn

import "encoding/xml"

// Namespaces recognized by the parser.
const (
	// NamespaceBPMN is the BPMN 2.0 model namespace.
	NamespaceBPMN = "http://www.omg.org/spec/BPMN/20100524/MODEL"

	// NamespacePythmata is the vendor extension namespace carrying script,
	// task, service-task and timer configuration.
	NamespacePythmata = "http://pythmata.org/schema/1.0/bpmn"
)

// The xml* types mirror the subset of BPMN 2.0 the engine executes. They are
// shared by Parse and Serialize so the two stay structurally symmetric.

type xmlDefinitions struct {
	XMLName   xml.Name     `xml:"http://www.omg.org/spec/BPMN/20100524/MODEL definitions"`
	ID        string       `xml:"id,attr,omitempty"`
	Processes []xmlProcess `xml:"process"`
}

type xmlProcess struct {
	ID           string `xml:"id,attr"`
	Name         string `xml:"name,attr,omitempty"`
	IsExecutable string `xml:"isExecutable,attr,omitempty"`
	xmlElements
}

// xmlElements holds the flow elements of a process or subprocess scope.
// Embedded so subprocesses nest recursively.
type xmlElements struct {
	StartEvents       []xmlEvent         `xml:"startEvent"`
	EndEvents         []xmlEvent         `xml:"endEvent"`
	IntermediateCatch []xmlEvent         `xml:"intermediateCatchEvent"`
	IntermediateThrow []xmlEvent         `xml:"intermediateThrowEvent"`
	BoundaryEvents    []xmlEvent         `xml:"boundaryEvent"`
	Tasks             []xmlTask          `xml:"task"`
	ServiceTasks      []xmlTask          `xml:"serviceTask"`
	ScriptTasks       []xmlTask          `xml:"scriptTask"`
	ExclusiveGateways []xmlGateway       `xml:"exclusiveGateway"`
	ParallelGateways  []xmlGateway       `xml:"parallelGateway"`
	InclusiveGateways []xmlGateway       `xml:"inclusiveGateway"`
	SubProcesses      []xmlSubProcess    `xml:"subProcess"`
	Transactions      []xmlSubProcess    `xml:"transaction"`
	CallActivities    []xmlCallActivity  `xml:"callActivity"`
	SequenceFlows     []xmlSequenceFlow  `xml:"sequenceFlow"`
	DataObjects       []xmlDataObject    `xml:"dataObject"`
	Associations      []xmlAssociation   `xml:"association"`
	Unsupported       []xmlUnknownNode   `xml:",any"`
}

// xmlUnknownNode captures elements the engine does not execute. The
// validator decides which of them are tolerable (documentation, diagram
// interchange) and which are schema errors.
type xmlUnknownNode struct {
	XMLName xml.Name
	ID      string `xml:"id,attr"`
}

type xmlEvent struct {
	ID             string            `xml:"id,attr"`
	Name           string            `xml:"name,attr,omitempty"`
	AttachedToRef  string            `xml:"attachedToRef,attr,omitempty"`
	CancelActivity *bool             `xml:"cancelActivity,attr,omitempty"`
	Timer          *xmlTimerEventDef `xml:"timerEventDefinition"`
	Message        *xmlRefEventDef   `xml:"messageEventDefinition"`
	Signal         *xmlRefEventDef   `xml:"signalEventDefinition"`
	Error          *xmlErrorEventDef `xml:"errorEventDefinition"`
	Compensate     *xmlEmptyDef      `xml:"compensateEventDefinition"`
	Extensions     *xmlExtensions    `xml:"extensionElements"`
}

type xmlTimerEventDef struct {
	TimeDuration string `xml:"timeDuration,omitempty"`
	TimeCycle    string `xml:"timeCycle,omitempty"`
	TimeDate     string `xml:"timeDate,omitempty"`
}

type xmlRefEventDef struct {
	MessageRef string `xml:"messageRef,attr,omitempty"`
	SignalRef  string `xml:"signalRef,attr,omitempty"`
}

type xmlErrorEventDef struct {
	ErrorRef string `xml:"errorRef,attr,omitempty"`
}

type xmlEmptyDef struct{}

type xmlTask struct {
	ID                string            `xml:"id,attr"`
	Name              string            `xml:"name,attr,omitempty"`
	IsForCompensation bool              `xml:"isForCompensation,attr,omitempty"`
	Script            string            `xml:"script,omitempty"`
	MultiInstance     *xmlMultiInstance `xml:"multiInstanceLoopCharacteristics"`
	Extensions        *xmlExtensions    `xml:"extensionElements"`
}

type xmlGateway struct {
	ID      string `xml:"id,attr"`
	Name    string `xml:"name,attr,omitempty"`
	Default string `xml:"default,attr,omitempty"`
}

type xmlSubProcess struct {
	ID            string            `xml:"id,attr"`
	Name          string            `xml:"name,attr,omitempty"`
	MultiInstance *xmlMultiInstance `xml:"multiInstanceLoopCharacteristics"`
	Extensions    *xmlExtensions    `xml:"extensionElements"`
	xmlElements
}

type xmlCallActivity struct {
	ID            string            `xml:"id,attr"`
	Name          string            `xml:"name,attr,omitempty"`
	CalledElement string            `xml:"calledElement,attr,omitempty"`
	MultiInstance *xmlMultiInstance `xml:"multiInstanceLoopCharacteristics"`
	Extensions    *xmlExtensions    `xml:"extensionElements"`
}

type xmlMultiInstance struct {
	IsSequential        bool   `xml:"isSequential,attr,omitempty"`
	LoopCardinality     string `xml:"loopCardinality,omitempty"`
	LoopDataInputRef    string `xml:"loopDataInputRef,omitempty"`
	CompletionCondition string `xml:"completionCondition,omitempty"`
}

type xmlSequenceFlow struct {
	ID        string `xml:"id,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
	Condition string `xml:"conditionExpression,omitempty"`
}

type xmlDataObject struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr,omitempty"`
}

type xmlAssociation struct {
	ID        string `xml:"id,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
}

// Vendor extension elements. Validation against the extension schema is lax:
// they are checked only when present.

type xmlExtensions struct {
	TaskConfig        *xmlTaskConfig        `xml:"http://pythmata.org/schema/1.0/bpmn taskConfig"`
	ScriptConfig      *xmlScriptConfig      `xml:"http://pythmata.org/schema/1.0/bpmn scriptConfig"`
	ServiceTaskConfig *xmlServiceTaskConfig `xml:"http://pythmata.org/schema/1.0/bpmn serviceTaskConfig"`
	TimerEventConfig  *xmlTimerEventConfig  `xml:"http://pythmata.org/schema/1.0/bpmn timerEventConfig"`
}

type xmlTaskConfig struct {
	Script          string          `xml:"script,omitempty"`
	Timeout         int             `xml:"timeout,omitempty"`
	InputVariables  xmlVariableList `xml:"inputVariables"`
	OutputVariables xmlVariableList `xml:"outputVariables"`
}

type xmlVariableList struct {
	Variables []xmlVariable `xml:"variable"`
}

type xmlVariable struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr,omitempty"`

	// Source names the variable in the peer scope for call-activity
	// mappings; defaults to Name when empty.
	Source string `xml:"source,attr,omitempty"`
}

type xmlScriptConfig struct {
	ScriptContent string `xml:"scriptContent"`
	Text          string `xml:",chardata"`
}

type xmlServiceTaskConfig struct {
	TaskName      string        `xml:"taskName,attr"`
	Properties    []xmlProperty `xml:"properties>property"`
	OutputMapping []xmlProperty `xml:"outputMapping>output"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlTimerEventConfig struct {
	TimerType  string `xml:"timerType,attr"`
	TimerValue string `xml:"timerValue,attr"`
}
