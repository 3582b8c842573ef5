package bpmn

import "testing"

func hasCode(result ValidationResult, code string) bool {
	for _, issue := range result.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidateValidDocument(t *testing.T) {
	result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="ok">
    <documentation>Reviewed 2026-02.</documentation>
    <startEvent id="start"/>
    <task id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
  </process>
</definitions>`))
	if !result.Valid {
		t.Fatalf("issues = %+v", result.Errors)
	}
}

func TestValidateStructuralIssues(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		code string
	}{
		{
			"duplicate id",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <task id="dup"/>
    <task id="dup"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="dup"/>
    <sequenceFlow id="f2" sourceRef="dup" targetRef="end"/>
  </process>
</definitions>`,
			CodeDuplicateID,
		},
		{
			"dangling flow reference",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="ghost"/>
  </process>
</definitions>`,
			CodeInvalidReference,
		},
		{
			"self loop",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <task id="work"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="work"/>
  </process>
</definitions>`,
			CodeInvalidFlow,
		},
		{
			"end event with outgoing flow",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <task id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
    <sequenceFlow id="f2" sourceRef="end" targetRef="work"/>
  </process>
</definitions>`,
			CodeInvalidFlow,
		},
		{
			"no start event",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <task id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="work" targetRef="end"/>
  </process>
</definitions>`,
			CodeInvalidStructure,
		},
		{
			"boundary without attachment",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <boundaryEvent id="b1"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
  </process>
</definitions>`,
			CodeMissingAttribute,
		},
		{
			"call activity without calledElement",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <callActivity id="child"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="child"/>
    <sequenceFlow id="f2" sourceRef="child" targetRef="end"/>
  </process>
</definitions>`,
			CodeMissingAttribute,
		},
		{
			"subprocess without start event",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <subProcess id="sub">
      <task id="inner"/>
    </subProcess>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="sub"/>
    <sequenceFlow id="f2" sourceRef="sub" targetRef="end"/>
  </process>
</definitions>`,
			CodeInvalidStructure,
		},
		{
			"service task config without taskName",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
    xmlns:p="http://pythmata.org/schema/1.0/bpmn">
  <process id="p">
    <startEvent id="start"/>
    <serviceTask id="svc">
      <extensionElements><p:serviceTaskConfig/></extensionElements>
    </serviceTask>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="svc"/>
    <sequenceFlow id="f2" sourceRef="svc" targetRef="end"/>
  </process>
</definitions>`,
			CodeExtensionError,
		},
		{
			"unknown timer type",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
    xmlns:p="http://pythmata.org/schema/1.0/bpmn">
  <process id="p">
    <startEvent id="start">
      <timerEventDefinition/>
      <extensionElements>
        <p:timerEventConfig timerType="weekly" timerValue="monday"/>
      </extensionElements>
    </startEvent>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
  </process>
</definitions>`,
			CodeExtensionError,
		},
		{
			"multiple processes",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p1">
    <startEvent id="start"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
  </process>
  <process id="p2"/>
</definitions>`,
			CodeSchemaError,
		},
		{
			"unsupported bpmn element",
			`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <userTask id="approve"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
  </process>
</definitions>`,
			CodeSchemaError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Validate([]byte(tc.xml))
			if result.Valid {
				t.Fatal("document accepted")
			}
			if !hasCode(result, tc.code) {
				t.Fatalf("issues = %+v, want code %s", result.Errors, tc.code)
			}
		})
	}
}

func TestValidateRejectsCycles(t *testing.T) {
	result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="looping">
    <startEvent id="start"/>
    <task id="a"/>
    <task id="b"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="a"/>
    <sequenceFlow id="f2" sourceRef="a" targetRef="b"/>
    <sequenceFlow id="f3" sourceRef="b" targetRef="a"/>
    <sequenceFlow id="f4" sourceRef="b" targetRef="end"/>
  </process>
</definitions>`))
	if result.Valid {
		t.Fatal("cyclic document accepted")
	}
	if !hasCode(result, CodeInvalidStructure) {
		t.Fatalf("issues = %+v", result.Errors)
	}
}

func TestValidateCollectsAllIssues(t *testing.T) {
	// One pass reports every problem, not just the first.
	result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <task id="dup"/>
    <task id="dup"/>
    <sequenceFlow id="f1" sourceRef="dup" targetRef="ghost"/>
  </process>
</definitions>`))
	if result.Valid {
		t.Fatal("document accepted")
	}
	for _, code := range []string{CodeDuplicateID, CodeInvalidReference, CodeInvalidStructure} {
		if !hasCode(result, code) {
			t.Errorf("missing %s in %+v", code, result.Errors)
		}
	}
}

func TestValidateToleratedElements(t *testing.T) {
	result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <documentation>Order flow.</documentation>
    <laneSet id="lanes"/>
    <textAnnotation id="note"/>
    <startEvent id="start"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="end"/>
  </process>
</definitions>`))
	if !result.Valid {
		t.Fatalf("tolerated elements rejected: %+v", result.Errors)
	}
}

func TestValidateTransactionEndTarget(t *testing.T) {
	t.Run("allowed inside a transaction", func(t *testing.T) {
		result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="booking">
    <startEvent id="start"/>
    <transaction id="tx">
      <startEvent id="t_start"/>
      <task id="reserve"/>
      <sequenceFlow id="t1" sourceRef="t_start" targetRef="reserve"/>
      <sequenceFlow id="t2" sourceRef="reserve" targetRef="Transaction_End"/>
    </transaction>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="tx"/>
    <sequenceFlow id="f2" sourceRef="tx" targetRef="end"/>
  </process>
</definitions>`))
		if !result.Valid {
			t.Fatalf("issues = %+v", result.Errors)
		}
	})

	t.Run("rejected outside a transaction", func(t *testing.T) {
		result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <task id="work"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="Transaction_End"/>
  </process>
</definitions>`))
		if result.Valid || !hasCode(result, CodeInvalidReference) {
			t.Fatalf("result = %+v", result)
		}
	})

	t.Run("transaction requires a start event", func(t *testing.T) {
		result := Validate([]byte(`<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="p">
    <startEvent id="start"/>
    <transaction id="tx">
      <task id="reserve"/>
    </transaction>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="tx"/>
    <sequenceFlow id="f2" sourceRef="tx" targetRef="end"/>
  </process>
</definitions>`))
		if result.Valid || !hasCode(result, CodeInvalidStructure) {
			t.Fatalf("result = %+v", result)
		}
	})
}
