package bpmn

import (
	"errors"
	"testing"
)

func mustParse(t *testing.T, xml string) *ProcessGraph {
	t.Helper()
	g, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

func TestParseLinear(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="order" name="Order handling">
    <startEvent id="start"/>
    <scriptTask id="price" name="Compute price">
      <script>result = amount * 2</script>
    </scriptTask>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="price"/>
    <sequenceFlow id="f2" sourceRef="price" targetRef="end"/>
  </process>
</definitions>`)

	if g.ProcessID != "order" || g.Name != "Order handling" {
		t.Fatalf("process = %s / %s", g.ProcessID, g.Name)
	}
	if len(g.Nodes) != 3 || len(g.Flows) != 2 {
		t.Fatalf("nodes = %d, flows = %d", len(g.Nodes), len(g.Flows))
	}

	price := g.NodeByID("price")
	if price == nil || price.Kind != KindScriptTask {
		t.Fatalf("price = %+v", price)
	}
	if price.Script != "result = amount * 2" {
		t.Fatalf("script = %q", price.Script)
	}
	if len(price.Incoming) != 1 || price.Incoming[0] != "f1" {
		t.Fatalf("incoming = %v", price.Incoming)
	}
	if len(price.Outgoing) != 1 || price.Outgoing[0] != "f2" {
		t.Fatalf("outgoing = %v", price.Outgoing)
	}

	if f := g.FlowByID("f2"); f == nil || f.TargetRef != "end" {
		t.Fatalf("f2 = %+v", f)
	}
	starts := g.StartEvents()
	if len(starts) != 1 || starts[0].ID != "start" {
		t.Fatalf("start events = %+v", starts)
	}
}

func TestParseGatewayDefaults(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="routing">
    <startEvent id="start"/>
    <exclusiveGateway id="gw" default="to_low"/>
    <task id="high"/>
    <task id="low"/>
    <endEvent id="end_high"/>
    <endEvent id="end_low"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="gw"/>
    <sequenceFlow id="to_high" sourceRef="gw" targetRef="high">
      <conditionExpression> amount &gt; 100 </conditionExpression>
    </sequenceFlow>
    <sequenceFlow id="to_low" sourceRef="gw" targetRef="low"/>
    <sequenceFlow id="f2" sourceRef="high" targetRef="end_high"/>
    <sequenceFlow id="f3" sourceRef="low" targetRef="end_low"/>
  </process>
</definitions>`)

	if f := g.FlowByID("to_high"); f.Condition != "amount > 100" || f.Default {
		t.Fatalf("to_high = %+v", f)
	}
	if f := g.FlowByID("to_low"); !f.Default {
		t.Fatal("default marker not applied to to_low")
	}

	gw := g.NodeByID("gw")
	flows := g.OutgoingFlows(gw)
	if len(flows) != 2 || flows[0].ID != "to_high" || flows[1].ID != "to_low" {
		t.Fatalf("outgoing order = %v", flows)
	}
}

func TestParseEvents(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
    xmlns:p="http://pythmata.org/schema/1.0/bpmn">
  <process id="events">
    <startEvent id="start"/>
    <intermediateCatchEvent id="wait_1h">
      <timerEventDefinition><timeDuration>PT1H</timeDuration></timerEventDefinition>
    </intermediateCatchEvent>
    <intermediateCatchEvent id="wait_payment">
      <messageEventDefinition messageRef="payment_received"/>
    </intermediateCatchEvent>
    <intermediateThrowEvent id="announce" name="order_shipped">
      <signalEventDefinition/>
    </intermediateThrowEvent>
    <intermediateCatchEvent id="wait_cfg">
      <timerEventDefinition/>
      <extensionElements>
        <p:timerEventConfig timerType="cycle" timerValue="R3/PT10M"/>
      </extensionElements>
    </intermediateCatchEvent>
    <task id="work"/>
    <boundaryEvent id="on_error" attachedToRef="work">
      <errorEventDefinition errorRef="E_TIMEOUT"/>
    </boundaryEvent>
    <boundaryEvent id="reminder" attachedToRef="work" cancelActivity="false">
      <timerEventDefinition><timeDate>2026-09-01T00:00:00Z</timeDate></timerEventDefinition>
    </boundaryEvent>
    <endEvent id="end"/>
    <endEvent id="end_err"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="wait_1h"/>
    <sequenceFlow id="f2" sourceRef="wait_1h" targetRef="wait_payment"/>
    <sequenceFlow id="f3" sourceRef="wait_payment" targetRef="announce"/>
    <sequenceFlow id="f4" sourceRef="announce" targetRef="wait_cfg"/>
    <sequenceFlow id="f5" sourceRef="wait_cfg" targetRef="work"/>
    <sequenceFlow id="f6" sourceRef="work" targetRef="end"/>
    <sequenceFlow id="f7" sourceRef="on_error" targetRef="end_err"/>
  </process>
</definitions>`)

	t.Run("timer definition", func(t *testing.T) {
		n := g.NodeByID("wait_1h")
		if n.EventDef != EventDefTimer || n.TimerType != "duration" || n.TimerValue != "PT1H" {
			t.Fatalf("wait_1h = %+v", n)
		}
		if n.Throw {
			t.Fatal("catch event marked as throw")
		}
	})

	t.Run("extension timer config wins", func(t *testing.T) {
		n := g.NodeByID("wait_cfg")
		if n.TimerType != "cycle" || n.TimerValue != "R3/PT10M" {
			t.Fatalf("wait_cfg = %+v", n)
		}
	})

	t.Run("message ref", func(t *testing.T) {
		n := g.NodeByID("wait_payment")
		if n.EventDef != EventDefMessage || n.EventName != "payment_received" {
			t.Fatalf("wait_payment = %+v", n)
		}
	})

	t.Run("signal name falls back to element name", func(t *testing.T) {
		n := g.NodeByID("announce")
		if n.EventDef != EventDefSignal || n.EventName != "order_shipped" || !n.Throw {
			t.Fatalf("announce = %+v", n)
		}
	})

	t.Run("boundary events", func(t *testing.T) {
		onErr := g.NodeByID("on_error")
		if onErr.AttachedTo != "work" || onErr.EventName != "E_TIMEOUT" {
			t.Fatalf("on_error = %+v", onErr)
		}
		if !onErr.Interrupting {
			t.Fatal("cancelActivity should default to true")
		}
		reminder := g.NodeByID("reminder")
		if reminder.Interrupting {
			t.Fatal("cancelActivity=false not honored")
		}
		if reminder.TimerType != "date" || reminder.TimerValue != "2026-09-01T00:00:00Z" {
			t.Fatalf("reminder = %+v", reminder)
		}
		attached := g.BoundaryEvents("work")
		if len(attached) != 2 {
			t.Fatalf("boundary events on work = %d", len(attached))
		}
	})
}

func TestParseSubProcess(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="nested">
    <startEvent id="start"/>
    <subProcess id="review">
      <startEvent id="sub_start"/>
      <task id="inspect"/>
      <endEvent id="sub_end"/>
      <sequenceFlow id="sf1" sourceRef="sub_start" targetRef="inspect"/>
      <sequenceFlow id="sf2" sourceRef="inspect" targetRef="sub_end"/>
    </subProcess>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <sequenceFlow id="f2" sourceRef="review" targetRef="end"/>
  </process>
</definitions>`)

	sub := g.NodeByID("review")
	if sub.Kind != KindSubProcess || sub.SubStart != "sub_start" {
		t.Fatalf("review = %+v", sub)
	}
	if len(sub.SubNodes) != 3 {
		t.Fatalf("sub nodes = %v", sub.SubNodes)
	}
	if inspect := g.NodeByID("inspect"); inspect.Parent != "review" {
		t.Fatalf("inspect parent = %q", inspect.Parent)
	}
	if start := g.NodeByID("sub_start"); start.Parent != "review" {
		t.Fatalf("sub_start parent = %q", start.Parent)
	}
	// Nested start events are not process start events.
	if starts := g.StartEvents(); len(starts) != 1 || starts[0].ID != "start" {
		t.Fatalf("start events = %+v", starts)
	}
}

func TestParseMultiInstance(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="fanout">
    <startEvent id="start"/>
    <task id="notify">
      <multiInstanceLoopCharacteristics isSequential="true">
        <loopDataInputRef> departments </loopDataInputRef>
        <completionCondition>count &gt;= 2</completionCondition>
      </multiInstanceLoopCharacteristics>
    </task>
    <task id="ping">
      <multiInstanceLoopCharacteristics>
        <loopCardinality>3</loopCardinality>
      </multiInstanceLoopCharacteristics>
    </task>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="notify"/>
    <sequenceFlow id="f2" sourceRef="notify" targetRef="ping"/>
    <sequenceFlow id="f3" sourceRef="ping" targetRef="end"/>
  </process>
</definitions>`)

	mi := g.NodeByID("notify").MultiInstance
	if mi == nil || !mi.Sequential || mi.Collection != "departments" {
		t.Fatalf("notify MI = %+v", mi)
	}
	if mi.CompletionCondition != "count >= 2" {
		t.Fatalf("completion condition = %q", mi.CompletionCondition)
	}

	ping := g.NodeByID("ping").MultiInstance
	if ping == nil || ping.Sequential || ping.Cardinality != "3" {
		t.Fatalf("ping MI = %+v", ping)
	}
	if g.NodeByID("start").MultiInstance != nil {
		t.Fatal("MI spec on a plain node")
	}
}

func TestParseCallActivity(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
    xmlns:p="http://pythmata.org/schema/1.0/bpmn">
  <process id="parent">
    <startEvent id="start"/>
    <callActivity id="check" calledElement="credit_check">
      <extensionElements>
        <p:taskConfig>
          <inputVariables>
            <variable name="amount" source="order_total"/>
            <variable name="customer"/>
          </inputVariables>
          <outputVariables>
            <variable name="approved" source="check_result"/>
          </outputVariables>
        </p:taskConfig>
      </extensionElements>
    </callActivity>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="check"/>
    <sequenceFlow id="f2" sourceRef="check" targetRef="end"/>
  </process>
</definitions>`)

	ca := g.NodeByID("check")
	if ca.Kind != KindCallActivity || ca.CalledElement != "credit_check" {
		t.Fatalf("check = %+v", ca)
	}
	if ca.InputMap["amount"] != "order_total" {
		t.Fatalf("input map = %v", ca.InputMap)
	}
	// Source defaults to the variable name.
	if ca.InputMap["customer"] != "customer" {
		t.Fatalf("input map = %v", ca.InputMap)
	}
	if ca.OutputMap["approved"] != "check_result" {
		t.Fatalf("output map = %v", ca.OutputMap)
	}
}

func TestParseServiceTaskConfig(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"
    xmlns:p="http://pythmata.org/schema/1.0/bpmn">
  <process id="svc">
    <startEvent id="start"/>
    <serviceTask id="fetch">
      <extensionElements>
        <p:serviceTaskConfig taskName="http">
          <properties>
            <property name="url" value="https://api.example.com/orders/{order_id}"/>
            <property name="method" value="GET"/>
          </properties>
          <outputMapping>
            <output name="order_status" value="json.status"/>
          </outputMapping>
        </p:serviceTaskConfig>
      </extensionElements>
    </serviceTask>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="fetch"/>
    <sequenceFlow id="f2" sourceRef="fetch" targetRef="end"/>
  </process>
</definitions>`)

	cfg := g.NodeByID("fetch").ServiceTask
	if cfg == nil || cfg.TaskName != "http" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Properties["method"] != "GET" {
		t.Fatalf("properties = %v", cfg.Properties)
	}
	if cfg.OutputMapping["order_status"] != "json.status" {
		t.Fatalf("output mapping = %v", cfg.OutputMapping)
	}
}

func TestParseCompensation(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="trip">
    <startEvent id="start"/>
    <task id="book_hotel"/>
    <boundaryEvent id="comp_hotel" attachedToRef="book_hotel">
      <compensateEventDefinition/>
    </boundaryEvent>
    <task id="cancel_hotel" isForCompensation="true"/>
    <task id="book_flight"/>
    <boundaryEvent id="comp_flight" attachedToRef="book_flight">
      <compensateEventDefinition/>
    </boundaryEvent>
    <task id="cancel_flight" isForCompensation="true"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="book_hotel"/>
    <sequenceFlow id="f2" sourceRef="book_hotel" targetRef="book_flight"/>
    <sequenceFlow id="f3" sourceRef="book_flight" targetRef="end"/>
    <association id="a1" sourceRef="comp_hotel" targetRef="cancel_hotel"/>
    <association id="a2" sourceRef="comp_flight" targetRef="cancel_flight"/>
  </process>
</definitions>`)

	if len(g.Associations) != 2 {
		t.Fatalf("associations = %d", len(g.Associations))
	}
	if !g.NodeByID("cancel_hotel").ForCompensation {
		t.Fatal("cancel_hotel not flagged")
	}

	// Each boundary resolves to its own handler even though both pairs
	// share a scope.
	boundary, handler := g.CompensationHandler("book_hotel")
	if boundary == nil || boundary.ID != "comp_hotel" || handler.ID != "cancel_hotel" {
		t.Fatalf("book_hotel handler = %v / %v", boundary, handler)
	}
	_, handler = g.CompensationHandler("book_flight")
	if handler == nil || handler.ID != "cancel_flight" {
		t.Fatalf("book_flight handler = %v", handler)
	}
	if b, h := g.CompensationHandler("start"); b != nil || h != nil {
		t.Fatalf("start handler = %v / %v", b, h)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		code string
	}{
		{"empty document", "   ", CodeEmptyXML},
		{"malformed xml", "<definitions><oops", CodeXMLParseError},
		{"no process", `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL"/>`, CodeSchemaError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.xml))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if len(verr.Issues) == 0 || verr.Issues[0].Code != tc.code {
				t.Fatalf("issues = %+v, want code %s", verr.Issues, tc.code)
			}
		})
	}
}

func TestParseTransaction(t *testing.T) {
	g := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="booking">
    <startEvent id="start"/>
    <transaction id="tx" name="Book trip">
      <startEvent id="t_start"/>
      <task id="reserve"/>
      <sequenceFlow id="t1" sourceRef="t_start" targetRef="reserve"/>
      <sequenceFlow id="t2" sourceRef="reserve" targetRef="Transaction_End"/>
    </transaction>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="tx"/>
    <sequenceFlow id="f2" sourceRef="tx" targetRef="end"/>
  </process>
</definitions>`)

	tx := g.NodeByID("tx")
	if tx.Kind != KindSubProcess || !tx.Transaction {
		t.Fatalf("tx = %+v", tx)
	}
	if tx.SubStart != "t_start" {
		t.Fatalf("sub start = %q", tx.SubStart)
	}
	if len(tx.SubNodes) != 2 {
		t.Fatalf("sub nodes = %v", tx.SubNodes)
	}
	if reserve := g.NodeByID("reserve"); reserve.Parent != "tx" {
		t.Fatalf("reserve parent = %q", reserve.Parent)
	}
	// The synthetic commit target stays a dangling flow reference.
	if f := g.FlowByID("t2"); f == nil || f.TargetRef != TransactionEndRef {
		t.Fatalf("t2 = %+v", f)
	}
	// A plain subprocess does not carry the transaction flag.
	g2 := mustParse(t, `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="nested">
    <startEvent id="start"/>
    <subProcess id="review">
      <startEvent id="sub_start"/>
      <endEvent id="sub_end"/>
      <sequenceFlow id="sf1" sourceRef="sub_start" targetRef="sub_end"/>
    </subProcess>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <sequenceFlow id="f2" sourceRef="review" targetRef="end"/>
  </process>
</definitions>`)
	if sub := g2.NodeByID("review"); sub.Transaction {
		t.Fatalf("review = %+v", sub)
	}
}
