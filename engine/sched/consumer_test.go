package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/bus"
	"github.com/pythmata/pythmata-go/engine/store"
)

const approvalXML = `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="approval">
    <startEvent id="start"/>
    <scriptTask id="approve">
      <script>result = true</script>
    </scriptTask>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="approve"/>
    <sequenceFlow id="f2" sourceRef="approve" targetRef="end"/>
  </process>
</definitions>`

func TestConsumerStartsInstances(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemDurableStore()
	fast := store.NewMemFastStore()
	b := bus.NewChannelBus()
	defer b.Close()

	defineTimer(t, durable, "approval", approvalXML)

	eng := engine.New(durable, fast, engine.WithBus(b))
	c := NewConsumer(b, eng, nil)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	req := bus.StartRequest{
		DefinitionID: "approval",
		InstanceID:   "inst-timer-1",
		Source:       "timer_scheduler",
	}

	// At-least-once delivery: the same request arrives twice. The
	// pre-assigned instance ID collapses both onto one instance row.
	if err := bus.PublishJSON(ctx, b, bus.TopicProcessStarted, req); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishJSON(ctx, b, bus.TopicProcessStarted, req); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		inst, err := durable.GetInstance(ctx, "inst-timer-1")
		return err == nil && inst.Status == store.StatusCompleted
	})

	instances, err := durable.ListInstances(ctx, "approval")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(instances))
	}
	if instances[0].ID != "inst-timer-1" {
		t.Fatalf("instance = %s", instances[0].ID)
	}
}

type recordingRunner struct {
	mu       sync.Mutex
	messages []bus.Delivery
	signals  []bus.Delivery
}

func (r *recordingRunner) CreateAndRun(context.Context, engine.CreateInstanceRequest) (*store.ProcessInstance, error) {
	return &store.ProcessInstance{}, nil
}

func (r *recordingRunner) DeliverMessage(_ context.Context, name, instanceID string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, bus.Delivery{Name: name, InstanceID: instanceID, Payload: payload})
	return nil
}

func (r *recordingRunner) DeliverSignal(_ context.Context, name, instanceID string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, bus.Delivery{Name: name, InstanceID: instanceID, Payload: payload})
	return nil
}

func TestConsumerRoutesDeliveries(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus()
	defer b.Close()

	runner := &recordingRunner{}
	c := NewConsumer(b, runner, nil)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	msg := bus.Delivery{Name: "payment_received", InstanceID: "inst-1", Payload: map[string]any{"amount": 42.0}}
	if err := bus.PublishJSON(ctx, b, bus.TopicMessage, msg); err != nil {
		t.Fatal(err)
	}
	sig := bus.Delivery{Name: "shutdown"}
	if err := bus.PublishJSON(ctx, b, bus.TopicSignal, sig); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.messages) == 1 && len(runner.signals) == 1
	})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	got := runner.messages[0]
	if got.Name != "payment_received" || got.InstanceID != "inst-1" {
		t.Fatalf("message = %+v", got)
	}
	if got.Payload["amount"] != 42.0 {
		t.Fatalf("payload = %v", got.Payload)
	}
	if runner.signals[0].Name != "shutdown" || runner.signals[0].InstanceID != "" {
		t.Fatalf("signal = %+v", runner.signals[0])
	}
}
