package task

import (
	"context"

	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/emit"
)

// LoggerTask emits a structured event from a service task, useful for
// marking progress in long processes without writing variables.
//
// Properties:
//   - message: text to log, with {variable} placeholders
//   - level: free-form severity label carried on the event (default
//     "info")
//
// The rendered message is also returned under "logged_message" so an
// outputMapping can persist it.
type LoggerTask struct {
	emitter emit.Emitter
}

// NewLoggerTask wires the task to an emitter (discard when nil).
func NewLoggerTask(emitter emit.Emitter) *LoggerTask {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &LoggerTask{emitter: emitter}
}

func (l *LoggerTask) Execute(_ context.Context, tc engine.ServiceTaskContext, properties map[string]string) (map[string]any, error) {
	level := properties["level"]
	if level == "" {
		level = "info"
	}
	message := interpolate(properties["message"], tc.Variables)

	l.emitter.Emit(emit.Event{
		InstanceID: tc.InstanceID,
		NodeID:     tc.TaskID,
		Type:       "SERVICE_LOG",
		Meta:       map[string]any{"level": level, "message": message},
	})
	return map[string]any{"logged_message": message}, nil
}
