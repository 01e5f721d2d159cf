package emit

import (
	"strings"

	"github.com/hashicorp/go-hclog"
)

// LogEmitter writes events to an hclog structured logger.
//
// Checkpoint and superstep events log at info, per-task updates at debug,
// and tokens at trace, so a default logger shows run progress without the
// per-token firehose.
type LogEmitter struct {
	logger hclog.Logger
}

// NewLogEmitter wraps the given logger. Nil uses hclog.Default with the
// "stategraph" name.
func NewLogEmitter(logger hclog.Logger) *LogEmitter {
	if logger == nil {
		logger = hclog.Default().Named("stategraph")
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	args := []any{
		"thread", event.Thread,
		"step", event.Step,
	}
	if event.Node != "" {
		args = append(args, "node", event.Node)
	}
	if len(event.Namespace) > 0 {
		args = append(args, "namespace", strings.Join(event.Namespace, "/"))
	}
	if event.Payload != nil {
		args = append(args, "payload", event.Payload)
	}

	switch event.Type {
	case TypeToken:
		l.logger.Trace(string(event.Type), args...)
	case TypeUpdates:
		l.logger.Debug(string(event.Type), args...)
	case TypeRetry:
		l.logger.Warn(string(event.Type), args...)
	default:
		l.logger.Info(string(event.Type), args...)
	}
}
