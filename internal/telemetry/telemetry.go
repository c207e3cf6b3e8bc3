// Package telemetry defines the fire-and-forget event sink consumed by the
// queue. Implementations must never panic into the caller: losing a
// telemetry event is always preferable to failing a queue operation.
package telemetry

import "log/slog"

// Sink receives product and error telemetry.
type Sink interface {
	Track(event string, props map[string]any)
	TrackSyncError(stage string, err error, props map[string]any)
	TrackStorageError(op string, err error, props map[string]any)
}

// LogSink writes telemetry to structured logs. It is the default sink for
// the daemon; deployments with an external collector swap in their own.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Track(event string, props map[string]any) {
	defer swallow()
	s.Logger.Info("telemetry", append([]any{"event", event}, flatten(props)...)...)
}

func (s *LogSink) TrackSyncError(stage string, err error, props map[string]any) {
	defer swallow()
	s.Logger.Error("sync error",
		append([]any{"stage", stage, "err", err}, flatten(props)...)...)
}

func (s *LogSink) TrackStorageError(op string, err error, props map[string]any) {
	defer swallow()
	s.Logger.Error("storage error",
		append([]any{"op", op, "err", err}, flatten(props)...)...)
}

func flatten(props map[string]any) []any {
	out := make([]any, 0, len(props)*2)
	for k, v := range props {
		out = append(out, k, v)
	}
	return out
}

func swallow() {
	_ = recover()
}

// NopSink discards everything. Used in tests.
type NopSink struct{}

func (NopSink) Track(string, map[string]any)                    {}
func (NopSink) TrackSyncError(string, error, map[string]any)    {}
func (NopSink) TrackStorageError(string, error, map[string]any) {}
