// Package notify delivers user-facing messages and pipeline events: to the
// log, and optionally to an MQTT broker with a command control plane.
package notify

import "log/slog"

// Reporter receives short user-facing messages, such as capture outcomes.
// Implementations must not block for long.
type Reporter interface {
	Report(message string, isError bool)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(message string, isError bool)

// Report calls fn.
func (fn ReporterFunc) Report(message string, isError bool) { fn(message, isError) }

// LogReporter writes messages to slog, errors at error level.
type LogReporter struct{}

// Report logs message.
func (LogReporter) Report(message string, isError bool) {
	if isError {
		slog.Error("notify: " + message)
		return
	}
	slog.Info("notify: " + message)
}

// Multi fans a message out to every reporter in order.
type Multi []Reporter

// Report forwards message to each non-nil reporter.
func (m Multi) Report(message string, isError bool) {
	for _, r := range m {
		if r != nil {
			r.Report(message, isError)
		}
	}
}
