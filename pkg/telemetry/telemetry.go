// Package telemetry sends product analytics events. Capture is best-effort:
// it never blocks or fails the operation being measured.
package telemetry

import "context"

type Telemetry interface {
	Capture(ctx context.Context, distinctID, event string, props map[string]any)
	Close() error
}

type noop struct{}

// NewNoop returns a Telemetry that discards everything.
//
//nolint:ireturn
func NewNoop() Telemetry {
	return noop{}
}

func (noop) Capture(_ context.Context, _, _ string, _ map[string]any) {}

func (noop) Close() error { return nil }
