package telemetry

import (
	"context"
	"log/slog"

	"github.com/posthog/posthog-go"
)

type posthogTelemetry struct {
	logger *slog.Logger
	client posthog.Client
}

// NewPostHog returns a Telemetry backed by PostHog.
//
//nolint:ireturn
func NewPostHog(logger *slog.Logger, apiKey, endpoint string) (Telemetry, error) {
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, err
	}

	return &posthogTelemetry{
		logger: logger.With("module", "telemetry"),
		client: client,
	}, nil
}

func (t *posthogTelemetry) Capture(_ context.Context, distinctID, event string, props map[string]any) {
	capture := posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: props,
	}

	if err := t.client.Enqueue(capture); err != nil {
		t.logger.Warn("failed to enqueue telemetry event", "event", event, "err", err)
	}
}

func (t *posthogTelemetry) Close() error {
	return t.client.Close()
}
