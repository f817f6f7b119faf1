package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/streaming"
)

// ProgressInput carries one progress notification of a run
type ProgressInput struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EmitProgress publishes a progress event. Delivery is best effort: a failing
// sink is logged and never fails the run.
func (a *Activities) EmitProgress(ctx context.Context, in ProgressInput) error {
	if in.Type == "" {
		in.Type = streaming.TypeProgress
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = a.now().UTC()
	}
	metrics.ProgressEvents.WithLabelValues(in.Type).Inc()
	err := a.publisher.Publish(ctx, streaming.Event{
		RunID:     in.RunID,
		Type:      in.Type,
		Progress:  in.Progress,
		Status:    in.Status,
		Stage:     in.Stage,
		Message:   in.Message,
		Timestamp: in.Timestamp,
	})
	if err != nil {
		activity.GetLogger(ctx).Warn("Failed to publish progress event",
			"run_id", in.RunID,
			"type", in.Type,
			"error", err.Error(),
		)
	}
	return nil
}
