package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/middleware"
	"luraaya/apps/backend/internal/orchestrator"
)

// Runner performs one orchestrator invocation on behalf of a trigger source.
type Runner interface {
	Trigger(ctx context.Context, source string) (orchestrator.Result, error)
}

const TriggerSource = "nsq"

// TriggerConsumer runs the orchestrator for each message on the trigger topic.
type TriggerConsumer struct {
	runner Runner
	logger *slog.Logger
}

func NewTriggerConsumer(r Runner, logger *slog.Logger) *TriggerConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerConsumer{runner: r, logger: logger}
}

func (h *TriggerConsumer) HandleMessage(m *nsq.Message) error {
	var payload job.TriggerPayload
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &payload); err != nil {
			// Malformed triggers are dropped; the next scheduled run picks up the work.
			h.logger.Error("invalid trigger payload", "error", err)
			return nil
		}
	}

	correlationID := payload.CorrelationID
	if correlationID == "" || correlationID == "unknown" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	source := TriggerSource
	if payload.Reason != "" {
		source = TriggerSource + ":" + payload.Reason
	}

	res, err := h.runner.Trigger(ctx, source)
	if err != nil {
		if errors.Is(err, orchestrator.ErrConfig) {
			h.logger.ErrorContext(ctx, "orchestrator not configured, dropping trigger", "error", err)
			return nil
		}
		h.logger.ErrorContext(ctx, "triggered run failed", "error", err, "reason", payload.Reason, "job_id", payload.JobID)
		return err
	}

	h.logger.InfoContext(ctx, "triggered run finished",
		"reason", payload.Reason,
		"run_id", res.RunID,
		"processed", res.Processed,
		"sent", res.Sent,
		"failed", res.Failed,
	)
	return nil
}
