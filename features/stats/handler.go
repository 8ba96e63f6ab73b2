package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/middleware"
	"luraaya/apps/backend/internal/runlog"
)

type JobCounter interface {
	Counts(ctx context.Context) (job.Counts, error)
}

type RunReporter interface {
	Last() *runlog.Entry
}

type Handler struct {
	jobs JobCounter
	runs RunReporter
}

// NewHandler accepts a nil RunReporter; last_run is then omitted.
func NewHandler(j JobCounter, r RunReporter) *Handler {
	return &Handler{jobs: j, runs: r}
}

type StatsResponse struct {
	Jobs    job.Counts    `json:"jobs"`
	LastRun *runlog.Entry `json:"last_run,omitempty"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	counts, err := h.jobs.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{Jobs: counts}
	if h.runs != nil {
		resp.LastRun = h.runs.Last()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
