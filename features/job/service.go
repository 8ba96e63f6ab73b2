package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"luraaya/apps/backend/internal/config"
	"luraaya/apps/backend/internal/middleware"
)

const defaultListLimit = 100

var ErrPublishTimeout = errors.New("timeout waiting for NSQ publish")

type Repository interface {
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, statuses []Status, limit int) ([]Job, error)
	Requeue(ctx context.Context, id string, now, leaseCutoff time.Time) error
	CountByStatus(ctx context.Context, maxAttempts int) (Counts, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// TriggerPayload is the body published on the orchestrator trigger topic.
type TriggerPayload struct {
	Reason        string `json:"reason"`
	JobID         string `json:"job_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Service struct {
	repo           Repository
	pub            EventPublisher
	logger         *slog.Logger
	leaseTTL       time.Duration
	maxAttempts    int
	publishTimeout time.Duration
	now            func() time.Time
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		pub:            pub,
		logger:         logger,
		leaseTTL:       15 * time.Minute,
		maxAttempts:    5,
		publishTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// WithPolicy aligns lease and attempt limits with the orchestrator's.
func (s *Service) WithPolicy(leaseTTL time.Duration, maxAttempts int) *Service {
	s.leaseTTL = leaseTTL
	s.maxAttempts = maxAttempts
	return s
}

// List defaults to failed rows when no status is given.
func (s *Service) List(ctx context.Context, statuses ...Status) ([]Job, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusFailed}
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	return s.repo.List(ctx, statuses, defaultListLimit)
}

// Retry requeues a failed or exhausted job and, when a publisher is wired,
// asks the orchestrator to run now instead of waiting for the next tick.
func (s *Service) Retry(ctx context.Context, id string) error {
	now := s.now().UTC()
	if err := s.repo.Requeue(ctx, id, now, now.Add(-s.leaseTTL)); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job requeued", "job_id", id)

	if s.pub == nil {
		return nil
	}

	body, err := json.Marshal(TriggerPayload{Reason: "retry", JobID: id, CorrelationID: middleware.GetCorrelationID(ctx)})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicOrchestratorTrigger, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish trigger", "job_id", id, "error", err)
		}
		return err
	case <-time.After(s.publishTimeout):
		s.logger.WarnContext(ctx, "trigger publish timed out", "job_id", id)
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.CountByStatus(ctx, s.maxAttempts)
}
