// Package persist records the outcome of processing a claimed job.
//
// Every write is fenced on the run id that holds the lease: a worker whose
// lease was taken over writes nothing and gets ErrLeaseLost.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"luraaya/apps/backend/features/job"
)

const (
	// MaxErrorMessageLen bounds the stored error_message, step prefix included.
	MaxErrorMessageLen = 500

	CodePersistFailed = "DB_PERSIST_FAILED"
)

var (
	ErrLeaseLost = errors.New("lease lost to another run")
	ErrPersist   = errors.New("persist failed")
)

type Store interface {
	PersistComputedFacts(ctx context.Context, f job.ComputedFacts) (int64, error)
	MarkSent(ctx context.Context, s job.SentRecord) (int64, error)
	MarkFailed(ctx context.Context, f job.FailureRecord) (int64, error)
	ReleaseLease(ctx context.Context, jobID, runID string, now time.Time) (int64, error)
}

type Persister struct {
	store   Store
	timeout time.Duration
}

// NewPersister bounds each write by timeout; zero means the caller's deadline only.
func NewPersister(store Store, timeout time.Duration) *Persister {
	return &Persister{store: store, timeout: timeout}
}

func (p *Persister) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func fenced(op, jobID string, n int64, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrPersist, op, jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrLeaseLost, op, jobID)
	}
	return nil
}

// PersistComputedFacts caches the compute output so a retry can skip the call.
func (p *Persister) PersistComputedFacts(ctx context.Context, f job.ComputedFacts) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	n, err := p.store.PersistComputedFacts(ctx, f)
	return fenced("persist facts", f.JobID, n, err)
}

func (p *Persister) MarkSent(ctx context.Context, s job.SentRecord) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	n, err := p.store.MarkSent(ctx, s)
	return fenced("mark sent", s.JobID, n, err)
}

// MarkFailed stores code and "step:message", truncated to MaxErrorMessageLen runes.
func (p *Persister) MarkFailed(ctx context.Context, jobID, runID, code, message, step string, now time.Time) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	n, err := p.store.MarkFailed(ctx, job.FailureRecord{
		JobID:        jobID,
		RunID:        runID,
		ErrorCode:    code,
		ErrorMessage: FormatErrorMessage(step, message),
		Now:          now,
	})
	return fenced("mark failed", jobID, n, err)
}

// ReleaseLease clears the lock if runID still holds it. A row already
// released or taken over is not an error.
func (p *Persister) ReleaseLease(ctx context.Context, jobID, runID string, now time.Time) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.store.ReleaseLease(ctx, jobID, runID, now); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrPersist, jobID, err)
	}
	return nil
}

func FormatErrorMessage(step, message string) string {
	msg := message
	if step != "" {
		msg = step + ":" + message
	}
	r := []rune(msg)
	if len(r) > MaxErrorMessageLen {
		r = r[:MaxErrorMessageLen]
	}
	return string(r)
}
