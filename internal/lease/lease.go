// Package lease claims horoscope jobs for exclusive processing.
//
// A claim is a conditional update: the row is taken only if it is still
// eligible and either unlocked or holding a lease older than the TTL. Losing
// the race is not an error.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"luraaya/apps/backend/features/job"
)

// ErrClaim marks a store failure while claiming (DB_LOCK_UPDATE_FAILED).
var ErrClaim = errors.New("lease claim failed")

const CodeLockUpdateFailed = "DB_LOCK_UPDATE_FAILED"

type Store interface {
	ClaimFresh(ctx context.Context, p job.ClaimParams) (bool, error)
	ClaimExpired(ctx context.Context, p job.ClaimParams) (bool, error)
}

type Manager struct {
	store            Store
	ttl              time.Duration
	maxAttempts      int
	retryFailedAfter time.Duration
}

func NewManager(store Store, ttl time.Duration, maxAttempts int, retryFailedAfter time.Duration) *Manager {
	return &Manager{
		store:            store,
		ttl:              ttl,
		maxAttempts:      maxAttempts,
		retryFailedAfter: retryFailedAfter,
	}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// LeaseCutoff is the lock age at or before which a lease counts as expired.
func (m *Manager) LeaseCutoff(now time.Time) time.Time {
	return now.Add(-m.ttl)
}

// FailedCutoff is nil when failed rows are never retried automatically.
func (m *Manager) FailedCutoff(now time.Time) *time.Time {
	if m.retryFailedAfter <= 0 {
		return nil
	}
	c := now.Add(-m.retryFailedAfter)
	return &c
}

// CandidateQuery builds the selection matching what TryClaim accepts.
func (m *Manager) CandidateQuery(now time.Time, limit int) job.CandidateQuery {
	return job.CandidateQuery{
		Now:          now,
		LeaseCutoff:  m.LeaseCutoff(now),
		MaxAttempts:  m.maxAttempts,
		Limit:        limit,
		FailedCutoff: m.FailedCutoff(now),
	}
}

// TryClaim takes the lease on j for runID. The fresh path is tried first and
// the expired-lease path only when it matched nothing.
func (m *Manager) TryClaim(ctx context.Context, j job.Job, runID string, now time.Time) (bool, error) {
	p := job.ClaimParams{
		JobID:          j.ID,
		RunID:          runID,
		Now:            now,
		IdempotencyKey: IdempotencyKey(j.ID, j.ScheduledAt),
		MaxAttempts:    m.maxAttempts,
		LeaseCutoff:    m.LeaseCutoff(now),
		FailedCutoff:   m.FailedCutoff(now),
	}

	ok, err := m.store.ClaimFresh(ctx, p)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrClaim, j.ID, err)
	}
	if ok {
		return true, nil
	}

	ok, err = m.store.ClaimExpired(ctx, p)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrClaim, j.ID, err)
	}
	return ok, nil
}

// IdempotencyKey is stable for a (job, scheduled time) pair across retries.
// It hashes "id|<RFC3339Nano UTC>"; the claim never overwrites a key already on
// the row.
func IdempotencyKey(jobID string, scheduledAt time.Time) string {
	sum := sha256.Sum256([]byte(jobID + "|" + scheduledAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}
