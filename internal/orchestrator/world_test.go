package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"luraaya/apps/backend/features/job"
)

// world is an in-memory job store applying the same conditional updates as
// the Postgres repo.
type world struct {
	mu       sync.Mutex
	rows     map[string]*job.Job
	subjects map[string]*job.Subject
	content  map[string]string
	provider map[string]string

	selectErr     error
	claimErr      error
	markFailedErr error
	released      []string
	claimedAt     map[string][]time.Time
	onMarkSent    func(id string)
}

func newWorld() *world {
	return &world{
		rows:      map[string]*job.Job{},
		subjects:  map[string]*job.Subject{},
		content:   map[string]string{},
		provider:  map[string]string{},
		claimedAt: map[string][]time.Time{},
	}
}

func validSubject(id string) *job.Subject {
	dob := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	lat, lon := 47.37, 8.54
	return &job.Subject{
		ID:          id,
		FullName:    "Ada Lovelace",
		DateOfBirth: &dob,
		BirthPlace:  job.BirthPlace{Lat: &lat, Lon: &lon, PlaceID: "place-1", Name: "Zurich", CountryCode: "CH"},
		Language:    "de",
		PlanTier:    "base",
		Channel:     "email",
		SendTo:      "ada@example.com",
	}
}

func (w *world) add(j job.Job, s *job.Subject) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	w.rows[j.ID] = &j
	if s != nil {
		w.subjects[j.ID] = s
	}
}

func (w *world) get(id string) job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.rows[id]
}

// requeue mimics an operator retry of a failed row.
func (w *world) requeue(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rows[id]
	r.Status = job.StatusQueued
	r.FailedAt = nil
}

func (w *world) claims(id string) []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Time(nil), w.claimedAt[id]...)
}

func (w *world) SelectCandidates(_ context.Context, q job.CandidateQuery) ([]job.Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.selectErr != nil {
		return nil, w.selectErr
	}
	var out []job.Job
	for _, r := range w.rows {
		if r.ScheduledAt.After(q.Now) || r.AttemptCount >= q.MaxAttempts {
			continue
		}
		if r.LockedAt != nil && r.LockedAt.After(q.LeaseCutoff) {
			continue
		}
		if !statusEligible(r, q.FailedCutoff) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(out[k].ScheduledAt) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func statusEligible(r *job.Job, failedCutoff *time.Time) bool {
	switch r.Status {
	case job.StatusQueued:
		return true
	case job.StatusFailed:
		return failedCutoff != nil && r.FailedAt != nil && !r.FailedAt.After(*failedCutoff)
	}
	return false
}

func (w *world) LoadSubject(_ context.Context, jobID string) (*job.Subject, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.rows[jobID]; !ok {
		return nil, job.ErrNotFound
	}
	s, ok := w.subjects[jobID]
	if !ok {
		return nil, job.ErrSubjectMissing
	}
	c := *s
	return &c, nil
}

func (w *world) claim(p job.ClaimParams, expired bool) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.claimErr != nil {
		return false, w.claimErr
	}
	r, ok := w.rows[p.JobID]
	if !ok || r.AttemptCount >= p.MaxAttempts || !statusEligible(r, p.FailedCutoff) {
		return false, nil
	}
	if expired {
		if r.LockedAt == nil || r.LockedAt.After(p.LeaseCutoff) {
			return false, nil
		}
	} else if r.LockedAt != nil {
		return false, nil
	}
	now := p.Now
	r.LockedAt = &now
	r.LockedBy = p.RunID
	r.RunID = p.RunID
	r.AttemptCount++
	w.claimedAt[p.JobID] = append(w.claimedAt[p.JobID], now)
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = p.IdempotencyKey
	}
	return true, nil
}

func (w *world) ClaimFresh(_ context.Context, p job.ClaimParams) (bool, error) {
	return w.claim(p, false)
}

func (w *world) ClaimExpired(_ context.Context, p job.ClaimParams) (bool, error) {
	return w.claim(p, true)
}

// fenced returns the row only if runID still owns it and it is not sent.
func (w *world) fenced(id, runID string) *job.Job {
	r, ok := w.rows[id]
	if !ok || r.RunID != runID || r.Status == job.StatusSent {
		return nil
	}
	return r
}

func (w *world) PersistComputedFacts(_ context.Context, f job.ComputedFacts) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.fenced(f.JobID, f.RunID)
	if r == nil {
		return 0, nil
	}
	r.SchemaVersion, r.CalcVersion, r.FactsHash = f.SchemaVersion, f.CalcVersion, f.FactsHash
	if len(f.Facts) > 0 {
		r.Facts = f.Facts
	}
	r.ErrorCode, r.ErrorMessage = "", ""
	r.LockedAt, r.LockedBy = nil, ""
	return 1, nil
}

func (w *world) MarkSent(_ context.Context, s job.SentRecord) (int64, error) {
	if w.onMarkSent != nil {
		w.onMarkSent(s.JobID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.fenced(s.JobID, s.RunID)
	if r == nil {
		return 0, nil
	}
	now := s.Now
	r.Status = job.StatusSent
	r.SentAt = &now
	r.FailedAt = nil
	r.ErrorCode, r.ErrorMessage = "", ""
	r.LockedAt, r.LockedBy = nil, ""
	r.FactsHash, r.CalcVersion, r.SchemaVersion = s.FactsHash, s.CalcVersion, s.SchemaVersion
	w.content[s.JobID] = s.Content
	w.provider[s.JobID] = s.ProviderMessageID
	return 1, nil
}

func (w *world) MarkFailed(_ context.Context, f job.FailureRecord) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.markFailedErr != nil {
		return 0, w.markFailedErr
	}
	r := w.fenced(f.JobID, f.RunID)
	if r == nil {
		return 0, nil
	}
	now := f.Now
	r.Status = job.StatusFailed
	r.FailedAt = &now
	r.ErrorCode, r.ErrorMessage = f.ErrorCode, f.ErrorMessage
	r.LockedAt, r.LockedBy = nil, ""
	return 1, nil
}

func (w *world) ReleaseLease(_ context.Context, jobID, runID string, _ time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = append(w.released, jobID)
	r, ok := w.rows[jobID]
	if !ok || r.LockedBy != runID {
		return 0, nil
	}
	r.LockedAt, r.LockedBy = nil, ""
	return 1, nil
}

// computeServer fakes the compute service.
type computeServer struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newComputeServer(t *testing.T) *computeServer {
	cs := &computeServer{}
	cs.status.Store(http.StatusOK)
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		if code := int(cs.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			w.Write([]byte("internal error"))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"schema_version": "v1",
			"calc_version":   "calc-1",
			"facts_hash":     "hash-1",
			"has_birth_time": false,
			"facts":          map[string]interface{}{"sun": "taurus"},
		})
	}))
	t.Cleanup(cs.Close)
	return cs
}

func tokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "id-token"})
}

type fakeGen struct {
	mu      sync.Mutex
	fail    map[string]error
	prompts []string
	calls   atomic.Int32
}

func (g *fakeGen) Generate(_ context.Context, _, prompt string) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	for marker, err := range g.fail {
		if strings.Contains(prompt, marker) {
			return "", err
		}
	}
	return "Die Sterne stehen gut.", nil
}

func (g *fakeGen) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type fakePub struct {
	mu     sync.Mutex
	bodies [][]byte
	hook   func()
}

func (p *fakePub) Publish(_ string, body []byte) error {
	if p.hook != nil {
		p.hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}
