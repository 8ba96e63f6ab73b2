// Package orchestrator runs one pass over the due horoscope jobs: claim,
// compute (or replay cached facts), generate, hand off, record.
//
// Per-row failures are recorded on the row and never abort the pass. Only
// configuration, selection and claim errors fail the invocation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/adapter/compute"
	"luraaya/apps/backend/internal/delivery"
	"luraaya/apps/backend/internal/lease"
	"luraaya/apps/backend/internal/logger"
	"luraaya/apps/backend/internal/persist"
)

const (
	CodeComputeStage = "COMPUTE_STAGE_ERROR"
	CodeSelectFailed = "DB_SELECT_FAILED"

	StepCompute     = "compute"
	StepOrchestrate = "orchestrate"
)

var (
	ErrConfig = errors.New("orchestrator not configured")
	ErrSelect = errors.New(CodeSelectFailed)
)

type JobStore interface {
	SelectCandidates(ctx context.Context, q job.CandidateQuery) ([]job.Job, error)
	LoadSubject(ctx context.Context, jobID string) (*job.Subject, error)
}

type Claimer interface {
	CandidateQuery(now time.Time, limit int) job.CandidateQuery
	TryClaim(ctx context.Context, j job.Job, runID string, now time.Time) (bool, error)
}

type ResultWriter interface {
	PersistComputedFacts(ctx context.Context, f job.ComputedFacts) error
	MarkSent(ctx context.Context, s job.SentRecord) error
	MarkFailed(ctx context.Context, jobID, runID, code, message, step string, now time.Time) error
	ReleaseLease(ctx context.Context, jobID, runID string, now time.Time) error
}

type ComputeClient interface {
	Ready() error
	Compute(ctx context.Context, req compute.Request) (*compute.Result, error)
}

type Dispatcher interface {
	Generate(ctx context.Context, j job.Job, s job.Subject, facts json.RawMessage, now time.Time) (delivery.Message, error)
	Deliver(ctx context.Context, j job.Job, s job.Subject, msg delivery.Message, now time.Time) (string, error)
}

type Config struct {
	BatchSize          int
	Concurrency        int
	StopOnFirstFailure bool
	RowTimeout         time.Duration
	StoreTimeout       time.Duration
}

// Result is returned to every trigger.
type Result struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
}

type Orchestrator struct {
	store      JobStore
	leases     Claimer
	results    ResultWriter
	compute    ComputeClient
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	now      func() time.Time
	newRunID func() string
}

func New(store JobStore, leases Claimer, results ResultWriter, cc ComputeClient, d Dispatcher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 25
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{
		store:      store,
		leases:     leases,
		results:    results,
		compute:    cc,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newRunID:   uuid.NewString,
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

// rowError is a failure that gets recorded on the row.
type rowError struct {
	code string
	step string
	err  error
}

func (e *rowError) Error() string { return e.step + ": " + e.err.Error() }

func (e *rowError) Unwrap() error { return e.err }

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

func (o *Orchestrator) RunOnce(ctx context.Context) (Result, error) {
	if err := o.compute.Ready(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	runID := o.newRunID()
	now := o.now().UTC()
	ctx = logger.WithRunID(ctx, runID)
	res := Result{RunID: runID}

	sctx, cancel := o.storeCtx(ctx)
	candidates, err := o.store.SelectCandidates(sctx, o.leases.CandidateQuery(now, o.cfg.BatchSize))
	cancel()
	if err != nil {
		o.logger.ErrorContext(ctx, "candidate selection failed", "error", err)
		return res, fmt.Errorf("%w: %w", ErrSelect, err)
	}

	o.logger.InfoContext(ctx, "orchestrator run started", "candidates", len(candidates), "concurrency", o.cfg.Concurrency)
	if len(candidates) == 0 {
		return res, nil
	}

	var (
		mu   sync.Mutex
		stop atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, j := range candidates {
		g.Go(func() error {
			if stop.Load() || gctx.Err() != nil {
				return nil
			}
			out, err := o.processRow(gctx, j, runID)
			if err != nil {
				return err
			}

			mu.Lock()
			switch out {
			case outcomeSent:
				res.Processed++
				res.Sent++
			case outcomeFailed:
				res.Processed++
				res.Failed++
			}
			mu.Unlock()

			if out == outcomeFailed && o.cfg.StopOnFirstFailure {
				stop.Store(true)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator run aborted", "error", err, "processed", res.Processed)
		return res, err
	}

	o.logger.InfoContext(ctx, "orchestrator run finished", "processed", res.Processed, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

// processRow returns an error only for claim failures. The lease is stamped
// with the claim time, not the run start, so rows late in a batch still get a
// full TTL.
func (o *Orchestrator) processRow(ctx context.Context, j job.Job, runID string) (outcome, error) {
	ctx = logger.WithJobID(ctx, j.ID)

	sctx, cancel := o.storeCtx(ctx)
	claimed, err := o.leases.TryClaim(sctx, j, runID, o.now().UTC())
	cancel()
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		o.logger.DebugContext(ctx, "job not claimed, skipping")
		return outcomeSkipped, nil
	}
	if j.IdempotencyKey == "" {
		j.IdempotencyKey = lease.IdempotencyKey(j.ID, j.ScheduledAt)
	}

	rctx := ctx
	if o.cfg.RowTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.cfg.RowTimeout)
		defer cancel()
	}

	err = o.handle(rctx, j, runID)
	if err == nil {
		o.logger.InfoContext(ctx, "job sent")
		return outcomeSent, nil
	}
	if errors.Is(err, persist.ErrLeaseLost) {
		o.logger.WarnContext(ctx, "lease lost, abandoning job", "error", err)
		return outcomeFailed, nil
	}

	o.recordFailure(ctx, j.ID, runID, err)
	return outcomeFailed, nil
}

func (o *Orchestrator) handle(ctx context.Context, j job.Job, runID string) error {
	subject, err := o.store.LoadSubject(ctx, j.ID)
	if err != nil {
		return &rowError{code: CodeComputeStage, step: StepCompute, err: err}
	}

	var facts json.RawMessage
	if j.HasComputedFacts() {
		facts = j.Facts
		o.logger.InfoContext(ctx, "replaying cached facts", "facts_hash", j.FactsHash, "calc_version", j.CalcVersion, "has_facts", len(facts) > 0)
	} else {
		result, err := o.compute.Compute(ctx, compute.NewRequest(*subject))
		if err != nil {
			return &rowError{code: CodeComputeStage, step: StepCompute, err: err}
		}
		j.SchemaVersion = result.SchemaVersion
		j.CalcVersion = result.CalcVersion
		j.FactsHash = result.FactsHash
		facts = result.Facts
	}

	err = o.results.PersistComputedFacts(ctx, job.ComputedFacts{
		JobID:         j.ID,
		RunID:         runID,
		SchemaVersion: j.SchemaVersion,
		CalcVersion:   j.CalcVersion,
		FactsHash:     j.FactsHash,
		Facts:         facts,
		Now:           o.now().UTC(),
	})
	if err != nil {
		return persistError(err)
	}

	msg, err := o.dispatcher.Generate(ctx, j, *subject, facts, o.now().UTC())
	if err != nil {
		return err
	}

	providerID, err := o.dispatcher.Deliver(ctx, j, *subject, msg, o.now().UTC())
	if err != nil {
		return err
	}

	err = o.results.MarkSent(ctx, job.SentRecord{
		JobID:             j.ID,
		RunID:             runID,
		ProviderMessageID: providerID,
		Content:           msg.Content,
		PromptVersion:     msg.PromptVersion,
		FactsHash:         j.FactsHash,
		CalcVersion:       j.CalcVersion,
		SchemaVersion:     j.SchemaVersion,
		Now:               o.now().UTC(),
	})
	if err != nil {
		return persistError(err)
	}
	return nil
}

func persistError(err error) error {
	if errors.Is(err, persist.ErrLeaseLost) {
		return err
	}
	return &rowError{code: persist.CodePersistFailed, step: StepOrchestrate, err: err}
}

// recordFailure marks the row failed, falling back to releasing the lease.
// It runs detached from cancellation so an aborted pass still records.
func (o *Orchestrator) recordFailure(ctx context.Context, jobID, runID string, cause error) {
	code, step, message := classify(cause)
	wctx := context.WithoutCancel(ctx)

	o.logger.WarnContext(ctx, "job failed", "code", code, "step", step, "error", message)

	err := o.results.MarkFailed(wctx, jobID, runID, code, message, step, o.now().UTC())
	if err == nil {
		return
	}
	if errors.Is(err, persist.ErrLeaseLost) {
		o.logger.WarnContext(ctx, "lease lost before failure could be recorded", "error", err)
		return
	}

	o.logger.ErrorContext(ctx, "failed to record job failure, releasing lease", "error", err, "code", code)
	if err := o.results.ReleaseLease(wctx, jobID, runID, o.now().UTC()); err != nil {
		o.logger.ErrorContext(ctx, "lease release failed, row recovers after TTL", "error", err)
	}
}

func classify(err error) (code, step, message string) {
	var se *delivery.StageError
	if errors.As(err, &se) {
		return se.Code, se.Step, se.Err.Error()
	}
	var re *rowError
	if errors.As(err, &re) {
		return re.code, re.step, re.err.Error()
	}
	return persist.CodePersistFailed, StepOrchestrate, err.Error()
}
