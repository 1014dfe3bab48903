// Package worker implements the Managed Worker (§4.E): the control
// loop shared by every worker goroutine regardless of variant (text or
// audio). A worker repeatedly pops the next eligible job off its
// queue, delegates to a variant-specific ProcessFunc for the actual
// work, and folds the result back through the retry engine, the job
// store's CAS update, and the health registry.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/health"
	"github.com/soapscribe/backend/internal/jobstore"
	"github.com/soapscribe/backend/internal/pkg/logger"
	"github.com/soapscribe/backend/internal/retry"
)

// ProcessFunc does the variant-specific work for one job: call the
// upstream collaborator(s), and return either a populated output or an
// error categorized for the retry engine.
type ProcessFunc func(ctx context.Context, job *domain.Job) (output map[string]any, category retry.Category, err error)

// Worker runs process_once in a loop against a single queue.
type Worker struct {
	ID      string
	Variant string
	Queue   string

	store       jobstore.Store
	policy      *retry.Policy
	healthReg   *health.Registry
	degradation *degradation.Controller
	process     ProcessFunc
	log         *logger.Logger

	jobTimeout time.Duration
}

type Config struct {
	ID          string
	Variant     string
	Queue       string
	Store       jobstore.Store
	Policy      *retry.Policy
	Health      *health.Registry
	Degradation *degradation.Controller
	Process     ProcessFunc
	Log         *logger.Logger
	JobTimeout  time.Duration
}

func New(cfg Config) *Worker {
	return &Worker{
		ID:          cfg.ID,
		Variant:     cfg.Variant,
		Queue:       cfg.Queue,
		store:       cfg.Store,
		policy:      cfg.Policy,
		healthReg:   cfg.Health,
		degradation: cfg.Degradation,
		process:     cfg.Process,
		log:         cfg.Log.With("worker_id", cfg.ID, "variant", cfg.Variant),
		jobTimeout:  cfg.JobTimeout,
	}
}

// ProcessOnce pops the next job from the worker's queue, if any, and
// runs it to completion (success, retry-scheduled, or terminal
// failure). It reports whether a job was found, so the scheduler can
// tell an idle tick from a busy one.
func (w *Worker) ProcessOnce(ctx context.Context) (worked bool, err error) {
	w.healthReg.Heartbeat(w.ID)

	job, err := w.store.PopNext(ctx, w.Queue)
	if err == jobstore.ErrQueueEmpty {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("worker %s: pop next: %w", w.ID, err)
	}

	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	jobCtx := ctx
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	output, category, procErr := w.safeProcess(jobCtx, job)

	if procErr == nil {
		w.onSuccess(ctx, job, output)
		return
	}
	w.onFailure(ctx, job, category, procErr)
}

// safeProcess isolates a panicking ProcessFunc so one bad job never
// takes the worker goroutine down with it.
func (w *Worker) safeProcess(ctx context.Context, job *domain.Job) (output map[string]any, category retry.Category, err error) {
	defer func() {
		if r := recover(); r != nil {
			category = retry.CategoryInternal
			err = fmt.Errorf("worker %s: panic processing job %s: %v", w.ID, job.ID, r)
		}
	}()
	return w.process(ctx, job)
}

func (w *Worker) onSuccess(ctx context.Context, job *domain.Job, output map[string]any) {
	_, _, err := w.store.CasUpdate(ctx, job.ID, domain.StateProcessing, func(j *domain.Job) error {
		j.State = domain.StateCompleted
		j.Output = output
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		w.log.Error("failed to persist job completion", "job_id", job.ID, "error", err)
		w.healthReg.RecordFailure(w.ID)
		return
	}
	w.healthReg.RecordSuccess(w.ID)
}

func (w *Worker) onFailure(ctx context.Context, job *domain.Job, category retry.Category, procErr error) {
	decision := w.policy.Decide(category, job.AttemptCount, job.MaxAttempts, procErr)

	var casErr error
	switch decision.Action {
	case retry.ActionRetry:
		var updated *domain.Job
		_, updated, casErr = w.store.CasUpdate(ctx, job.ID, domain.StateProcessing, func(j *domain.Job) error {
			j.State = domain.StateQueued
			j.AttemptCount = decision.NewAttemptCount
			j.NextEligibleAt = time.Now().Add(decision.Delay)
			j.LastErrorCategory = string(decision.Category)
			return nil
		})
		if casErr == nil && updated != nil {
			casErr = w.store.EnqueueDelayed(ctx, updated)
		}
	default:
		_, _, casErr = w.store.CasUpdate(ctx, job.ID, domain.StateProcessing, func(j *domain.Job) error {
			j.State = domain.StateFailed
			j.Error = decision.FailureMessage
			j.AttemptCount = decision.NewAttemptCount
			j.LastErrorCategory = string(decision.Category)
			now := time.Now()
			j.CompletedAt = &now
			return nil
		})
	}

	if casErr != nil {
		w.log.Error("failed to persist job failure/retry", "job_id", job.ID, "error", casErr)
	}
	w.healthReg.RecordFailure(w.ID)
}
