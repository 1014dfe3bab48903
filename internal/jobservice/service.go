// Package jobservice is the Job Service façade (§4.G): the single
// entry point the (out-of-scope) HTTP/auth layer calls into for every
// job operation. It owns ownership scoping, input validation, and
// admission gating, translating failures into the stable error
// taxonomy in apperrors.
package jobservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/jobstore"
	"github.com/soapscribe/backend/internal/logsafe"
	"github.com/soapscribe/backend/internal/pkg/apperrors"
	"github.com/soapscribe/backend/internal/pkg/ctxutil"
	"github.com/soapscribe/backend/internal/pkg/logger"
)

type Service struct {
	store              jobstore.Store
	degradation        *degradation.Controller
	log                *logger.Logger
	defaultMaxAttempts int
}

func New(store jobstore.Store, deg *degradation.Controller, log *logger.Logger, defaultMaxAttempts int) *Service {
	return &Service{
		store:              store,
		degradation:        deg,
		log:                log.With("component", "JobService"),
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

func requestUser(ctx context.Context) (string, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || strings.TrimSpace(rd.UserID) == "" {
		return "", apperrors.New(apperrors.CategoryInvalidInput, "missing caller identity")
	}
	return rd.UserID, nil
}

// Create validates and admits a new job submission. jobType drives
// both queue routing (§3) and, through the degradation controller,
// whether the submission is admitted at all (§4.D, P9).
func (s *Service) Create(ctx context.Context, jobType domain.JobType, input map[string]any, sessionID, transcriptID *string) (*domain.Job, error) {
	userID, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, apperrors.New(apperrors.CategoryInvalidInput, "input is required")
	}
	if !s.degradation.Admit(jobType) {
		s.log.Warn("admission refused", "user_id", logsafe.Default(userID), "job_type", string(jobType), "level", string(s.degradation.Level()))
		return nil, apperrors.Wrap(apperrors.CategoryAdmissionRefused, "system is degraded and is not accepting this job type right now", apperrors.ErrAdmissionRefused)
	}

	now := time.Now()
	job := &domain.Job{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           jobType,
		Queue:          jobType.QueueName(),
		State:          domain.StateQueued,
		Input:          input,
		CreatedAt:      now,
		MaxAttempts:    s.defaultMaxAttempts,
		SessionID:      sessionID,
		TranscriptID:   transcriptID,
		NextEligibleAt: now,
	}

	if err := s.store.PutNew(ctx, job); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to submit job", err)
	}
	return job, nil
}

// Status returns a job owned by the caller, or a not-found error
// indistinguishable from "never existed" for a job owned by someone
// else (I2).
func (s *Service) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	userID, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}

	job, err := s.store.Get(ctx, jobID)
	if err == jobstore.ErrNotFound {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to load job", err)
	}
	if !job.OwnedBy(userID) {
		return nil, apperrors.ErrNotFound
	}
	return job, nil
}

// maxListLimit is the §4.G cap: "limit capped at 100".
const maxListLimit = 100

// List returns the caller's own jobs, most recent first, paginated by
// limit/offset (§4.G). limit is capped at 100 regardless of request.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*domain.Job, error) {
	userID, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to list jobs", err)
	}
	return jobs, nil
}

// Cancel transitions a caller-owned, still-queued job to cancelled. A
// job already picked up by a worker (processing) or already terminal
// cannot be cancelled — the race is resolved in the job store's favor
// (scenario 5): whichever side's CAS lands first wins.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	userID, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}

	job, err := s.store.Get(ctx, jobID)
	if err == jobstore.ErrNotFound {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to load job", err)
	}
	if !job.OwnedBy(userID) {
		return nil, apperrors.ErrNotFound
	}
	if job.State.Terminal() {
		return nil, apperrors.New(apperrors.CategoryInvalidInput, fmt.Sprintf("job is already %s", job.State))
	}

	result, updated, err := s.store.CasUpdate(ctx, jobID, domain.StateQueued, func(j *domain.Job) error {
		j.State = domain.StateCancelled
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to cancel job", err)
	}
	switch result {
	case jobstore.CASOK:
		return updated, nil
	case jobstore.CASNotFound:
		return nil, apperrors.ErrNotFound
	default: // CASConflict: a worker already claimed it, or it finished first
		return nil, apperrors.New(apperrors.CategoryInvalidInput, "job has already started processing and cannot be cancelled")
	}
}

// QueueStats is an operator-facing read with no ownership scoping.
func (s *Service) QueueStats(ctx context.Context, queue string) (jobstore.Stats, error) {
	stats, err := s.store.Stats(ctx, queue)
	if err != nil {
		return jobstore.Stats{}, apperrors.Wrap(apperrors.CategoryStoreUnavailable, "failed to read queue stats", err)
	}
	return stats, nil
}
