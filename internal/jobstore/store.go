// Package jobstore is the Job Store (§4.A): the single source of
// truth for job records, FIFO queue ordering, and the delayed/retry
// due-time index. Two implementations share one interface — an
// in-memory one for tests and local development, and a Redis-backed
// one for production — selected by NewWithFallback.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/soapscribe/backend/internal/domain"
)

// CASResult is the outcome of a compare-and-swap update (§4.A
// cas_update), the sole state-visible mutation path (I1, I3).
type CASResult int

const (
	CASOK CASResult = iota
	CASConflict
	CASNotFound
)

var (
	ErrNotFound    = errors.New("jobstore: job not found")
	ErrQueueEmpty  = errors.New("jobstore: queue empty")
	ErrUnavailable = errors.New("jobstore: store unavailable")
)

// Stats is the queue_stats operation's result (§4.A, §4.G, §6). Size
// and OldestJobCreatedAt are the §6 operator-facing shape
// ({queueName, size, oldestJobCreatedAt?}); the per-state breakdown is
// additional operator detail §4.A's minimal {size, oldest_age} leaves
// room for.
type Stats struct {
	QueueName          string     `json:"queueName"`
	Size               int64      `json:"size"`
	OldestJobCreatedAt *time.Time `json:"oldestJobCreatedAt,omitempty"`

	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Delayed    int64 `json:"delayed"`
}

// Store is the full Job Store contract.
type Store interface {
	// PutNew persists a brand-new job and enqueues it for dispatch.
	PutNew(ctx context.Context, job *domain.Job) error

	// Get returns a clone of the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// CasUpdate atomically applies mutate to the job currently stored
	// under id if and only if its State still equals expectedState,
	// writing the result of mutate back. mutate receives a clone it
	// may freely modify in place; returning a non-nil error aborts the
	// update without persisting anything. CasUpdate is the only path
	// by which State (and therefore the I1 transition graph) changes.
	CasUpdate(ctx context.Context, id string, expectedState domain.JobState, mutate func(j *domain.Job) error) (CASResult, *domain.Job, error)

	// PopNext dequeues the next job from queue in FIFO order (P2),
	// atomically transitioning it queued -> processing, or returns
	// ErrQueueEmpty. A job popped here is never handed to a second
	// caller until it is returned to queued via CasUpdate (P3).
	PopNext(ctx context.Context, queue string) (*domain.Job, error)

	// EnqueueDelayed schedules job for re-dispatch no earlier than
	// job.NextEligibleAt, used by the retry engine's retry path.
	EnqueueDelayed(ctx context.Context, job *domain.Job) error

	// PromoteDue moves every delayed job whose NextEligibleAt has
	// passed back onto its live queue, returning how many moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ListByUser returns jobs owned by userID, newest first (I2), with
	// limit/offset pagination (§4.G list: limit capped at 100 by the
	// caller, offset skips that many of the newest-first results).
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Job, error)

	// ListByState returns jobs in the given state across all users,
	// used by housekeeping and operator surfaces, not by user-facing
	// calls (no ownership filter).
	ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error)

	// Stats reports per-state counts for a single queue.
	Stats(ctx context.Context, queue string) (Stats, error)

	// CleanupTerminal removes terminal jobs older than olderThan,
	// returning how many were removed (§4.A retention policy, in lieu
	// of a hard TTL so ListByUser can still serve recent history).
	CleanupTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	// Probe reports whether the store itself is reachable, feeding the
	// degradation controller's own admission checks.
	Probe(ctx context.Context) error

	Close() error
}
