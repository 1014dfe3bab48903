package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soapscribe/backend/internal/domain"
)

// MemoryStore is an in-process Store, used for local development and
// as the target of the fallback when Redis is unreachable. All state
// lives behind a single mutex; this is not meant to scale past one
// process.
type MemoryStore struct {
	mu sync.Mutex

	jobs    map[string]*domain.Job
	queues  map[string][]string // queue name -> FIFO job ids
	delayed []string            // job ids waiting on NextEligibleAt, unordered
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*domain.Job),
		queues: make(map[string][]string),
	}
}

func (m *MemoryStore) PutNew(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	m.queues[job.Queue] = append(m.queues[job.Queue], job.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) CasUpdate(_ context.Context, id string, expectedState domain.JobState, mutate func(j *domain.Job) error) (CASResult, *domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return CASNotFound, nil, nil
	}
	if current.State != expectedState {
		return CASConflict, current.Clone(), nil
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		return CASConflict, current.Clone(), err
	}
	m.jobs[id] = working
	return CASOK, working.Clone(), nil
}

func (m *MemoryStore) PopNext(_ context.Context, queue string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.queues[queue]
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		m.queues[queue] = ids

		job, ok := m.jobs[id]
		if !ok || job.State != domain.StateQueued {
			continue
		}
		job.State = domain.StateProcessing
		now := time.Now()
		job.StartedAt = &now
		return job.Clone(), nil
	}
	return nil, ErrQueueEmpty
}

func (m *MemoryStore) EnqueueDelayed(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	m.delayed = append(m.delayed, job.ID)
	return nil
}

func (m *MemoryStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var remaining []string
	promoted := 0
	for _, id := range m.delayed {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if job.State != domain.StateQueued || job.NextEligibleAt.After(now) {
			remaining = append(remaining, id)
			continue
		}
		m.queues[job.Queue] = append(m.queues[job.Queue], id)
		promoted++
	}
	m.delayed = remaining
	return promoted, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if j.OwnedBy(userID) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if j.State == state {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delayedIDs := make(map[string]struct{}, len(m.delayed))
	for _, id := range m.delayed {
		delayedIDs[id] = struct{}{}
	}

	s := Stats{QueueName: queue}
	var oldest *time.Time
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case domain.StateQueued:
			if _, delayed := delayedIDs[j.ID]; delayed {
				continue
			}
			s.Queued++
			created := j.CreatedAt
			if oldest == nil || created.Before(*oldest) {
				oldest = &created
			}
		case domain.StateProcessing:
			s.Processing++
		case domain.StateCompleted:
			s.Completed++
		case domain.StateFailed:
			s.Failed++
		case domain.StateCancelled:
			s.Cancelled++
		}
	}
	for _, id := range m.delayed {
		if j, ok := m.jobs[id]; ok && j.Queue == queue && j.State == domain.StateQueued {
			s.Delayed++
		}
	}
	s.Size = s.Queued + s.Delayed
	s.OldestJobCreatedAt = oldest
	return s, nil
}

func (m *MemoryStore) CleanupTerminal(_ context.Context, olderThan time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, j := range m.jobs {
		if !j.State.Terminal() || j.CompletedAt == nil {
			continue
		}
		if now.Sub(*j.CompletedAt) > olderThan {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Probe(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
