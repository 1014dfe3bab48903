// Package health implements the Worker Health Registry (§4.C): tracks
// each managed worker's heartbeat and consecutive-failure count,
// deactivates a worker once it reaches the configured failure
// threshold, and reports a worker whose heartbeat has gone stale as
// unhealthy (it stays active until the scheduler replaces it).
package health

import (
	"sync"
	"time"

	"github.com/soapscribe/backend/internal/domain"
)

// Registry is the liveness and health book-keeper for every managed
// worker goroutine in the pool.
type Registry struct {
	mu sync.RWMutex

	staleThreshold  time.Duration
	failureLimit    int
	workers         map[string]*domain.WorkerDescriptor
}

func NewRegistry(staleThreshold time.Duration, failureLimit int) *Registry {
	return &Registry{
		staleThreshold: staleThreshold,
		failureLimit:   failureLimit,
		workers:        make(map[string]*domain.WorkerDescriptor),
	}
}

// Register adds a new worker in the active state. Re-registering an
// existing id resets its bookkeeping and makes it active again; the
// scheduler does not rely on this, since it registers each replacement
// worker under a fresh id.
func (r *Registry) Register(id, variant string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.workers[id] = &domain.WorkerDescriptor{
		ID:               id,
		Variant:          variant,
		RegistrationTime: now,
		LastHeartbeat:    now,
		IsActive:         true,
	}
}

// Heartbeat records that the worker is alive. A heartbeat on a
// deactivated worker is a no-op: deactivation is irreversible (§4.C).
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || !w.IsActive {
		return
	}
	w.LastHeartbeat = time.Now()
}

// RecordSuccess resets the worker's consecutive-failure streak (I5).
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || !w.IsActive {
		return
	}
	w.TotalProcessed++
	w.ConsecutiveFailures = 0
	w.LastHeartbeat = time.Now()
}

// RecordFailure increments the worker's consecutive-failure streak
// and deactivates it once the streak crosses failureLimit. It reports
// whether this call caused deactivation, so the scheduler knows to
// spin up a replacement.
func (r *Registry) RecordFailure(id string) (deactivated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || !w.IsActive {
		return false
	}
	w.TotalFailed++
	w.ConsecutiveFailures++
	w.LastHeartbeat = time.Now()

	if r.failureLimit > 0 && w.ConsecutiveFailures >= r.failureLimit {
		w.IsActive = false
		w.IsFailed = true
		return true
	}
	return false
}

// Deactivate marks a worker inactive without flagging it as failed —
// used for planned shutdown rather than a failure-triggered eviction.
func (r *Registry) Deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.IsActive = false
	}
}

// IsHealthy reports whether a worker is active and has heartbeated
// within staleThreshold.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok || !w.IsActive {
		return false
	}
	return time.Since(w.LastHeartbeat) <= r.staleThreshold
}

// StaleWorkers returns the ids of active workers whose heartbeat has
// expired — candidates for the scheduler's restart housekeeping.
func (r *Registry) StaleWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, w := range r.workers {
		if w.IsActive && time.Since(w.LastHeartbeat) > r.staleThreshold {
			stale = append(stale, id)
		}
	}
	return stale
}

// ActiveCount returns how many workers of variant are currently active.
func (r *Registry) ActiveCount(variant string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, w := range r.workers {
		if w.Variant == variant && w.IsActive {
			count++
		}
	}
	return count
}

// Snapshot returns a point-in-time copy of every worker's descriptor,
// for operator-facing status surfaces.
func (r *Registry) Snapshot() []domain.WorkerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WorkerDescriptor, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}
