// Package scheduler implements the Worker Pool Scheduler (§4.F): a
// fixed-size pool of Managed Workers per variant, each dispatched on
// its own ticker, plus a housekeeping ticker that promotes due delayed
// jobs, sweeps terminal jobs past their retention window, and replaces
// workers the health registry has flagged unhealthy.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/soapscribe/backend/internal/health"
	"github.com/soapscribe/backend/internal/jobstore"
	"github.com/soapscribe/backend/internal/pkg/logger"
	"github.com/soapscribe/backend/internal/worker"
)

// WorkerFactory builds a fresh worker with the given worker id: the
// slot id at startup, and a fresh "<slot>#<generation>" id when it
// replaces an unhealthy worker.
type WorkerFactory func(id string) *worker.Worker

// PoolSpec describes one variant's worker pool.
type PoolSpec struct {
	Variant    string
	Size       int
	Factory    WorkerFactory
}

type Config struct {
	Pools             []PoolSpec
	DispatchInterval  time.Duration
	HousekeepInterval time.Duration
	Store             jobstore.Store
	Health            *health.Registry
	TerminalRetention time.Duration
	Log               *logger.Logger
}

// Scheduler owns the worker goroutines and the housekeeping loop.
type Scheduler struct {
	cfg Config

	mu         sync.Mutex
	slots      map[string]*worker.Worker // slot id -> current worker instance
	factory    map[string]WorkerFactory  // slot id -> factory to rebuild it
	generation map[string]int            // slot id -> restart count, used to mint fresh worker ids

	wg       sync.WaitGroup
	shutdown chan struct{}
}

func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		slots:      make(map[string]*worker.Worker),
		factory:    make(map[string]WorkerFactory),
		generation: make(map[string]int),
		shutdown:   make(chan struct{}),
	}
}

func slotID(variant string, index int) string {
	return variant + "-" + strconv.Itoa(index)
}

// Start spins up every pool's workers plus the housekeeping loop. It
// returns immediately; call Stop to shut everything down.
func (s *Scheduler) Start(ctx context.Context) {
	for _, pool := range s.cfg.Pools {
		for i := 0; i < pool.Size; i++ {
			id := slotID(pool.Variant, i)
			s.mu.Lock()
			s.factory[id] = pool.Factory
			s.slots[id] = pool.Factory(id)
			s.mu.Unlock()

			s.wg.Add(1)
			go s.runSlot(ctx, id)
		}
	}

	s.wg.Add(1)
	go s.runHousekeeping(ctx)
}

func (s *Scheduler) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

func (s *Scheduler) runSlot(ctx context.Context, id string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchSlot(ctx, id)
		}
	}
}

func (s *Scheduler) dispatchSlot(ctx context.Context, id string) {
	s.mu.Lock()
	w := s.slots[id]
	s.mu.Unlock()
	if w == nil {
		return
	}

	if _, err := w.ProcessOnce(ctx); err != nil {
		s.cfg.Log.Warn("worker process_once failed", "slot", id, "error", err)
	}
}

func (s *Scheduler) runHousekeeping(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.houseKeep(ctx)
		}
	}
}

func (s *Scheduler) houseKeep(ctx context.Context) {
	now := time.Now()

	if promoted, err := s.cfg.Store.PromoteDue(ctx, now); err != nil {
		s.cfg.Log.Warn("promote due failed", "error", err)
	} else if promoted > 0 {
		s.cfg.Log.Info("promoted delayed jobs", "count", promoted)
	}

	if removed, err := s.cfg.Store.CleanupTerminal(ctx, s.cfg.TerminalRetention, now); err != nil {
		s.cfg.Log.Warn("cleanup terminal failed", "error", err)
	} else if removed > 0 {
		s.cfg.Log.Info("cleaned up terminal jobs", "count", removed)
	}

	s.restartUnhealthySlots(ctx)
}

// restartUnhealthySlots replaces any worker whose health registry
// entry has gone stale or been deactivated on consecutive failures,
// mirroring scenario 7: the replacement gets a fresh worker id — a
// deactivated id is irreversible (§4.C) and must never be reused —
// while the slot key it occupies (and therefore its dispatch ticker)
// stays put.
func (s *Scheduler) restartUnhealthySlots(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, w := range s.slots {
		if w == nil {
			continue
		}
		if s.cfg.Health.IsHealthy(w.ID) {
			continue
		}
		factory, ok := s.factory[slot]
		if !ok {
			continue
		}
		s.generation[slot]++
		freshID := slot + "#" + strconv.Itoa(s.generation[slot])
		s.cfg.Log.Warn("replacing unhealthy worker", "slot", slot, "old_worker_id", w.ID, "new_worker_id", freshID)
		s.slots[slot] = factory(freshID)
	}
}
