// Package degradation implements the Degradation Controller (§4.D): a
// hysteretic state machine over per-service reachability and rolling
// error-rate/latency windows that gates new job admission once
// upstream collaborators (or the job store) start misbehaving. A
// single bad window is enough to step down a level; recovering a
// level requires two consecutive good windows, so the system doesn't
// flap between levels on noisy measurements.
package degradation

import (
	"sync"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/domain"
)

// Service identifies one of the three collaborators the controller
// tracks independently, so §4.D's "one upstream down but the other
// healthy" (major) vs "both upstreams down, or the job store down"
// (critical) conditions are each derivable on their own, rather than
// collapsed into one blended error rate.
type Service string

const (
	ServiceTranscription Service = "transcription"
	ServiceAgent         Service = "agent"
	ServiceStore         Service = "store"
)

var levelOrder = []domain.DegradationLevel{
	domain.DegradationNormal,
	domain.DegradationMinor,
	domain.DegradationMajor,
	domain.DegradationCritical,
}

func levelIndex(l domain.DegradationLevel) int {
	for i, candidate := range levelOrder {
		if candidate == l {
			return i
		}
	}
	return 0
}

// window accumulates outcomes for the period between two Tick calls.
type window struct {
	successes  int
	failures   int
	latencySum time.Duration
}

func (w window) errorRate() float64 {
	total := w.successes + w.failures
	if total == 0 {
		return 0
	}
	return float64(w.failures) / float64(total)
}

func (w window) avgLatency() time.Duration {
	total := w.successes + w.failures
	if total == 0 {
		return 0
	}
	return w.latencySum / time.Duration(total)
}

// serviceTracker is one collaborator's rolling window plus its sticky
// "last probe reachable" latch. The latch is what drives major/
// critical: it is set explicitly by RecordProbe and, unlike the
// window, survives across Tick calls until a later probe of the same
// service reports reachable again.
type serviceTracker struct {
	win         window
	lastWin     window // the window as of the most recent Tick, for Snapshot
	unreachable bool
}

// Controller is the system-wide degradation state machine.
type Controller struct {
	mu sync.Mutex

	thresholds config.DegradationThresholds

	current   domain.DegradationLevel
	goodRun   int
	updatedAt time.Time

	services map[Service]*serviceTracker

	// modelUnavailable mirrors §6: "a healthy [agent] service with
	// model_available=false maps to DegradationLevel=minor". It is a
	// sticky signal set by the probe loop directly (not derived from
	// error-rate windows) and clamps the level to at least minor until
	// the agent reports its model available again.
	modelUnavailable bool
}

func NewController(thresholds config.DegradationThresholds) *Controller {
	return &Controller{
		thresholds: thresholds,
		current:    domain.DegradationNormal,
		updatedAt:  time.Now(),
		services: map[Service]*serviceTracker{
			ServiceTranscription: {},
			ServiceAgent:         {},
			ServiceStore:         {},
		},
	}
}

func (c *Controller) tracker(service Service) *serviceTracker {
	t, ok := c.services[service]
	if !ok {
		t = &serviceTracker{}
		c.services[service] = t
	}
	return t
}

// RecordOutcome feeds one call's result for a specific service into
// its current rolling window. It does not itself change the level —
// that only happens on Tick, so a burst of calls within one window is
// judged as a whole. This window drives the minor-level error-rate/
// latency thresholds; it does not by itself mark a service down (see
// RecordProbe).
func (c *Controller) RecordOutcome(service Service, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tracker(service)
	if success {
		t.win.successes++
	} else {
		t.win.failures++
	}
	t.win.latencySum += latency
}

// RecordProbe is the sticky reachability latch §4.D's major/critical
// conditions are built on: a health probe reporting a service
// unreachable pins it down until a later probe of the same service
// reports reachable again. Feeding store.Probe's result through this
// with service=ServiceStore is what makes "job store down -> critical"
// (§4.D, §4.G) actually observable, since a quiet queue would
// otherwise never exercise the store.
func (c *Controller) RecordProbe(service Service, reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker(service).unreachable = !reachable
}

// SetModelAvailability records the agent upstream's model_available
// flag from its last health probe (§6). A false value clamps the
// derived level to at least minor regardless of error-rate/latency
// windows; it does not by itself force major or critical.
func (c *Controller) SetModelAvailability(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelUnavailable = !available
}

// desiredLevel maps the current reachability/window state to the
// level it alone would justify, independent of hysteresis, following
// §4.D's table precisely: critical needs the store down or both
// upstreams down; major needs exactly one upstream down with the
// store and the other upstream healthy; otherwise minor/normal falls
// out of the blended upstream error-rate/latency window.
func (c *Controller) desiredLevel() domain.DegradationLevel {
	storeDown := c.tracker(ServiceStore).unreachable
	transcriptionDown := c.tracker(ServiceTranscription).unreachable
	agentDown := c.tracker(ServiceAgent).unreachable

	switch {
	case storeDown || (transcriptionDown && agentDown):
		return domain.DegradationCritical
	case transcriptionDown != agentDown:
		return domain.DegradationMajor
	}

	agg := window{}
	for _, s := range []Service{ServiceTranscription, ServiceAgent} {
		w := c.tracker(s).win
		agg.successes += w.successes
		agg.failures += w.failures
		agg.latencySum += w.latencySum
	}

	level := domain.DegradationNormal
	if agg.errorRate() >= c.thresholds.MinorErrorRate || agg.avgLatency() > c.thresholds.WarnLatency {
		level = domain.DegradationMinor
	}
	if c.modelUnavailable && levelIndex(level) < levelIndex(domain.DegradationMinor) {
		level = domain.DegradationMinor
	}
	return level
}

// Tick closes out the current window, decides whether the level
// should change, and starts a fresh window. Returns the level in
// effect after this tick.
func (c *Controller) Tick(now time.Time) domain.DegradationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := c.desiredLevel()
	for _, t := range c.services {
		t.lastWin = t.win
		t.win = window{}
	}
	c.updatedAt = now

	desiredIdx := levelIndex(desired)
	currentIdx := levelIndex(c.current)

	switch {
	case desiredIdx > currentIdx:
		// Any single bad window steps straight to the worse level.
		c.current = desired
		c.goodRun = 0
	case desiredIdx < currentIdx:
		c.goodRun++
		if c.goodRun >= 2 {
			c.current = levelOrder[currentIdx-1]
			c.goodRun = 0
		}
	default:
		c.goodRun = 0
	}

	return c.current
}

func (c *Controller) Level() domain.DegradationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Admit reports whether a job of jobType may be newly submitted given
// the controller's current reachability state (P9). Jobs already
// queued/processing are never evicted by degradation — only new
// admission is gated. Unlike a blanket level-to-policy table, this
// checks exactly the services jobType needs (§4.D: "accept only job
// types that don't need the down service"): a down job store refuses
// everything; a down transcription service refuses only the job types
// that transcribe audio; a down agent service refuses everything
// except transcription_only, which never reaches it.
func (c *Controller) Admit(jobType domain.JobType) bool {
	c.mu.Lock()
	storeDown := c.tracker(ServiceStore).unreachable
	transcriptionDown := c.tracker(ServiceTranscription).unreachable
	agentDown := c.tracker(ServiceAgent).unreachable
	c.mu.Unlock()

	if storeDown {
		return false
	}
	switch jobType {
	case domain.JobTypeTranscriptionOnly:
		return !transcriptionDown
	case domain.JobTypeAudioToSOAP:
		return !transcriptionDown && !agentDown
	default: // text_to_soap, cache_warming
		return !agentDown
	}
}

// probeStatus classifies a service's last-tick window plus its
// reachability latch into the §3 up/degraded/down vocabulary.
func (c *Controller) probeStatus(service Service) domain.ProbeStatus {
	t := c.tracker(service)
	if t.unreachable {
		return domain.ProbeDown
	}
	if t.lastWin.errorRate() >= c.thresholds.MinorErrorRate || t.lastWin.avgLatency() > c.thresholds.WarnLatency {
		return domain.ProbeDegraded
	}
	return domain.ProbeUp
}

// Snapshot returns the full §3 SystemHealth picture: per-upstream
// probe status plus the derived degradation level, for the operator
// health endpoint (§6).
func (c *Controller) Snapshot() domain.SystemHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	upstreams := make(map[string]domain.UpstreamHealth, 2)
	for _, s := range []Service{ServiceTranscription, ServiceAgent} {
		t := c.tracker(s)
		upstreams[string(s)] = domain.UpstreamHealth{
			Name:             string(s),
			ProbeStatus:      c.probeStatus(s),
			LastProbeAt:      c.updatedAt,
			RollingLatency:   t.lastWin.avgLatency(),
			RollingErrorRate: t.lastWin.errorRate(),
		}
	}

	return domain.SystemHealth{
		Upstreams:    upstreams,
		StoreHealthy: !c.tracker(ServiceStore).unreachable,
		Level:        c.current,
		UpdatedAt:    c.updatedAt,
	}
}
