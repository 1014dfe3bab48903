package domain

import (
	"encoding/json"
	"time"
)

// WorkerDescriptor is the Worker Health Registry's view of one worker.
type WorkerDescriptor struct {
	ID      string `json:"id"`
	Variant string `json:"variant"` // "text" | "audio"

	RegistrationTime time.Time `json:"registrationTime"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`

	TotalProcessed      int64 `json:"totalProcessed"`
	TotalFailed         int64 `json:"totalFailed"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`

	IsActive bool `json:"isActive"`
	IsFailed bool `json:"isFailed"`
}

// ProbeStatus is the health of one upstream collaborator.
type ProbeStatus string

const (
	ProbeUp       ProbeStatus = "up"
	ProbeDegraded ProbeStatus = "degraded"
	ProbeDown     ProbeStatus = "down"
)

// UpstreamHealth is the rolling health picture of one upstream.
type UpstreamHealth struct {
	Name             string        `json:"name"`
	ProbeStatus      ProbeStatus   `json:"probeStatus"`
	LastProbeAt      time.Time     `json:"lastProbeAt"`
	RollingLatency   time.Duration `json:"rollingLatencyMs"`
	RollingErrorRate float64       `json:"rollingErrorRate"`
}

// MarshalJSON writes RollingLatency in whole milliseconds, as its
// rollingLatencyMs name says, rather than time.Duration's nanoseconds.
func (u UpstreamHealth) MarshalJSON() ([]byte, error) {
	type plain UpstreamHealth
	return json.Marshal(struct {
		plain
		RollingLatency int64 `json:"rollingLatencyMs"`
	}{plain(u), u.RollingLatency.Milliseconds()})
}

// DegradationLevel is the system-wide admission grade (§4.D).
type DegradationLevel string

const (
	DegradationNormal   DegradationLevel = "normal"
	DegradationMinor    DegradationLevel = "minor"
	DegradationMajor    DegradationLevel = "major"
	DegradationCritical DegradationLevel = "critical"
)

// SystemHealth aggregates every probed upstream, the job store's own
// reachability, and the derived degradation level (§3, §4.D, §6).
type SystemHealth struct {
	Upstreams    map[string]UpstreamHealth `json:"upstreams"`
	StoreHealthy bool                      `json:"storeHealthy"`
	Level        DegradationLevel          `json:"level"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}
