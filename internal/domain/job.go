// Package domain holds the data model shared by every component of the
// job-processing core: jobs, queues, worker descriptors, and system
// health. Types here are deliberately plain structs serialized with
// encoding/json only — no gob, no interface{} type tags — so a job
// record can never carry an implementation-defined type across the
// wire (see design note on polymorphic persistence).
package domain

import "time"

// JobType classifies a submission and determines its queue.
type JobType string

const (
	JobTypeTextToSOAP        JobType = "text_to_soap"
	JobTypeAudioToSOAP       JobType = "audio_to_soap"
	JobTypeTranscriptionOnly JobType = "transcription_only"
	JobTypeCacheWarming      JobType = "cache_warming"
)

// QueueName returns the queue a job of this type is dispatched through.
// cache_warming shares the text worker pool/queue (Open Question (a)):
// it needs only the agent upstream, never the transcription upstream,
// so there is no reason to give it a dedicated pool.
func (t JobType) QueueName() string {
	switch t {
	case JobTypeAudioToSOAP, JobTypeTranscriptionOnly:
		return "audio_processing"
	case JobTypeTextToSOAP, JobTypeCacheWarming:
		return "text_processing"
	default:
		return "text_processing"
	}
}

// JobState is a job's lifecycle state (§3 invariant I1).
type JobState string

const (
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether a state has no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition enforces I1's partial order: queued -> processing ->
// {completed, failed, cancelled}, plus the modeled "new attempt" edge
// processing -> queued (a retry, not a resurrection — attempt_count
// strictly increases across it) and queued -> cancelled.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StateQueued:
		return to == StateProcessing || to == StateCancelled
	case StateProcessing:
		return to == StateQueued || to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Job is the central entity of the system (§3).
type Job struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	Type  JobType  `json:"type"`
	Queue string   `json:"queue"`
	State JobState `json:"state"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	AttemptCount int `json:"attemptCount"`
	MaxAttempts  int `json:"maxAttempts"`

	SessionID    *string `json:"sessionId,omitempty"`
	TranscriptID *string `json:"transcriptId,omitempty"`

	NextEligibleAt    time.Time `json:"nextEligibleAt"`
	LastErrorCategory string    `json:"lastErrorCategory,omitempty"`
}

// Clone returns a deep-enough copy for safe concurrent reads: the
// store never hands out a pointer an external caller could mutate
// behind its back.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Input != nil {
		cp.Input = make(map[string]any, len(j.Input))
		for k, v := range j.Input {
			cp.Input[k] = v
		}
	}
	if j.Output != nil {
		cp.Output = make(map[string]any, len(j.Output))
		for k, v := range j.Output {
			cp.Output[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.SessionID != nil {
		s := *j.SessionID
		cp.SessionID = &s
	}
	if j.TranscriptID != nil {
		s := *j.TranscriptID
		cp.TranscriptID = &s
	}
	return &cp
}

// OwnedBy reports I2: only the owning user may observe or act on a job.
func (j *Job) OwnedBy(userID string) bool {
	return j != nil && userID != "" && j.UserID == userID
}
