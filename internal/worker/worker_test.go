package worker_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/health"
	"github.com/soapscribe/backend/internal/jobstore"
	"github.com/soapscribe/backend/internal/pkg/logger"
	"github.com/soapscribe/backend/internal/retry"
	"github.com/soapscribe/backend/internal/upstream"
	"github.com/soapscribe/backend/internal/worker"
)

type fakeAgent struct {
	calls    int
	failN    int // fail this many calls before succeeding
	failErr  error
	response string
}

func (f *fakeAgent) FormatNote(ctx context.Context, text string, sessionID *string) (string, error) {
	f.calls++
	if f.calls <= f.failN {
		return "", f.failErr
	}
	if f.response != "" {
		return f.response, nil
	}
	return "S: " + text, nil
}

func (f *fakeAgent) Probe(ctx context.Context) (time.Duration, error) { return 0, nil }
func (f *fakeAgent) ProbeDetailed(ctx context.Context) (upstream.ProbeResult, error) {
	return upstream.ProbeResult{Reachable: true, StatusHealthy: true}, nil
}

type fakeTranscription struct {
	text string
	err  error
}

func (f *fakeTranscription) Transcribe(ctx context.Context, audio []byte, contentType string) (upstream.TranscriptionResult, error) {
	if f.err != nil {
		return upstream.TranscriptionResult{}, f.err
	}
	return upstream.TranscriptionResult{Transcript: f.text}, nil
}

func (f *fakeTranscription) Probe(ctx context.Context) (time.Duration, error) { return 0, nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return log
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		BaseMs:     time.Millisecond,
		Multiplier: 2.0,
		CeilingMs:  10 * time.Millisecond,
		JitterFrac: 0,
	}
}

func newTestJob(id, jobType domain.JobType, input map[string]any) *domain.Job {
	return &domain.Job{
		ID:             id,
		UserID:         "user-a",
		Type:           jobType,
		Queue:          jobType.QueueName(),
		State:          domain.StateQueued,
		Input:          input,
		MaxAttempts:    3,
		CreatedAt:      time.Now(),
		NextEligibleAt: time.Now(),
	}
}

func TestWorker_TextJobHappyPath(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job := newTestJob("j1", domain.JobTypeTextToSOAP, map[string]any{"textRaw": "patient reports headache"})
	require.NoError(t, store.PutNew(ctx, job))

	agent := &fakeAgent{}
	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	w := worker.New(worker.Config{
		ID: "w1", Variant: "text", Queue: "text_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewTextProcessFunc("w1", agent, deg),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	note, ok := got.Output["noteResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "patient reports headache", note["textRaw"])
	assert.NotEmpty(t, note["textStructured"])
	assert.Equal(t, "w1", got.Output["workerId"])
}

func TestWorker_AudioJobHappyPath(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	audio := []byte("fake audio bytes")
	job := newTestJob("j1", domain.JobTypeAudioToSOAP, map[string]any{
		"audioBlobRef": base64.StdEncoding.EncodeToString(audio),
		"contentType":  "audio/wav;codecs=pcm",
	})
	require.NoError(t, store.PutNew(ctx, job))

	transcription := &fakeTranscription{text: "patient reports headache"}
	agent := &fakeAgent{}
	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	limits := config.Config{MinAudioBytes: 1, MaxAudioBytes: 1 << 20}

	w := worker.New(worker.Config{
		ID: "w1", Variant: "audio", Queue: "audio_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewAudioProcessFunc("w1", transcription, agent, deg, limits),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, "patient reports headache", got.Output["transcript"])
	assert.NotEmpty(t, got.Output["transcriptId"])
	note, ok := got.Output["noteResponse"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, note["textStructured"])
}

func TestWorker_TranscriptionOnlyStopsAfterTranscript(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	audio := []byte("fake audio bytes")
	job := newTestJob("j1", domain.JobTypeTranscriptionOnly, map[string]any{
		"audioBlobRef": base64.StdEncoding.EncodeToString(audio),
		"contentType":  "audio/mpeg",
	})
	require.NoError(t, store.PutNew(ctx, job))

	transcription := &fakeTranscription{text: "hello world"}
	agent := &fakeAgent{}
	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	limits := config.Config{MinAudioBytes: 1, MaxAudioBytes: 1 << 20}

	w := worker.New(worker.Config{
		ID: "w1", Variant: "audio", Queue: "audio_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewAudioProcessFunc("w1", transcription, agent, deg, limits),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, "hello world", got.Output["transcript"])
	assert.Nil(t, got.Output["noteResponse"])
	assert.Equal(t, 0, agent.calls)
}

// TestWorker_TransientFailureThenRetryIsScheduled mirrors scenario 3:
// a retryable failure reschedules the job rather than failing it.
func TestWorker_TransientFailureThenRetryIsScheduled(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job := newTestJob("j1", domain.JobTypeTextToSOAP, map[string]any{"textRaw": "note text"})
	require.NoError(t, store.PutNew(ctx, job))

	agent := &fakeAgent{failN: 1, failErr: errors.New("connection reset")}
	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	w := worker.New(worker.Config{
		ID: "w1", Variant: "text", Queue: "text_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewTextProcessFunc("w1", agent, deg),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	promoted, err := store.PromoteDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	worked, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err = store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

// TestWorker_InvalidInputFailsImmediately mirrors scenario 4.
func TestWorker_InvalidInputFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job := newTestJob("j1", domain.JobTypeTextToSOAP, map[string]any{"textRaw": "   "})
	require.NoError(t, store.PutNew(ctx, job))

	agent := &fakeAgent{}
	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	w := worker.New(worker.Config{
		ID: "w1", Variant: "text", Queue: "text_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewTextProcessFunc("w1", agent, deg),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 0, agent.calls)
}

// TestWorker_CancellationRaceLeavesProcessingJobAlone mirrors scenario
// 5: a cancel that arrives after a worker has claimed the job (expected
// state queued, actual state processing) conflicts and leaves the job
// processing.
func TestWorker_CancellationRaceLeavesProcessingJobAlone(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job := newTestJob("j1", domain.JobTypeTextToSOAP, map[string]any{"textRaw": "note"})
	require.NoError(t, store.PutNew(ctx, job))

	popped, err := store.PopNext(ctx, "text_processing")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, popped.State)

	result, _, err := store.CasUpdate(ctx, "j1", domain.StateQueued, func(j *domain.Job) error {
		j.State = domain.StateCancelled
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jobstore.CASConflict, result)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, got.State)
}

func TestWorker_PanicInProcessFuncIsContained(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job := newTestJob("j1", domain.JobTypeTextToSOAP, map[string]any{"textRaw": "note"})
	require.NoError(t, store.PutNew(ctx, job))

	deg := degradation.NewController(config.DegradationThresholds{CriticalErrorRate: 1, MajorErrorRate: 1, MinorErrorRate: 1})
	w := worker.New(worker.Config{
		ID: "w1", Variant: "text", Queue: "text_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: func(ctx context.Context, job *domain.Job) (map[string]any, retry.Category, error) {
			panic("boom")
		},
		Log: testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State, "a panic should be treated as a retryable internal error")
}

func TestWorker_EmptyQueueReportsNoWork(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	deg := degradation.NewController(config.DegradationThresholds{})
	w := worker.New(worker.Config{
		ID: "w1", Variant: "text", Queue: "text_processing",
		Store: store, Policy: retry.NewPolicy(testRetryConfig()),
		Health: health.NewRegistry(time.Minute, 5), Degradation: deg,
		Process: worker.NewTextProcessFunc("w1", &fakeAgent{}, deg),
		Log:     testLogger(t),
	})

	worked, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}
