package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/mimeparse"
	"github.com/soapscribe/backend/internal/retry"
	"github.com/soapscribe/backend/internal/upstream"
)

// NewAudioProcessFunc builds the ProcessFunc for audio_to_soap and
// transcription_only jobs: audio bytes go to the transcription
// service, and audio_to_soap additionally forwards the resulting
// transcript to the agent service. workerID is baked in at
// construction time, mirroring NewTextProcessFunc.
func NewAudioProcessFunc(workerID string, transcription upstream.TranscriptionClient, agent upstream.AgentClient, deg *degradation.Controller, limits config.Config) ProcessFunc {
	return func(ctx context.Context, job *domain.Job) (map[string]any, retry.Category, error) {
		audio, contentType, sizeBytes, err := decodeAudioInput(job)
		if err != nil {
			return nil, retry.CategoryInvalidInput, err
		}
		if sizeBytes < limits.MinAudioBytes || sizeBytes > limits.MaxAudioBytes {
			return nil, retry.CategoryInvalidInput, fmt.Errorf("job %s: audio size %d bytes out of bounds", job.ID, sizeBytes)
		}
		if !mimeparse.IsAllowedAudio(contentType) {
			return nil, retry.CategoryInvalidInput, fmt.Errorf("job %s: unsupported content type %q", job.ID, contentType)
		}

		start := time.Now()
		transcribed, err := transcription.Transcribe(ctx, audio, contentType)
		transcriptionElapsed := time.Since(start)
		deg.RecordOutcome(degradation.ServiceTranscription, err == nil, transcriptionElapsed)
		if err != nil {
			return nil, categorizeUpstreamErr(err), fmt.Errorf("transcription service: %w", err)
		}
		transcriptID := transcribed.TranscriptID
		if transcriptID == "" {
			transcriptID = uuid.NewString()
		}

		// Open Question (b): transcription_only terminates here.
		if job.Type == domain.JobTypeTranscriptionOnly {
			return map[string]any{
				"transcript":          transcribed.Transcript,
				"transcriptId":        transcriptID,
				"transcriptionTimeMs": transcriptionElapsed.Milliseconds(),
			}, "", nil
		}

		start = time.Now()
		structured, err := agent.FormatNote(ctx, transcribed.Transcript, job.SessionID)
		structuringElapsed := time.Since(start)
		deg.RecordOutcome(degradation.ServiceAgent, err == nil, structuringElapsed)
		if err != nil {
			return nil, categorizeUpstreamErr(err), fmt.Errorf("agent service: %w", err)
		}

		// §6 "Completed audio variants" output shape: the text_to_soap
		// envelope plus transcript/transcriptId/transcriptionTimeMs.
		return map[string]any{
			"noteResponse": map[string]any{
				"id":             uuid.NewString(),
				"textRaw":        transcribed.Transcript,
				"textStructured": structured,
				"createdAt":      time.Now().UTC(),
			},
			"inputText":           transcribed.Transcript,
			"processingTimeMs":    (transcriptionElapsed + structuringElapsed).Milliseconds(),
			"structuringTimeMs":   structuringElapsed.Milliseconds(),
			"workerId":            workerID,
			"transcript":          transcribed.Transcript,
			"transcriptId":        transcriptID,
			"transcriptionTimeMs": transcriptionElapsed.Milliseconds(),
		}, "", nil
	}
}

// decodeAudioInput reads the §6 audio_to_soap/transcription_only
// input shape. audioBlobRef is, in this implementation, the base64
// payload itself rather than a pointer into an external blob store —
// no blob-storage collaborator is named anywhere in §6, so the worker
// treats the field as self-contained (see DESIGN.md).
func decodeAudioInput(job *domain.Job) (audio []byte, contentType string, sizeBytes int64, err error) {
	contentType, _ = job.Input["contentType"].(string)
	if declared, ok := job.Input["sizeBytes"].(float64); ok {
		sizeBytes = int64(declared)
	} else if declared, ok := job.Input["sizeBytes"].(int64); ok {
		sizeBytes = declared
	}

	encoded, ok := job.Input["audioBlobRef"].(string)
	if !ok || encoded == "" {
		return nil, "", 0, fmt.Errorf("job %s: missing audio payload", job.ID)
	}
	audio, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", 0, fmt.Errorf("job %s: invalid base64 audio payload: %w", job.ID, err)
	}
	if sizeBytes == 0 {
		sizeBytes = int64(len(audio))
	}
	return audio, contentType, sizeBytes, nil
}
