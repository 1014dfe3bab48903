package upstream

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/pkg/logger"
)

// TranscriptionClient speaks to the transcription microservice: raw
// audio bytes in, plain text out.
type TranscriptionClient interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptionResult, error)
	Probe(ctx context.Context) (time.Duration, error)
}

type transcriptionClient struct {
	baseClient
}

func NewTranscriptionClient(cfg config.UpstreamConfig, log *logger.Logger) TranscriptionClient {
	return &transcriptionClient{baseClient: newBaseClient(cfg, log.With("service", "TranscriptionClient"))}
}

// transcribeResponse mirrors §6: "2xx with {transcript: string,
// transcript_id?}".
type transcribeResponse struct {
	Transcript   string `json:"transcript"`
	TranscriptID string `json:"transcript_id,omitempty"`
}

// TranscriptionResult is what the audio worker persists: the transcript text plus
// whatever id the upstream assigned it (falling back to a locally
// generated one when the upstream omits transcript_id).
type TranscriptionResult struct {
	Transcript   string
	TranscriptID string
}

func (c *transcriptionClient) Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptionResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// §6: "multipart, field \"file\" containing audio blob".
	part, err := writer.CreateFormFile("file", "audio")
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("transcription: build multipart: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return TranscriptionResult{}, fmt.Errorf("transcription: write audio part: %w", err)
	}
	_ = writer.WriteField("content_type", contentType)
	if err := writer.Close(); err != nil {
		return TranscriptionResult{}, fmt.Errorf("transcription: close multipart: %w", err)
	}

	var resp transcribeResponse
	err = retryOnce(ctx, func() error {
		return c.doMultipart(ctx, "POST", "/transcribe", buf.Bytes(), writer.FormDataContentType(), &resp)
	})
	if err != nil {
		return TranscriptionResult{}, err
	}
	return TranscriptionResult{Transcript: resp.Transcript, TranscriptID: resp.TranscriptID}, nil
}

func (c *transcriptionClient) Probe(ctx context.Context) (time.Duration, error) {
	return c.probe(ctx, isHealthyStatus)
}
