package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
	"github.com/soapscribe/backend/internal/retry"
	"github.com/soapscribe/backend/internal/upstream"
)

// NewTextProcessFunc builds the ProcessFunc for text_to_soap and
// cache_warming jobs: the submitted text goes straight to the agent
// service for formatting. workerID is baked in at construction time so
// the §6 output envelope can carry it without plumbing it through the
// generic ProcessFunc signature.
func NewTextProcessFunc(workerID string, agent upstream.AgentClient, deg *degradation.Controller) ProcessFunc {
	return func(ctx context.Context, job *domain.Job) (map[string]any, retry.Category, error) {
		text, _ := job.Input["textRaw"].(string)
		if strings.TrimSpace(text) == "" {
			return nil, retry.CategoryInvalidInput, fmt.Errorf("job %s: empty text input", job.ID)
		}

		start := time.Now()
		structured, err := agent.FormatNote(ctx, text, job.SessionID)
		elapsed := time.Since(start)
		deg.RecordOutcome(degradation.ServiceAgent, err == nil, elapsed)
		if err != nil {
			return nil, categorizeUpstreamErr(err), fmt.Errorf("agent service: %w", err)
		}

		// §6 "Completed text_to_soap" output shape.
		return map[string]any{
			"noteResponse": map[string]any{
				"id":             uuid.NewString(),
				"textRaw":        text,
				"textStructured": structured,
				"createdAt":      time.Now().UTC(),
			},
			"inputText":        text,
			"processingTimeMs": elapsed.Milliseconds(),
			"workerId":         workerID,
		}, "", nil
	}
}

func categorizeUpstreamErr(err error) retry.Category {
	type statusCoder interface{ HTTPStatusCode() int }
	if coder, ok := err.(statusCoder); ok {
		return retry.ClassifyHTTPStatus(coder.HTTPStatusCode())
	}
	return retry.CategoryTransientNetwork
}
