// Package upstream holds the HTTP clients the managed workers call
// into: the transcription service (audio bytes -> text) and the agent
// service (text -> formatted SOAP note). Both share the same transport
// idiom: net/http with a context deadline, httpx's retry/jitter
// helpers, and a uniform health probe the degradation controller polls.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/pkg/httpx"
	"github.com/soapscribe/backend/internal/pkg/logger"
)

// HTTPError carries the upstream's status code so the retry engine's
// ClassifyHTTPStatus can categorize it without string matching.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type baseClient struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func newBaseClient(cfg config.UpstreamConfig, log *logger.Logger) baseClient {
	return baseClient{
		log:     log,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
	}
}

func (c *baseClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("upstream: encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.execute(req, out)
}

func (c *baseClient) doMultipart(ctx context.Context, method, path string, payload []byte, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	return c.execute(req, out)
}

func (c *baseClient) execute(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

// healthBody is the union of both upstreams' §6 /health response
// shapes: {status, version?, model_loaded?} for transcription,
// {status, version?, model?, model_available?, model_loaded?} for the
// agent. Both are decoded into the same struct; each upstream only
// ever populates the fields it defines.
type healthBody struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	Model          string `json:"model,omitempty"`
	ModelAvailable *bool  `json:"model_available,omitempty"`
	ModelLoaded    *bool  `json:"model_loaded,omitempty"`
}

// statusChecker inspects a decoded health body's status string and
// reports whether the upstream itself considers the response healthy
// (as opposed to merely "the HTTP round trip succeeded").
type statusChecker func(healthBody) bool

// isHealthyStatus accepts the status vocabularies named in §6: the
// transcription service says "healthy"/"unhealthy"; the agent service
// additionally allows "ok".
func isHealthyStatus(b healthBody) bool {
	switch strings.ToLower(strings.TrimSpace(b.Status)) {
	case "healthy", "ok":
		return true
	default:
		return false
	}
}

// Probe issues a GET /health with a short deadline. It reports the
// round-trip latency and an error when the upstream is unreachable,
// returns a non-2xx, or its own status field reports unhealthy; a 2xx
// with status=="healthy"/"ok" but model_available==false is NOT an
// error here (§6: that maps to minor degradation, not a failed probe)
// — callers that care use probeDetailed, which returns the ProbeResult.
func (c *baseClient) probe(ctx context.Context, isHealthy statusChecker) (time.Duration, error) {
	result, err := c.probeDetailed(ctx, isHealthy)
	return result.Latency, err
}

// ProbeResult is the full decoded outcome of a health probe, used by
// the degradation controller to distinguish "upstream unreachable"
// from "upstream reachable, model not loaded" (§6 minor-degradation
// case).
type ProbeResult struct {
	Latency        time.Duration
	Reachable      bool
	StatusHealthy  bool
	ModelAvailable *bool
	ModelLoaded    *bool
}

func (c *baseClient) probeDetailed(ctx context.Context, isHealthy statusChecker) (ProbeResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Latency: time.Since(start)}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{Latency: latency}, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var body healthBody
	_ = json.Unmarshal(raw, &body) // a malformed body still counts as reachable+2xx

	result := ProbeResult{
		Latency:        latency,
		Reachable:      true,
		StatusHealthy:  isHealthy(body),
		ModelAvailable: body.ModelAvailable,
		ModelLoaded:    body.ModelLoaded,
	}
	if !result.StatusHealthy {
		return result, fmt.Errorf("upstream: health status %q", body.Status)
	}
	return result, nil
}

// retryOnce is a thin wrapper used by callers that want one
// httpx-style jittered retry on an error httpx.IsRetryableError accepts
// (a transport timeout or cancellation, or a 408/429/5xx HTTPError), separate
// from the job-level retry engine which governs whole-attempt retries.
func retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !httpx.IsRetryableError(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(httpx.JitterSleep(500 * time.Millisecond)):
	}
	return fn()
}
