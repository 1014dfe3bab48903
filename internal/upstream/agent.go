package upstream

import (
	"context"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/pkg/logger"
)

// AgentClient speaks to the note-formatting microservice: raw
// transcript or submitted text in, a structured SOAP note out.
type AgentClient interface {
	FormatNote(ctx context.Context, text string, sessionID *string) (string, error)
	Probe(ctx context.Context) (time.Duration, error)
	// ProbeDetailed exposes model_available/model_loaded so the
	// degradation controller can apply §6's "healthy but
	// model_available=false maps to minor" rule, which a bare
	// reachability probe can't express.
	ProbeDetailed(ctx context.Context) (ProbeResult, error)
}

type agentClient struct {
	baseClient
}

func NewAgentClient(cfg config.UpstreamConfig, log *logger.Logger) AgentClient {
	return &agentClient{baseClient: newBaseClient(cfg, log.With("service", "AgentClient"))}
}

// formatNoteRequest mirrors §6: "POST /format_note with JSON {text: string}".
// session_id rides along as an optional field the upstream may use for
// prompt context; it is not part of the documented minimal contract.
type formatNoteRequest struct {
	Text      string  `json:"text"`
	SessionID *string `json:"session_id,omitempty"`
}

type formatNoteResponse struct {
	StructuredText string `json:"structured_text"`
}

// FormatNote returns the upstream's structured_text verbatim — the
// worker is the one that assembles it into a noteResponse envelope.
func (c *agentClient) FormatNote(ctx context.Context, text string, sessionID *string) (string, error) {
	req := formatNoteRequest{Text: text, SessionID: sessionID}

	var resp formatNoteResponse
	err := retryOnce(ctx, func() error {
		return c.doJSON(ctx, "POST", "/format_note", req, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.StructuredText, nil
}

func (c *agentClient) Probe(ctx context.Context) (time.Duration, error) {
	return c.probe(ctx, isHealthyStatus)
}

func (c *agentClient) ProbeDetailed(ctx context.Context) (ProbeResult, error) {
	return c.probeDetailed(ctx, isHealthyStatus)
}
