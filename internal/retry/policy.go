// Package retry implements the Retry Policy Engine (§4.B): given a
// failed job attempt and an error category, decide whether to retry
// (and after how long) or fail the job terminally. The engine is pure
// aside from the jitter draw — no I/O, no shared state.
package retry

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/logsafe"
)

// Action is the policy's verdict for a failed attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionFail
)

// Decision is the full outcome of Decide: how the job's bookkeeping
// fields should change and, for a retry, how long to delay.
type Decision struct {
	Action Action

	// NewAttemptCount is the attempt_count the job should be updated
	// to carry after this decision (§3 I4: never decreases).
	NewAttemptCount int

	// Delay is populated only when Action == ActionRetry.
	Delay time.Duration

	// FailureMessage is populated only when Action == ActionFail; it
	// is already sanitized/safe to persist as Job.Error.
	FailureMessage string

	Category Category
}

// Policy computes retry decisions from configuration.
type Policy struct {
	cfg config.RetryConfig
	// rng is isolated per Policy so tests can seed it deterministically;
	// nil uses the package-level default source.
	rng *rand.Rand
}

func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{cfg: cfg}
}

// NewSeededPolicy is used by tests that need deterministic jitter.
func NewSeededPolicy(cfg config.RetryConfig, seed int64) *Policy {
	return &Policy{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (p *Policy) float64() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}

// Decide implements the four steps of §4.B.
func (p *Policy) Decide(category Category, attemptCount, maxAttempts int, lastErr error) Decision {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if !IsRetryable(category) {
		return Decision{
			Action:          ActionFail,
			NewAttemptCount: attemptCount,
			FailureMessage:  sanitizedMessage(lastErr),
			Category:        category,
		}
	}

	if attemptCount+1 >= maxAttempts {
		return Decision{
			Action:          ActionFail,
			NewAttemptCount: attemptCount + 1,
			FailureMessage:  fmt.Sprintf("max retries exceeded: %s", sanitizedMessage(lastErr)),
			Category:        category,
		}
	}

	base, multiplier, ceiling := p.paramsFor(category)
	delay := p.computeDelay(base, multiplier, ceiling, attemptCount)

	return Decision{
		Action:          ActionRetry,
		NewAttemptCount: attemptCount + 1,
		Delay:           delay,
		Category:        category,
	}
}

func (p *Policy) paramsFor(category Category) (base time.Duration, multiplier float64, ceiling time.Duration) {
	base, multiplier, ceiling = p.cfg.BaseMs, p.cfg.Multiplier, p.cfg.CeilingMs
	if override, ok := p.cfg.CategoryOverrides[string(category)]; ok {
		if override.BaseMs > 0 {
			base = override.BaseMs
		}
		if override.Multiplier > 0 {
			multiplier = override.Multiplier
		}
		if override.CeilingMs > 0 {
			ceiling = override.CeilingMs
		}
	}
	return base, multiplier, ceiling
}

// computeDelay implements delay = base * multiplier^attempt + jitter,
// capped at ceiling. Jitter is a uniform random fraction of the
// computed delay (before capping) to avoid thundering herds.
func (p *Policy) computeDelay(base time.Duration, multiplier float64, ceiling time.Duration, attemptCount int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	grown := float64(base)
	for i := 0; i < attemptCount; i++ {
		grown *= multiplier
	}

	jitterFrac := p.cfg.JitterFrac
	if jitterFrac < 0 {
		jitterFrac = 0
	}
	jitter := grown * jitterFrac * p.float64()

	total := time.Duration(grown + jitter)
	if ceiling > 0 && total > ceiling {
		total = ceiling
	}
	if total < 0 {
		total = 0
	}
	return total
}

// sanitizedMessage strips control characters and truncates before an
// upstream error ever becomes a persisted Job.Error (§7: "no raw stack
// traces, no internal identifiers" in a terminal failure message).
func sanitizedMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return logsafe.Default(err.Error())
}
