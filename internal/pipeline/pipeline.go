// Package pipeline runs the single AI round-trip that both screens a
// submission for disallowed content and proposes an improved rewrite. One
// call, one prompt: the rewrite instructions also flatten the sender's
// stylistic tells, so disguise is a property of the rewrite rather than a
// separate detectable step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable is returned only when every configured provider failed on
// transport. It is transient and not the sender's fault; callers leave the
// item retryable instead of rejecting it.
var ErrUnavailable = errors.New("content pipeline unavailable")

// Outcome is the result of evaluating one text. Exactly one of the two
// branches is populated: Blocked carries the provider's explicit decision,
// otherwise ImprovedText holds the rewrite.
type Outcome struct {
	Blocked         bool
	BlockedCategory string
	BlockedReason   string
	ImprovedText    string
}

// reviewResult is the normalized provider response. Decision is "blocked"
// or "ok"; blocking is never inferred from the rewrite content.
type reviewResult struct {
	Decision      string `json:"decision"`
	Category      string `json:"category,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RewrittenText string `json:"rewritten_text,omitempty"`
}

// Provider is one AI vendor able to review a text. A returned error means
// the provider could not produce a decision (transport failure, overload,
// malformed response) and the next provider should be tried. A content
// decision — blocked or ok — is final and never triggers failover.
type Provider interface {
	Name() string
	Review(ctx context.Context, text string) (*reviewResult, error)
}

// Pipeline evaluates texts against an ordered provider list.
type Pipeline struct {
	providers []Provider
	timeout   time.Duration
}

// New creates a pipeline with providers in failover order.
func New(providers []Provider, timeout time.Duration) (*Pipeline, error) {
	if len(providers) == 0 {
		return nil, errors.New("pipeline: at least one provider is required")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Pipeline{providers: providers, timeout: timeout}, nil
}

// Evaluate runs the combined screen-and-rewrite call, trying each provider
// in order on transport failure. Only when all providers fail does it
// return ErrUnavailable.
func (p *Pipeline) Evaluate(ctx context.Context, text string) (*Outcome, error) {
	var lastErr error
	for _, provider := range p.providers {
		result, err := p.review(ctx, provider, text)
		if err != nil {
			slog.WarnContext(ctx, "provider failed, trying next",
				"provider", provider.Name(),
				"error", err,
			)
			lastErr = err
			continue
		}

		switch result.Decision {
		case "blocked":
			return &Outcome{
				Blocked:         true,
				BlockedCategory: result.Category,
				BlockedReason:   result.Reason,
			}, nil
		case "ok":
			if result.RewrittenText == "" {
				// Contract violation, not a content decision.
				slog.WarnContext(ctx, "provider returned ok without rewrite",
					"provider", provider.Name(),
				)
				lastErr = fmt.Errorf("provider %s returned empty rewrite", provider.Name())
				continue
			}
			return &Outcome{ImprovedText: result.RewrittenText}, nil
		default:
			lastErr = fmt.Errorf("provider %s returned unknown decision %q", provider.Name(), result.Decision)
			continue
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (p *Pipeline) review(ctx context.Context, provider Provider, text string) (*reviewResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return provider.Review(ctx, text)
}

// reviewPrompt is the shared provider instruction. The JSON contract lets
// the provider signal blocking explicitly, and the rewrite rules fold
// idiolect normalization into the rewrite itself.
const reviewPrompt = `You review anonymous feedback messages before delivery.

Respond with a single JSON object, no other text:
{"decision": "blocked" | "ok", "category": "...", "reason": "...", "rewritten_text": "..."}

Set decision to "blocked" when the message contains threats, harassment,
sexual content about the recipient, doxxing, or incitement to self-harm.
For blocked messages set "category" to one of: threat, harassment, sexual,
doxxing, self_harm, and "reason" to one short sentence describing the
category of violation without quoting the message.

Otherwise set decision to "ok" and put an improved version of the message
in "rewritten_text": keep the meaning and any actionable feedback, make the
tone constructive, and rewrite in plain neutral prose so that
characteristic phrasing, punctuation habits, typos, and other stylistic
fingerprints of the author do not survive.`
