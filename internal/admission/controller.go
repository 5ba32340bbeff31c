// Package admission gates every inbound submission before any processing
// begins. Four independent limiters are evaluated in one atomic
// counter-store operation; a block directive from the abuse registry
// short-circuits ahead of them without consuming quota.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/veilbox/veilbox/internal/counter"
	"github.com/veilbox/veilbox/internal/models"
)

// Deny reasons surfaced to the caller. They are stable codes, never
// counter values.
const (
	ReasonRateLimited        = "rate_limited"
	ReasonBlocked            = "blocked"
	ReasonServiceUnavailable = "service_unavailable"
)

// Limiter names identify which limit fired, for caller messaging.
const (
	LimiterPair     = "pair"
	LimiterSender   = "sender"
	LimiterFallback = "fallback"
	LimiterNetwork  = "network"
)

// Request carries the three identity dimensions of a submission attempt.
// HasFingerprint is false when the visitor cookie was absent or blocked,
// which routes the attempt through the deliberately stricter fallback
// limiter.
type Request struct {
	Fingerprint    string
	HasFingerprint bool
	RecipientHash  string
	NetworkAddress string
}

// Decision is the outcome of an Admit call.
type Decision struct {
	Allowed bool
	Reason  string
	Limiter string
}

// BlockChecker is the abuse-registry lookup consulted before any limiter.
type BlockChecker interface {
	CheckBlock(ctx context.Context, fingerprint, recipientHash string) (*models.BlockDirective, error)
}

// Limits configures the four windows.
type Limits struct {
	PairPer24h    int64
	SenderPer1h   int64
	FallbackPer1h int64
	NetworkPer1h  int64
}

// DefaultLimits are the relay's standing policy.
func DefaultLimits() Limits {
	return Limits{
		PairPer24h:    3,
		SenderPer1h:   10,
		FallbackPer1h: 2,
		NetworkPer1h:  20,
	}
}

// Controller evaluates admission for submission attempts.
type Controller struct {
	counters counter.Store
	blocks   BlockChecker
	limits   Limits
}

func NewController(counters counter.Store, blocks BlockChecker, limits Limits) *Controller {
	return &Controller{
		counters: counters,
		blocks:   blocks,
		limits:   limits,
	}
}

// Admit decides whether a submission may enter the relay. On allow, every
// applicable counter has been incremented; on deny, none has. A
// counter-store failure is a denial: the store is the only abuse defense
// for unauthenticated traffic, so it fails closed.
func (c *Controller) Admit(ctx context.Context, req Request) (*Decision, error) {
	directive, err := c.blocks.CheckBlock(ctx, req.Fingerprint, req.RecipientHash)
	if err != nil {
		slog.ErrorContext(ctx, "block registry unavailable", "error", err)
		return &Decision{Allowed: false, Reason: ReasonServiceUnavailable}, nil
	}
	if directive.Active(time.Now()) {
		return &Decision{Allowed: false, Reason: ReasonBlocked}, nil
	}

	checks, names := c.buildChecks(req)
	result, err := c.counters.Allow(ctx, checks)
	if err != nil {
		slog.ErrorContext(ctx, "counter store unavailable", "error", err)
		return &Decision{Allowed: false, Reason: ReasonServiceUnavailable}, nil
	}
	if !result.Allowed {
		return &Decision{
			Allowed: false,
			Reason:  ReasonRateLimited,
			Limiter: names[result.FiredIndex],
		}, nil
	}

	return &Decision{Allowed: true}, nil
}

func (c *Controller) buildChecks(req Request) ([]counter.Check, []string) {
	checks := []counter.Check{
		{
			Key:   "adm:pair:" + req.Fingerprint + ":" + req.RecipientHash,
			Limit: c.limits.PairPer24h,
			TTL:   24 * time.Hour,
		},
	}
	names := []string{LimiterPair}

	if req.HasFingerprint {
		checks = append(checks, counter.Check{
			Key:   "adm:sender:" + req.Fingerprint,
			Limit: c.limits.SenderPer1h,
			TTL:   time.Hour,
		})
		names = append(names, LimiterSender)
	} else {
		// No stable visitor identity: hold the network address to a far
		// tighter budget.
		checks = append(checks, counter.Check{
			Key:   "adm:fallback:" + req.NetworkAddress,
			Limit: c.limits.FallbackPer1h,
			TTL:   time.Hour,
		})
		names = append(names, LimiterFallback)
	}

	checks = append(checks, counter.Check{
		Key:   "adm:net:" + req.NetworkAddress,
		Limit: c.limits.NetworkPer1h,
		TTL:   time.Hour,
	})
	names = append(names, LimiterNetwork)

	return checks, names
}
