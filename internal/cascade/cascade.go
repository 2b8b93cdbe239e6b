// Package cascade implements the inference tier router.
//
// Tiers are a static priority-ordered list, typically cheap-and-fast first
// and a designated fallback last. Resolution walks the list once: each tier
// is gated by the rate limiter for its cost class, invoked under its own
// timeout, and the first non-empty answer wins. A tier skipped by the gate
// is not a failure of the tier; only when every tier has been skipped or
// has failed does Resolve return the terminal [AllTiersFailedError].
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm"
)

// CostClass groups tiers that share a rate-limit budget.
type CostClass string

const (
	// CostFree is for tiers with no per-call cost (cache-adjacent, stub).
	CostFree CostClass = "free"

	// CostLocal is for locally hosted models: bounded by hardware, not spend.
	CostLocal CostClass = "local"

	// CostPaid is for metered vendor APIs.
	CostPaid CostClass = "paid"
)

// IsValid reports whether c is a known cost class.
func (c CostClass) IsValid() bool {
	switch c {
	case CostFree, CostLocal, CostPaid:
		return true
	}
	return false
}

// Tier is one rung of the cascade.
type Tier struct {
	// Name identifies the tier in logs, metrics and failure reasons.
	// Must be unique within a router.
	Name string

	// Priority orders the walk; lower runs first.
	Priority int

	// CostClass selects the rate-limit budget this tier draws from.
	CostClass CostClass

	// Timeout bounds one invocation of this tier.
	Timeout time.Duration

	// Provider performs the completion.
	Provider llm.Provider
}

// Request identifies one resolution.
type Request struct {
	// ClientID scopes rate-limit budgets, typically the session ID.
	ClientID string

	// Role selects the persona whose system prompt frames the answer.
	Role string

	// Input is the normalised user utterance.
	Input string
}

// Result is a successful resolution.
type Result struct {
	// Text is the answer.
	Text string

	// Tier names the tier that produced it.
	Tier string

	// Latency is how long the winning tier took.
	Latency time.Duration
}

// TierFailure explains why one tier produced no answer.
type TierFailure struct {
	Tier   string
	Reason string
}

// AllTiersFailedError is the terminal error returned when no tier produced
// an answer. Failures lists one reason per tier in walk order, including
// tiers skipped by the rate-limit gate.
type AllTiersFailedError struct {
	Failures []TierFailure
}

// Error implements error.
func (e *AllTiersFailedError) Error() string {
	var b strings.Builder
	b.WriteString("cascade: all tiers failed")
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %s", f.Tier, f.Reason)
	}
	return b.String()
}

// Gate admits or rejects one call against the budget of a cost class.
// Implemented by ratelimit.Limiter.
type Gate interface {
	Allow(ctx context.Context, clientID, class string) bool
}

const (
	defaultTierTimeout = 6 * time.Second
	defaultMaxTokens   = 256
)

// Router walks the tier list. Safe for concurrent use.
type Router struct {
	tiers       []Tier
	gate        Gate
	prompts     map[string]string
	maxTokens   int
	temperature float64
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option is a functional option for Router.
type Option func(*Router)

// WithRolePrompts sets the per-role system prompts sent to every tier.
// Roles without an entry get no system prompt.
func WithRolePrompts(prompts map[string]string) Option {
	return func(r *Router) {
		r.prompts = prompts
	}
}

// WithMaxTokens caps completion length for every tier. Default 256; spoken
// answers are short.
func WithMaxTokens(n int) Option {
	return func(r *Router) {
		r.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature for every tier.
func WithTemperature(t float64) Option {
	return func(r *Router) {
		r.temperature = t
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		r.log = log
	}
}

// New constructs a Router over the given tiers. The tier list is copied and
// sorted by Priority; names must be unique and providers non-nil.
func New(tiers []Tier, gate Gate, opts ...Option) (*Router, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("cascade: at least one tier is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("cascade: gate must not be nil")
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	seen := make(map[string]bool, len(sorted))
	for i := range sorted {
		t := &sorted[i]
		if t.Name == "" {
			return nil, fmt.Errorf("cascade: tier %d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("cascade: duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Provider == nil {
			return nil, fmt.Errorf("cascade: tier %q has no provider", t.Name)
		}
		if !t.CostClass.IsValid() {
			return nil, fmt.Errorf("cascade: tier %q has invalid cost class %q", t.Name, t.CostClass)
		}
		if t.Timeout <= 0 {
			t.Timeout = defaultTierTimeout
		}
	}

	r := &Router{
		tiers:     sorted,
		gate:      gate,
		maxTokens: defaultMaxTokens,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Tiers returns the tier names in walk order.
func (r *Router) Tiers() []string {
	names := make([]string, len(r.tiers))
	for i, t := range r.tiers {
		names[i] = t.Name
	}
	return names
}

// Resolve walks the tiers for one request and returns the first answer.
// Cancellation of ctx aborts the walk; a per-tier deadline that fires only
// fails that tier.
func (r *Router) Resolve(ctx context.Context, req Request) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "cascade.Resolve")
	defer span.End()

	creq := llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: req.Input}},
		SystemPrompt: r.prompts[req.Role],
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}

	failures := make([]TierFailure, 0, len(r.tiers))
	for _, tier := range r.tiers {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("cascade: resolve aborted: %w", err)
		}

		class := string(tier.CostClass)
		allowed := r.gate.Allow(ctx, req.ClientID, class)
		r.metrics.RecordRateLimitDecision(ctx, class, allowed)
		if !allowed {
			r.metrics.RecordTierSkip(ctx, tier.Name)
			r.log.Debug("tier skipped by rate limit",
				"tier", tier.Name,
				"class", class,
				"client_id", req.ClientID,
			)
			failures = append(failures, TierFailure{Tier: tier.Name, Reason: "rate limited"})
			continue
		}

		tctx, cancel := context.WithTimeout(ctx, tier.Timeout)
		start := time.Now()
		resp, err := tier.Provider.Complete(tctx, creq)
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up, not the tier.
				return Result{}, fmt.Errorf("cascade: resolve aborted: %w", ctx.Err())
			}
			status := "failure"
			reason := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				status = "timeout"
				reason = fmt.Sprintf("timeout after %s", tier.Timeout)
			}
			r.metrics.RecordTierAttempt(ctx, tier.Name, status, elapsed)
			r.log.Warn("tier failed",
				"tier", tier.Name,
				"status", status,
				"duration", elapsed,
				"error", err,
			)
			failures = append(failures, TierFailure{Tier: tier.Name, Reason: reason})
			continue
		}

		text := strings.TrimSpace(resp.Content)
		if text == "" {
			r.metrics.RecordTierAttempt(ctx, tier.Name, "failure", elapsed)
			failures = append(failures, TierFailure{Tier: tier.Name, Reason: "empty response"})
			continue
		}

		r.metrics.RecordTierAttempt(ctx, tier.Name, "success", elapsed)
		r.log.Debug("tier answered",
			"tier", tier.Name,
			"duration", elapsed,
		)
		return Result{Text: text, Tier: tier.Name, Latency: elapsed}, nil
	}

	return Result{}, &AllTiersFailedError{Failures: failures}
}
