// Package ratelimit implements sliding-window admission control.
//
// Budgets are configured per endpoint class and enforced per
// (client, class) pair. A window is the list of admission timestamps inside
// the configured duration; prune, check and append happen as one atomic
// step in the store so concurrent callers can never overshoot the budget.
// Rejected calls leave the window untouched.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Limit is the budget for one endpoint class.
type Limit struct {
	// Window is the sliding window duration.
	Window time.Duration

	// MaxRequests is the number of admissions allowed inside Window.
	MaxRequests int
}

// Store holds admission windows. Implementations must make the
// prune-check-append sequence atomic per key.
type Store interface {
	// Allow prunes timestamps older than now minus limit.Window from the
	// window at key, admits the call if fewer than limit.MaxRequests
	// remain, and appends now on admission.
	Allow(ctx context.Context, key string, limit Limit, now time.Time) (bool, error)
}

// Limiter applies per-class budgets to per-client windows.
// Classes without a configured budget are never limited.
type Limiter struct {
	store  Store
	limits map[string]Limit
	now    func() time.Time
	log    *slog.Logger
}

// Option is a functional option for Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		l.log = log
	}
}

// New constructs a Limiter over the given store and class budgets.
func New(store Store, limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: limits,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow reports whether one more call for clientID in the given endpoint
// class fits the class budget, consuming a window slot when it does.
// A store failure is logged and the call is admitted: the limiter protects
// spend, it must not take the conversation down with it.
func (l *Limiter) Allow(ctx context.Context, clientID, class string) bool {
	limit, ok := l.limits[class]
	if !ok {
		return true
	}

	allowed, err := l.store.Allow(ctx, clientID+":"+class, limit, l.now())
	if err != nil {
		l.log.Warn("rate limit store unavailable, admitting call",
			"client_id", clientID,
			"class", class,
			"error", err,
		)
		return true
	}
	return allowed
}
