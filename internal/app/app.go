// Package app wires all Aurelia subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the gateway until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithTierProviders, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"

	"github.com/aurelia-voice/aurelia/internal/cascade"
	"github.com/aurelia-voice/aurelia/internal/config"
	"github.com/aurelia-voice/aurelia/internal/gateway"
	"github.com/aurelia-voice/aurelia/internal/health"
	"github.com/aurelia-voice/aurelia/internal/history"
	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/internal/ratelimit"
	"github.com/aurelia-voice/aurelia/internal/respcache"
	"github.com/aurelia-voice/aurelia/internal/session"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm/anyllm"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm/openai"
	"github.com/aurelia-voice/aurelia/pkg/provider/tts"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	log     *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	cache     *respcache.Cache
	limiter   *ratelimit.Limiter
	router    *cascade.Router
	hist      history.Store
	mgr       *session.Manager
	gw        *gateway.Server
	rdb       *redis.Client
	limStore  ratelimit.Store
	providers map[string]llm.Provider

	// closers are called in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics sink instead of installing the global OTel
// provider. Tests use this to avoid touching the default Prometheus
// registry.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithHistoryStore injects a turn log instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.hist = s }
}

// WithRateLimitStore injects a window store instead of creating one from
// config.
func WithRateLimitStore(s ratelimit.Store) Option {
	return func(a *App) { a.limStore = s }
}

// WithTierProviders injects completion backends by tier name instead of
// constructing them from config.
func WithTierProviders(providers map[string]llm.Provider) Option {
	return func(a *App) { a.providers = providers }
}

// ─── New ─────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated by config.Load.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: "aurelia",
		})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Response cache ────────────────────────────────────────────────
	a.cache = respcache.New(respcache.Config{
		TTL:                 cfg.Cache.TTL(),
		MaxEntries:          cfg.Cache.MaxEntries,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MinInputLength:      cfg.Cache.MinInputLength,
	})

	// ── 3. Rate limiter ──────────────────────────────────────────────────
	if err := a.initLimiter(ctx); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}

	// ── 4. Inference cascade ─────────────────────────────────────────────
	if err := a.initCascade(); err != nil {
		return nil, fmt.Errorf("app: init cascade: %w", err)
	}

	// ── 5. Turn history ──────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 6. Sessions and gateway ──────────────────────────────────────────
	a.mgr = session.NewManager(a.sessionFactory(),
		session.WithManagerMetrics(a.metrics),
		session.WithManagerLogger(a.log),
	)
	a.gw = gateway.New(cfg.Server.ListenAddr, a.mgr,
		gateway.WithMetrics(a.metrics),
		gateway.WithLogger(a.log),
		gateway.WithReadinessChecks(a.readinessChecks()...),
	)

	return a, nil
}

// readinessChecks probes the backing stores that were actually configured.
func (a *App) readinessChecks() []health.Checker {
	var checks []health.Checker
	if a.rdb != nil {
		checks = append(checks, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
		})
	}
	if pg, ok := a.hist.(*history.PostgresStore); ok {
		checks = append(checks, health.Checker{Name: "history", Check: pg.Ping})
	}
	return checks
}

func (a *App) initLimiter(ctx context.Context) error {
	if a.limStore == nil {
		if a.cfg.Redis.Addr != "" {
			a.rdb = redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				Password: a.cfg.Redis.Password,
				DB:       a.cfg.Redis.DB,
			})
			if err := a.rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error {
				return a.rdb.Close()
			})
			a.limStore = ratelimit.NewRedisStore(a.rdb)
			a.log.Info("rate-limit windows in redis", "addr", a.cfg.Redis.Addr)
		} else {
			a.limStore = ratelimit.NewMemoryStore()
		}
	}

	limits := make(map[string]ratelimit.Limit, len(a.cfg.RateLimits))
	for class, rl := range a.cfg.RateLimits {
		limits[class] = ratelimit.Limit{
			Window:      rl.Window(),
			MaxRequests: rl.MaxRequests,
		}
	}
	a.limiter = ratelimit.New(a.limStore, limits, ratelimit.WithLogger(a.log))
	return nil
}

func (a *App) initCascade() error {
	tiers := make([]cascade.Tier, 0, len(a.cfg.Tiers))
	for _, tc := range a.cfg.Tiers {
		p, err := a.tierProvider(tc)
		if err != nil {
			return fmt.Errorf("tier %q: %w", tc.Name, err)
		}
		tiers = append(tiers, cascade.Tier{
			Name:      tc.Name,
			Priority:  tc.Priority,
			CostClass: cascade.CostClass(tc.CostClass),
			Timeout:   tc.Timeout(),
			Provider:  p,
		})
	}

	router, err := cascade.New(tiers, a.limiter,
		cascade.WithRolePrompts(a.cfg.Roles),
		cascade.WithMetrics(a.metrics),
		cascade.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.router = router
	return nil
}

// tierProvider builds the completion backend for one tier. "openai" uses
// the dedicated client; every other name goes through the any-llm bridge.
func (a *App) tierProvider(tc config.TierConfig) (llm.Provider, error) {
	if p, ok := a.providers[tc.Name]; ok {
		return p, nil
	}

	apiKey := ""
	if tc.APIKeyEnv != "" {
		apiKey = os.Getenv(tc.APIKeyEnv)
	}

	if tc.Provider == "openai" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if tc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(tc.BaseURL))
		}
		return openai.New(apiKey, tc.Model, opts...)
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if tc.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(tc.BaseURL))
	}
	return anyllm.New(tc.Provider, tc.Model, opts...)
}

func (a *App) initHistory(ctx context.Context) error {
	if a.hist != nil {
		return nil
	}
	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		store, err := history.NewPostgresStore(ctx, dsn, a.cfg.History.MaxTurns)
		if err != nil {
			return err
		}
		a.hist = store
		a.log.Info("turn history in postgres", "max_turns", a.cfg.History.MaxTurns)
	} else {
		a.hist = history.NewMemStore(a.cfg.History.MaxTurns)
	}
	a.closers = append(a.closers, func(context.Context) error {
		return a.hist.Close()
	})
	return nil
}

// sessionFactory builds the per-session constructor handed to the manager.
func (a *App) sessionFactory() session.Factory {
	return func(id, role string, speaker tts.Speaker, opts ...session.Option) *session.Orchestrator {
		if role == "" {
			role = a.cfg.Session.DefaultRole
		}
		cfg := session.Config{
			ID:               id,
			Role:             role,
			Greeting:         a.cfg.Session.Greetings[role],
			Apologies:        a.cfg.Session.Apologies,
			IdleTimeout:      a.cfg.Session.IdleTimeout(),
			ThinkingWatchdog: a.cfg.Session.ThinkingWatchdog(),
		}
		opts = append(opts,
			session.WithCache(a.cache),
			session.WithHistory(a.hist),
			session.WithMetrics(a.metrics),
			session.WithLogger(a.log),
		)
		return session.New(cfg, speaker, a.router, opts...)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────

// Manager exposes the session manager, mainly for tests.
func (a *App) Manager() *session.Manager {
	return a.mgr
}

// Gateway exposes the gateway server, mainly for tests.
func (a *App) Gateway() *gateway.Server {
	return a.gw
}

// Run serves the gateway until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.gw.Run(ctx)
}

// Shutdown closes all sessions and releases every subsystem. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.mgr.Stop()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
