package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known LLM backend names. Used by [Validate]
// to warn about likely typos.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Defaults applied by [Validate] for absent values.
const (
	DefaultListenAddr         = ":8723"
	DefaultIdleTimeoutMs      = 30_000
	DefaultThinkingWatchdogMs = 10_000
	DefaultRole               = "concierge"
	DefaultHistoryMaxTurns    = 50
	DefaultTierTimeoutMs      = 6_000
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults to cfg and checks that it contains a coherent
// set of values. It returns a joined error listing all validation failures
// found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogLevelInfo
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	if cfg.Session.IdleTimeoutMs == 0 {
		cfg.Session.IdleTimeoutMs = DefaultIdleTimeoutMs
	}
	if cfg.Session.IdleTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_ms must be positive, got %d", cfg.Session.IdleTimeoutMs))
	}
	if cfg.Session.ThinkingWatchdogMs == 0 {
		cfg.Session.ThinkingWatchdogMs = DefaultThinkingWatchdogMs
	}
	if cfg.Session.ThinkingWatchdogMs < 0 {
		errs = append(errs, fmt.Errorf("session.thinking_watchdog_ms must be positive, got %d", cfg.Session.ThinkingWatchdogMs))
	}
	if cfg.Session.DefaultRole == "" {
		cfg.Session.DefaultRole = DefaultRole
	}

	// Cache
	if cfg.Cache.TTLMs < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_ms must not be negative, got %d", cfg.Cache.TTLMs))
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must not be negative, got %d", cfg.Cache.MaxEntries))
	}
	if cfg.Cache.SimilarityThreshold < 0 || cfg.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold %.2f is out of range (0.0, 1.0]", cfg.Cache.SimilarityThreshold))
	}

	// Rate limits
	for class, rl := range cfg.RateLimits {
		if rl.WindowMs <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.window_ms must be positive, got %d", class, rl.WindowMs))
		}
		if rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.max_requests must be positive, got %d", class, rl.MaxRequests))
		}
	}

	// History
	if cfg.History.MaxTurns == 0 {
		cfg.History.MaxTurns = DefaultHistoryMaxTurns
	}
	if cfg.History.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("history.max_turns must be positive, got %d", cfg.History.MaxTurns))
	}

	// Tiers
	if len(cfg.Tiers) == 0 {
		errs = append(errs, fmt.Errorf("tiers must contain at least one entry"))
	}
	tierNamesSeen := make(map[string]int, len(cfg.Tiers))
	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		prefix := fmt.Sprintf("tiers[%d]", i)
		if tier.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := tierNamesSeen[tier.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tiers[%d]", prefix, tier.Name, prev))
			}
			tierNamesSeen[tier.Name] = i
		}
		switch tier.CostClass {
		case "free", "local", "paid":
		default:
			errs = append(errs, fmt.Errorf("%s.cost_class %q is invalid; valid values: free, local, paid", prefix, tier.CostClass))
		}
		if tier.TimeoutMs == 0 {
			tier.TimeoutMs = DefaultTierTimeoutMs
		}
		if tier.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_ms must be positive, got %d", prefix, tier.TimeoutMs))
		}
		if tier.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if tier.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if !slices.Contains(ValidProviderNames, tier.Provider) {
			slog.Warn("unknown provider name, may be a typo",
				"tier", tier.Name,
				"provider", tier.Provider,
				"known", ValidProviderNames,
			)
		}
	}

	// The last tier is the designated fallback and must stay reachable
	// when paid quotas run dry.
	if len(cfg.Tiers) > 0 {
		last := lastByPriority(cfg.Tiers)
		if last.CostClass == "paid" {
			slog.Warn("fallback tier draws from the paid budget and may be rate limited",
				"tier", last.Name,
			)
		}
	}

	return errors.Join(errs...)
}

// lastByPriority returns the tier that the cascade walks last.
func lastByPriority(tiers []TierConfig) TierConfig {
	last := tiers[0]
	for _, t := range tiers[1:] {
		if t.Priority >= last.Priority {
			last = t
		}
	}
	return last
}
