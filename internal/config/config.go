// Package config defines the YAML configuration schema for Aurelia and its
// loader. Durations are expressed in milliseconds in the file and exposed as
// [time.Duration] through accessor methods.
package config

import (
	"log/slog"
	"time"
)

// LogLevel is the minimum log level emitted by the service.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is a known log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Level converts l to a slog.Level. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Session    SessionConfig              `yaml:"session"`
	Roles      map[string]string          `yaml:"roles"`
	Cache      CacheConfig                `yaml:"cache"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Redis      RedisConfig                `yaml:"redis"`
	History    HistoryConfig              `yaml:"history"`
	Tiers      []TierConfig               `yaml:"tiers"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	// ListenAddr is the address the gateway binds to. Default ":8723".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is the minimum log level. Default "info".
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig configures per-session conversation behaviour.
type SessionConfig struct {
	// IdleTimeoutMs is how long a session may sit in LISTENING with no
	// utterance before it returns to idle. Default 30000.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// ThinkingWatchdogMs bounds answer resolution; past it the session
	// speaks an apology instead. Default 10000.
	ThinkingWatchdogMs int `yaml:"thinking_watchdog_ms"`

	// DefaultRole is the persona used when a client does not pick one.
	// Default "concierge".
	DefaultRole string `yaml:"default_role"`

	// Greetings maps a role to its greeting line. Roles without an entry
	// use the built-in default greeting.
	Greetings map[string]string `yaml:"greetings"`

	// Apologies are the lines spoken when no answer could be produced.
	// When empty, a built-in set is used.
	Apologies []string `yaml:"apologies"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// ThinkingWatchdog returns the watchdog timeout as a duration.
func (s SessionConfig) ThinkingWatchdog() time.Duration {
	return time.Duration(s.ThinkingWatchdogMs) * time.Millisecond
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// TTLMs is entry lifetime from insertion. Default 600000 (10 minutes).
	TTLMs int `yaml:"ttl_ms"`

	// MaxEntries caps the number of live entries. Default 256.
	MaxEntries int `yaml:"max_entries"`

	// SimilarityThreshold is the minimum similarity score in (0.0, 1.0]
	// for a near-match hit. Default 0.85.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MinInputLength is the minimum normalised input length before the
	// similarity scan runs. Default 10.
	MinInputLength int `yaml:"min_input_length"`
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// RateLimitConfig is the sliding-window budget for one endpoint class.
type RateLimitConfig struct {
	// WindowMs is the window duration.
	WindowMs int `yaml:"window_ms"`

	// MaxRequests is the number of admissions allowed inside the window.
	MaxRequests int `yaml:"max_requests"`
}

// Window returns the window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// RedisConfig selects the shared rate-limit window store. When Addr is
// empty, windows are kept in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HistoryConfig configures the conversation turn log.
type HistoryConfig struct {
	// PostgresDSN enables the Postgres turn log when non-empty. Empty
	// keeps history in process memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MaxTurns caps the turns retained per session. Default 50.
	MaxTurns int `yaml:"max_turns"`
}

// TierConfig describes one inference tier.
type TierConfig struct {
	// Name identifies the tier in logs and metrics. Required, unique.
	Name string `yaml:"name"`

	// Priority orders the cascade walk; lower runs first.
	Priority int `yaml:"priority"`

	// CostClass is "free", "local" or "paid" and selects the rate-limit
	// budget.
	CostClass string `yaml:"cost_class"`

	// TimeoutMs bounds one invocation of this tier. Default 6000.
	TimeoutMs int `yaml:"timeout_ms"`

	// Provider is the backend name: "openai" uses the dedicated OpenAI
	// client; anything else goes through the any-llm bridge ("anthropic",
	// "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
	// "llamafile").
	Provider string `yaml:"provider"`

	// Model is the model identifier passed to the backend. Required.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the backend API
	// key. Empty falls back to the backend's conventional variable.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the backend endpoint, mainly for local servers.
	BaseURL string `yaml:"base_url"`
}

// Timeout returns the tier timeout as a duration.
func (t TierConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}
