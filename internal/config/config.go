// Package config provides the configuration schema, loader, and provider
// registry for the conductor process.
package config

// Config is the root configuration structure for the conductor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network, framing, and session-bound settings for the
// WebSocket multiplexer and session store.
type ServerConfig struct {
	// ListenPort is the TCP port the /ws listener binds to.
	ListenPort int `yaml:"listen_port"`

	// MaxEventBytes caps the size of a single inbound envelope frame; larger
	// frames are rejected at decode with invalid_event.
	MaxEventBytes int `yaml:"max_event_bytes"`

	// MaxTurns bounds the session history: at most 2×MaxTurns turns are
	// retained, oldest pairs truncated first.
	MaxTurns int `yaml:"max_turns"`

	// RateLimitPerMinute caps inbound events per session via a sliding
	// window. Zero or negative disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the active ModelProvider backend.
// The Selector field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Selector chooses the registered ModelProvider implementation, e.g.
	// "anthropic", "openai", or "anyllm:<backend>". Names the registry does
	// not recognize are accepted by this schema but rejected at construction
	// time with [ErrProviderNotRegistered].
	Selector string `yaml:"selector"`

	// ModelID is the provider-specific model identifier passed through to
	// the backend unmodified.
	ModelID string `yaml:"model_id"`

	// MaxTokens is the base completion-length budget. The conductor
	// quadruples this (capped at 4096) for rounds where tools are offered.
	MaxTokens int `yaml:"max_tokens"`

	// PartialChunkDelayMS sets the simulated-streaming cadence, in
	// milliseconds, between emitted partial chunks. Only consulted by the
	// Anthropic-style provider, which does not receive a native token stream.
	PartialChunkDelayMS int `yaml:"partial_chunk_delay_ms"`

	// APICredential is the bearer/opaque credential for the backend API.
	// Never logged.
	APICredential string `yaml:"api_credential"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Options holds backend-specific values not covered by the standard
	// fields above. None of the built-in providers reads it; the any-llm
	// backend name comes from the Selector suffix instead.
	Options map[string]any `yaml:"options"`
}

// MetricsConfig controls the optional HTTP surface serving /metrics,
// /healthz, and /readyz.
type MetricsConfig struct {
	// ListenAddr is the address the metrics/health HTTP server binds to
	// (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// ResilienceConfig tunes the circuit breaker wrapping ModelProvider calls,
// plus an optional fallback provider.
type ResilienceConfig struct {
	// CircuitBreakerThreshold is the number of consecutive failures before
	// the breaker opens. Zero keeps the breaker's built-in default.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerCooldownSeconds is how long the breaker stays open
	// before probing again. Zero keeps the breaker's built-in default.
	CircuitBreakerCooldownSeconds int `yaml:"circuit_breaker_cooldown_seconds"`

	// Fallback optionally names a second provider entry, tried whenever a
	// call to the primary fails or the primary's circuit is open.
	Fallback *ProviderEntry `yaml:"fallback"`
}
