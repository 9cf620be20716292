package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderSelectors lists selector values the registry is expected to
// recognize. Used by [Validate] to warn about likely typos; unrecognized
// selectors are not themselves an error here — that is enforced at
// construction time by [ErrProviderNotRegistered].
var ValidProviderSelectors = []string{"anthropic", "openai", "anyllm"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenPort <= 0 {
		errs = append(errs, fmt.Errorf("server.listen_port must be positive, got %d", cfg.Server.ListenPort))
	}
	if cfg.Server.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("server.max_turns must be positive, got %d", cfg.Server.MaxTurns))
	}

	validateSelector("provider.selector", cfg.Provider.Selector)
	if cfg.Resilience.Fallback != nil {
		validateSelector("resilience.fallback.selector", cfg.Resilience.Fallback.Selector)
	}

	if cfg.Provider.Selector == "" {
		errs = append(errs, errors.New("provider.selector is required"))
	}
	if cfg.Provider.APICredential == "" {
		slog.Warn("provider.api_credential is empty; the backend will likely reject requests")
	}

	if cfg.Resilience.CircuitBreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker_threshold must be non-negative, got %d", cfg.Resilience.CircuitBreakerThreshold))
	}
	if cfg.Resilience.CircuitBreakerCooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker_cooldown_seconds must be non-negative, got %d", cfg.Resilience.CircuitBreakerCooldownSeconds))
	}

	return errors.Join(errs...)
}

// validateSelector logs a warning if selector is non-empty and does not
// match (or prefix-match, for "anyllm:<backend>") a known selector family.
func validateSelector(field, selector string) {
	if selector == "" {
		return
	}
	base, _, _ := strings.Cut(selector, ":")
	if slices.Contains(ValidProviderSelectors, base) {
		return
	}
	slog.Warn("unrecognized provider selector — may be a typo or not yet registered",
		"field", field,
		"selector", selector,
		"known", ValidProviderSelectors,
	)
}
