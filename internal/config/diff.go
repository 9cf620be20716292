package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked — the listen
// port, event/turn bounds, and circuit breaker tuning require a process
// restart to take effect and are deliberately not diffed here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProviderChanged  bool
	RateLimitChanged bool
	NewRateLimit     int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if providerChanged(old.Provider, new.Provider) {
		d.ProviderChanged = true
	}

	if old.Server.RateLimitPerMinute != new.Server.RateLimitPerMinute {
		d.RateLimitChanged = true
		d.NewRateLimit = new.Server.RateLimitPerMinute
	}

	return d
}

// providerChanged compares the scalar fields of two ProviderEntry values.
// Options is excluded since map[string]any is not comparable with ==.
func providerChanged(old, new ProviderEntry) bool {
	return old.Selector != new.Selector ||
		old.ModelID != new.ModelID ||
		old.MaxTokens != new.MaxTokens ||
		old.PartialChunkDelayMS != new.PartialChunkDelayMS ||
		old.APICredential != new.APICredential ||
		old.BaseURL != new.BaseURL
}
