package config_test

import (
	"strings"
	"testing"

	"github.com/voicestack/conductor/internal/config"
)

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_port: 0
  max_turns: 0
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"listen_port", "max_turns", "log_level", "provider.selector"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderSelectors(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderSelectors) == 0 {
		t.Fatal("ValidProviderSelectors should not be empty")
	}
	found := false
	for _, s := range config.ValidProviderSelectors {
		if s == "anthropic" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderSelectors should contain \"anthropic\"")
	}
}

func TestValidate_AnyllmSelectorWithBackendSuffixIsRecognized(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_port: 8080
  max_turns: 10
provider:
  selector: anyllm:ollama
`
	// Should not warn-fail; selectors are only warned about, not rejected.
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
