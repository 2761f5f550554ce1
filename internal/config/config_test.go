package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GRAPH_API_BASE", "LLM_ENDPOINT", "LLM_API_KEY", "LLM_MODEL",
		"LLM_PROMPT_RATE_PER_MILLION", "LLM_COMPLETION_RATE_PER_MILLION",
		"CHECK_CREATE_CONCURRENCY", "POLL_INTERVAL", "LOG_MODE", "CONFIG_FILE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingRequiredFieldFails(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error when required env vars are unset")
	}
	var cfgErr *Error
	if !asConfigError(err, &cfgErr) {
		t.Fatalf("expected a *Error, got %T: %v", err, err)
	}
	if cfgErr.Code != ErrMissingGraphAPIBase {
		t.Fatalf("expected ErrMissingGraphAPIBase first, got %s", cfgErr.Code)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRAPH_API_BASE", "https://graph.internal/v1")
	t.Setenv("LLM_ENDPOINT", "https://llm.internal")
	t.Setenv("LLM_API_KEY", "key-123")
	t.Setenv("LLM_MODEL", "gemini-test")
	t.Setenv("CHECK_CREATE_CONCURRENCY", "8")
	t.Setenv("POLL_INTERVAL", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GraphAPIBase != "https://graph.internal/v1" {
		t.Fatalf("unexpected GraphAPIBase: %s", cfg.GraphAPIBase)
	}
	if cfg.CheckCreateConcurrency != 8 {
		t.Fatalf("unexpected concurrency: %d", cfg.CheckCreateConcurrency)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval)
	}
}

func TestLoadAppliesYAMLOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRAPH_API_BASE", "https://graph.internal/v1")
	t.Setenv("LLM_ENDPOINT", "https://llm.internal")
	t.Setenv("LLM_API_KEY", "key-123")
	t.Setenv("LLM_MODEL", "gemini-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	contents := "llm_model: gemini-overlay\ncheck_create_concurrency: 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMModel != "gemini-overlay" {
		t.Fatalf("expected overlay to override llm model, got %s", cfg.LLMModel)
	}
	if cfg.CheckCreateConcurrency != 5 {
		t.Fatalf("expected overlay to override concurrency, got %d", cfg.CheckCreateConcurrency)
	}
	// Env-derived value not present in the overlay must survive untouched.
	if cfg.GraphAPIBase != "https://graph.internal/v1" {
		t.Fatalf("expected non-overlaid field to keep its env value, got %s", cfg.GraphAPIBase)
	}
}

func asConfigError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
