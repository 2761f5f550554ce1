// Package config loads the worker's runtime configuration from the
// environment, with an optional YAML file overlay for values operators
// prefer to pin per-deployment rather than inject as env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhizalabs/kg-extractor/internal/platform/envutil"
)

// Config is the full set of values the worker needs to run a job.
type Config struct {
	GraphAPIBase string

	LLMEndpoint                 string
	LLMAPIKey                   string
	LLMModel                    string
	LLMPromptRatePerMillion     float64
	LLMCompletionRatePerMillion float64

	CheckCreateConcurrency int
	PollInterval           time.Duration
	LogMode                string
}

// ErrorCode discriminates the ways a Config can fail validation.
type ErrorCode string

const (
	ErrMissingGraphAPIBase ErrorCode = "missing_graph_api_base"
	ErrMissingLLMEndpoint  ErrorCode = "missing_llm_endpoint"
	ErrMissingLLMAPIKey    ErrorCode = "missing_llm_api_key"
	ErrMissingLLMModel     ErrorCode = "missing_llm_model"
	ErrInvalidYAMLOverlay  ErrorCode = "invalid_yaml_overlay"
)

// Error reports a config problem, identified by its Code, with an optional
// wrapped cause (e.g. a YAML decode error).
type Error struct {
	Code  ErrorCode
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "invalid config"
	}
	switch e.Code {
	case ErrMissingGraphAPIBase:
		return "GRAPH_API_BASE is required"
	case ErrMissingLLMEndpoint:
		return "LLM_ENDPOINT is required"
	case ErrMissingLLMAPIKey:
		return "LLM_API_KEY is required"
	case ErrMissingLLMModel:
		return "LLM_MODEL is required"
	case ErrInvalidYAMLOverlay:
		return fmt.Sprintf("invalid config overlay file: %v", e.Cause)
	default:
		return "invalid config"
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// overlay is the YAML shape an optional override file may provide. Only
// non-zero fields are applied over the env-derived defaults, so an operator
// can override a handful of values without repeating the rest.
type overlay struct {
	GraphAPIBase                string  `yaml:"graph_api_base"`
	LLMEndpoint                 string  `yaml:"llm_endpoint"`
	LLMAPIKey                   string  `yaml:"llm_api_key"`
	LLMModel                    string  `yaml:"llm_model"`
	LLMPromptRatePerMillion     float64 `yaml:"llm_prompt_rate_per_million"`
	LLMCompletionRatePerMillion float64 `yaml:"llm_completion_rate_per_million"`
	CheckCreateConcurrency      int     `yaml:"check_create_concurrency"`
	PollIntervalSeconds         int     `yaml:"poll_interval_seconds"`
	LogMode                     string  `yaml:"log_mode"`
}

// Load builds a Config from the environment, then applies an optional YAML
// overlay named by CONFIG_FILE, then validates the result.
func Load() (Config, error) {
	cfg := Config{
		GraphAPIBase:                envutil.String("GRAPH_API_BASE", ""),
		LLMEndpoint:                 envutil.String("LLM_ENDPOINT", ""),
		LLMAPIKey:                   envutil.String("LLM_API_KEY", ""),
		LLMModel:                    envutil.String("LLM_MODEL", ""),
		LLMPromptRatePerMillion:     envFloat("LLM_PROMPT_RATE_PER_MILLION", 0),
		LLMCompletionRatePerMillion: envFloat("LLM_COMPLETION_RATE_PER_MILLION", 0),
		CheckCreateConcurrency:      envutil.Int("CHECK_CREATE_CONCURRENCY", 20),
		PollInterval:                envutil.Duration("POLL_INTERVAL", 5*time.Second),
		LogMode:                     envutil.String("LOG_MODE", "production"),
	}

	if path := envutil.String("CONFIG_FILE", ""); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &Error{Code: ErrInvalidYAMLOverlay, Cause: err}
	}
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return &Error{Code: ErrInvalidYAMLOverlay, Cause: err}
	}

	if o.GraphAPIBase != "" {
		cfg.GraphAPIBase = o.GraphAPIBase
	}
	if o.LLMEndpoint != "" {
		cfg.LLMEndpoint = o.LLMEndpoint
	}
	if o.LLMAPIKey != "" {
		cfg.LLMAPIKey = o.LLMAPIKey
	}
	if o.LLMModel != "" {
		cfg.LLMModel = o.LLMModel
	}
	if o.LLMPromptRatePerMillion != 0 {
		cfg.LLMPromptRatePerMillion = o.LLMPromptRatePerMillion
	}
	if o.LLMCompletionRatePerMillion != 0 {
		cfg.LLMCompletionRatePerMillion = o.LLMCompletionRatePerMillion
	}
	if o.CheckCreateConcurrency != 0 {
		cfg.CheckCreateConcurrency = o.CheckCreateConcurrency
	}
	if o.PollIntervalSeconds != 0 {
		cfg.PollInterval = time.Duration(o.PollIntervalSeconds) * time.Second
	}
	if o.LogMode != "" {
		cfg.LogMode = o.LogMode
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.GraphAPIBase == "" {
		return &Error{Code: ErrMissingGraphAPIBase}
	}
	if cfg.LLMEndpoint == "" {
		return &Error{Code: ErrMissingLLMEndpoint}
	}
	if cfg.LLMAPIKey == "" {
		return &Error{Code: ErrMissingLLMAPIKey}
	}
	if cfg.LLMModel == "" {
		return &Error{Code: ErrMissingLLMModel}
	}
	return nil
}

// envFloat mirrors envutil's Int/Duration helpers for the float fields
// (the LLM token rates); the teacher's envutil package has no float helper.
func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return def
	}
	return f
}
