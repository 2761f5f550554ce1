// Package llm wraps a single request/response round trip to the LLM
// provider. The provider itself is a black box (spec: "string -> JSON");
// this package only owns the transport, retry policy, and usage/cost
// accounting around that call.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/pkg/httpx"
	"github.com/rhizalabs/kg-extractor/internal/platform/apierr"
	"github.com/rhizalabs/kg-extractor/internal/platform/ctxutil"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

const (
	attemptTimeout = 120 * time.Second
	maxRetries     = 3
	backoffBase    = 15 * time.Second
	backoffCap     = 120 * time.Second

	defaultTemperature     = 0.2
	defaultMaxOutputTokens = 8192
)

// Rates are per-million-token prices, used only to compute an informational
// cost figure alongside each response.
type Rates struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// callOptions collects the per-call overrides CallOption funcs set.
type callOptions struct {
	temperature *float64
}

// CallOption adjusts one Call's generation parameters without disturbing
// the client's defaults.
type CallOption func(*callOptions)

// WithTemperature overrides the default sampling temperature for a single
// call. A nil override is a no-op, so callers can pass through an
// optional per-job value (e.g. runtime.Context.RhizaFloat64) unconditionally.
func WithTemperature(override *float64) CallOption {
	return func(o *callOptions) {
		if override != nil {
			o.temperature = override
		}
	}
}

// Result is the LLM client's single operation's return value.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             Cost
}

// Cost breaks down the informational cost estimate by token class, so it
// aggregates cleanly in logs without recomputation downstream.
type Cost struct {
	PromptCost     float64
	CompletionCost float64
	TotalCost      float64
}

// Client performs the single call() operation spec section 4.3 describes.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *logger.Logger
	rates      Rates

	maxRetries     int
	attemptTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
}

// NewClient builds an LLM client. endpoint is the base model-generation
// URL (e.g. Gemini's "https://generativelanguage.googleapis.com/v1beta").
func NewClient(endpoint, apiKey, model string, rates Rates, log *logger.Logger) *Client {
	return &Client{
		endpoint:       strings.TrimRight(endpoint, "/"),
		apiKey:         apiKey,
		model:          model,
		httpClient:     &http.Client{},
		log:            log.With("client", "LLMClient"),
		rates:          rates,
		maxRetries:     maxRetries,
		attemptTimeout: attemptTimeout,
		backoffBase:    backoffBase,
		backoffCap:     backoffCap,
	}
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type contentPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type content struct {
	Role  string        `json:"role,omitempty"`
	Parts []contentPart `json:"parts"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Call performs one request/response round trip, retrying transient
// failures (HTTP 429, HTTP >= 500, network error, per-attempt timeout) up
// to maxRetries times with exponential backoff. Non-retryable HTTP
// responses and exhausted retries surface as fatal errors.
func (c *Client) Call(ctx context.Context, systemPrompt, userPrompt string, opts ...CallOption) (Result, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	temperature := defaultTemperature
	if o.temperature != nil {
		temperature = *o.temperature
	}

	req := generateRequest{
		SystemInstruction: &content{Parts: []contentPart{{Text: systemPrompt}}},
		Contents: []content{
			{Role: "user", Parts: []contentPart{{Text: userPrompt}}},
		},
		GenerationConfig: generationConfig{
			Temperature:      temperature,
			MaxOutputTokens:  defaultMaxOutputTokens,
			ResponseMimeType: "application/json",
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		resp, err := c.doOnce(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) {
			return Result{}, fmt.Errorf("llm: non-retryable error: %w", err)
		}
		if attempt == c.maxRetries {
			return Result{}, fmt.Errorf("llm: exhausted %d retries: %w", c.maxRetries, err)
		}

		delay := c.backoffDelay(attempt)
		c.log.Warn("llm call retrying",
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", delay.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Result{}, lastErr
}

// backoffDelay implements delay(attempt) = min(base * 2^attempt, cap).
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.backoffCap {
			return c.backoffCap
		}
	}
	if d > c.backoffCap {
		return c.backoffCap
	}
	return d
}

func (c *Client) doOnce(ctx context.Context, req generateRequest) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if td := ctxutil.GetTraceData(ctx); td != nil {
		httpReq.Header.Set("X-Trace-Id", td.TraceID)
		httpReq.Header.Set("X-Request-Id", td.RequestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, apierr.Newf(resp.StatusCode, string(raw))
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return Result{}, fmt.Errorf("llm: response carried no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}

	usage := parsed.UsageMetadata
	cost := c.computeCost(usage.PromptTokenCount, usage.CandidatesTokenCount)

	return Result{
		Content:          sb.String(),
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      usage.TotalTokenCount,
		Cost:             cost,
	}, nil
}

func (c *Client) computeCost(promptTokens, completionTokens int) Cost {
	promptCost := float64(promptTokens) / 1_000_000 * c.rates.PromptPerMillion
	completionCost := float64(completionTokens) / 1_000_000 * c.rates.CompletionPerMillion
	return Cost{
		PromptCost:     promptCost,
		CompletionCost: completionCost,
		TotalCost:      promptCost + completionCost,
	}
}
