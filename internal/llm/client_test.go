package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestClient(t *testing.T, endpoint string) *Client {
	c := NewClient(endpoint, "test-key", "test-model", Rates{PromptPerMillion: 1, CompletionPerMillion: 2}, testLogger(t))
	// Keep retries fast in tests; the backoff FORMULA itself is covered by
	// TestBackoffDelayFormula below using the real base/cap.
	c.backoffBase = time.Millisecond
	c.backoffCap = 10 * time.Millisecond
	c.attemptTimeout = 2 * time.Second
	return c
}

func geminiBody(text string) []byte {
	resp := generateResponse{}
	resp.Candidates = []struct {
		Content content `json:"content"`
	}{
		{Content: content{Parts: []contentPart{{Text: text}}}},
	}
	resp.UsageMetadata.PromptTokenCount = 10
	resp.UsageMetadata.CandidatesTokenCount = 5
	resp.UsageMetadata.TotalTokenCount = 15
	b, _ := json.Marshal(resp)
	return b
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Fatalf("expected json mime type request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiBody(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Call(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != `{"operations":[]}` {
		t.Fatalf("unexpected content: %q", res.Content)
	}
	if res.PromptTokens != 10 || res.CompletionTokens != 5 || res.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", res)
	}
	if res.Cost.TotalCost <= 0 {
		t.Fatalf("expected positive cost, got %+v", res.Cost)
	}
}

func TestCallDefaultTemperature(t *testing.T) {
	var gotTemp float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTemp = req.GenerationConfig.Temperature
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiBody(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Call(context.Background(), "system", "user"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotTemp != defaultTemperature {
		t.Fatalf("expected default temperature %v, got %v", defaultTemperature, gotTemp)
	}
}

func TestCallWithTemperatureOverride(t *testing.T) {
	var gotTemp float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTemp = req.GenerationConfig.Temperature
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiBody(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	override := 0.9
	if _, err := c.Call(context.Background(), "system", "user", WithTemperature(&override)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotTemp != 0.9 {
		t.Fatalf("expected overridden temperature 0.9, got %v", gotTemp)
	}
}

func TestCallWithNilTemperatureOverrideIsNoOp(t *testing.T) {
	var gotTemp float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTemp = req.GenerationConfig.Temperature
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiBody(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Call(context.Background(), "system", "user", WithTemperature(nil)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotTemp != defaultTemperature {
		t.Fatalf("expected default temperature %v with nil override, got %v", defaultTemperature, gotTemp)
	}
}

func TestCallSkipsThoughtParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := generateResponse{}
		resp.Candidates = []struct {
			Content content `json:"content"`
		}{
			{Content: content{Parts: []contentPart{
				{Text: "thinking...", Thought: true},
				{Text: "final answer"},
			}}},
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Call(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != "final answer" {
		t.Fatalf("expected thought part to be dropped, got %q", res.Content)
	}
}

func TestCallRetriesOnTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiBody(`{"operations":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Call(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 HTTP calls, got %d", got)
	}
}

func TestCallFailsAfterExhaustingRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Call(context.Background(), "system", "user")
	if err == nil {
		t.Fatalf("expected error")
	}
	// P7: a call issues at most maxRetries+1 = 4 HTTP requests.
	if got := atomic.LoadInt32(&calls); got != int32(c.maxRetries+1) {
		t.Fatalf("expected %d HTTP calls, got %d", c.maxRetries+1, got)
	}
}

func TestCallNonRetryableFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Call(context.Background(), "system", "user")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call, got %d", got)
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	c := NewClient("http://example.invalid", "k", "m", Rates{}, testLogger(t))
	if got := c.backoffDelay(0); got != 15*time.Second {
		t.Fatalf("attempt 0: got %v, want 15s", got)
	}
	if got := c.backoffDelay(1); got != 30*time.Second {
		t.Fatalf("attempt 1: got %v, want 30s", got)
	}
	if got := c.backoffDelay(10); got != 120*time.Second {
		t.Fatalf("attempt 10: got %v, want capped at 120s", got)
	}
}
