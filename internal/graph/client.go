package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/pkg/httpx"
	"github.com/rhizalabs/kg-extractor/internal/platform/apierr"
	"github.com/rhizalabs/kg-extractor/internal/platform/ctxutil"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

// MaxAdditiveBatch is the hard cap the graph service enforces per
// /updates/additive call.
const MaxAdditiveBatch = 1000

// Client is the graph service surface this worker consumes. It is
// deliberately small: entity CRUD, label lookup, and the additive-update
// batch endpoint, matching spec section 6.2 exactly.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	maxRetries int
}

// NewClient builds a graph service client against apiBase (e.g.
// "https://graph.internal/v1"). log must not be nil.
func NewClient(apiBase string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("client", "GraphClient"),
		maxRetries: 3,
	}
}

// GetEntity fetches one entity with its relationship previews expanded.
func (c *Client) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var out Entity
	path := fmt.Sprintf("/entities/%s?expand=relationships:preview", url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContent fetches a chunk's text payload from its content endpoint, used
// when an entity's properties carry neither "text" nor "content".
func (c *Client) GetContent(ctx context.Context, id string) (string, error) {
	path := fmt.Sprintf("/entities/%s/content?key=content", url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		req.Header.Set("X-Trace-Id", td.TraceID)
		req.Header.Set("X-Request-Id", td.RequestID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierr.Newf(resp.StatusCode, string(raw))
	}
	return string(raw), nil
}

// Lookup requests at most limit entities with an exact (case-insensitive)
// label match and the given type, scoped to collection.
func (c *Client) Lookup(ctx context.Context, collection, label, entityType string, limit int) ([]LookupMatch, error) {
	q := url.Values{}
	q.Set("label", label)
	q.Set("type", entityType)
	q.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/collections/%s/entities/lookup?%s", url.PathEscape(collection), q.Encode())

	var out struct {
		Entities []LookupMatch `json:"entities"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

// CreateEntity posts a new entity. When syncIndex is true, the graph
// service is expected to block until the new record is observable via
// Lookup before responding.
func (c *Client) CreateEntity(ctx context.Context, entityType, collection string, properties map[string]any, syncIndex bool) (CreatedEntity, error) {
	body := map[string]any{
		"type":       entityType,
		"collection": collection,
		"properties": properties,
	}
	if syncIndex {
		body["sync_index"] = true
	}
	var out CreatedEntity
	if err := c.do(ctx, http.MethodPost, "/entities", body, &out); err != nil {
		return CreatedEntity{}, err
	}
	return out, nil
}

// DeleteEntity issues a best-effort delete. Callers on the loser path of
// check-create treat a failure here as non-fatal.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	path := fmt.Sprintf("/entities/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PostAdditiveUpdates posts one batch (at most MaxAdditiveBatch entries) to
// the additive-update endpoint and returns the number the service accepted.
// Callers must pre-split batches larger than MaxAdditiveBatch; this method
// does not do it for them so the split boundary stays visible to the
// orchestrator's per-batch logging.
func (c *Client) PostAdditiveUpdates(ctx context.Context, updates []AdditiveUpdate) (int, error) {
	if len(updates) > MaxAdditiveBatch {
		return 0, fmt.Errorf("graph: batch of %d exceeds max %d", len(updates), MaxAdditiveBatch)
	}
	var out struct {
		Accepted int `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/updates/additive", map[string]any{"updates": updates}, &out); err != nil {
		return 0, err
	}
	return out.Accepted, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("graph: decode response: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)
		c.log.Warn("graph request retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if td := ctxutil.GetTraceData(ctx); td != nil {
		req.Header.Set("X-Trace-Id", td.TraceID)
		req.Header.Set("X-Request-Id", td.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, apierr.Newf(resp.StatusCode, string(raw))
	}
	return resp, raw, nil
}
