// Package checkcreate implements the idempotent upsert-with-race-resolution
// protocol used when many workers concurrently extract overlapping entities
// from different chunks of the same document against an eventually
// consistent lookup index.
package checkcreate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rhizalabs/kg-extractor/internal/graph"
	"github.com/rhizalabs/kg-extractor/internal/normalize"
	"github.com/rhizalabs/kg-extractor/internal/observability"
	"github.com/rhizalabs/kg-extractor/internal/pkg/httpx"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

// tracer spans CheckCreate's per-entity state machine: lookup-1, create,
// settle, lookup-N, resolve.
var tracer = observability.Tracer("github.com/rhizalabs/kg-extractor/internal/checkcreate")

func startSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	spanCtx, span := tracer.Start(ctx, name)
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// GraphAPI is the subset of the graph client this engine depends on. It is
// an interface so tests can exercise the race-resolution algorithm against
// a fake without a live graph service.
type GraphAPI interface {
	Lookup(ctx context.Context, collection, label, entityType string, limit int) ([]graph.LookupMatch, error)
	CreateEntity(ctx context.Context, entityType, collection string, properties map[string]any, syncIndex bool) (graph.CreatedEntity, error)
	DeleteEntity(ctx context.Context, id string) error
}

// Result is the outcome of one check-create call.
type Result struct {
	EntityID string
	IsNew    bool
	Label    string // normalized
	Type     string
}

// Entry is one (label, type) request for BatchCheckCreate.
type Entry struct {
	Label string
	Type  string
}

// Key returns the composite key BatchCheckCreate's result map is indexed
// by: (entityType, normalized label).
func Key(entityType, label string) string {
	return entityType + "|" + normalize.Label(label)
}

const (
	maxConcurrency = 20

	lookupOneLimit = 1
	lookupNLimit   = 10
	maxSettleRetry = 2 // up to two additional Lookup-N rounds beyond the first

	settleBase  = 100 * time.Millisecond
	settleJit   = 100 * time.Millisecond
	retryBase   = 150 * time.Millisecond
	retryJit    = 100 * time.Millisecond
)

// Engine runs the check-create protocol against a GraphAPI.
type Engine struct {
	api GraphAPI
	log *logger.Logger

	concurrency    int
	settleBase     time.Duration
	settleJitter   time.Duration
	retryBase      time.Duration
	retryJitter    time.Duration
	maxSettleRetry int
}

// New builds a check-create engine with the default 20-way batch
// concurrency. Use WithConcurrency to override it from config.
func New(api GraphAPI, log *logger.Logger) *Engine {
	return &Engine{
		api:            api,
		log:            log.With("component", "CheckCreateEngine"),
		concurrency:    maxConcurrency,
		settleBase:     settleBase,
		settleJitter:   settleJit,
		retryBase:      retryBase,
		retryJitter:    retryJit,
		maxSettleRetry: maxSettleRetry,
	}
}

// WithConcurrency overrides the batch concurrency ceiling. n <= 0 leaves the
// default in place.
func (e *Engine) WithConcurrency(n int) *Engine {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// CheckCreate runs the full lookup -> create -> settle -> lookup-N ->
// resolve protocol for one (collection, label, type) request. Create
// failures are returned as fatal errors; lookup and delete failures are
// logged and treated as non-fatal (lookup failures degrade to "not found").
func (e *Engine) CheckCreate(ctx context.Context, collection, label, entityType string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "check_create", trace.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("collection", collection),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("entity.is_new", res.IsNew))
		}
		span.End()
	}()

	L := normalize.Label(label)
	span.SetAttributes(attribute.String("entity.label", L))

	// Lookup-1
	lookupCtx, endLookup1 := startSpan(ctx, "lookup_one")
	matches1, lookup1Err := e.lookup(lookupCtx, collection, L, entityType, lookupOneLimit)
	endLookup1(nil)
	if lookup1Err != nil {
		e.log.Warn("check-create: lookup-1 failed, treating as not found", "collection", collection, "label", L, "type", entityType, "error", lookup1Err)
	} else if len(matches1) > 0 {
		return Result{EntityID: matches1[0].ID, IsNew: false, Label: L, Type: entityType}, nil
	}

	// Create
	createCtx, endCreate := startSpan(ctx, "create")
	created, createErr := e.api.CreateEntity(createCtx, entityType, collection, map[string]any{"label": L}, true)
	endCreate(createErr)
	if createErr != nil {
		return Result{}, fmt.Errorf("check-create: create failed for %q/%q: %w", entityType, L, createErr)
	}

	// Settle
	_, endSettle := startSpan(ctx, "settle")
	time.Sleep(httpx.AddJitter(e.settleBase, e.settleJitter))
	endSettle(nil)

	// Lookup-N with bounded settle-retry
	settleCtx, endLookupN := startSpan(ctx, "lookup_n_settle_retry")
	var matches []graph.LookupMatch
	for round := 0; ; round++ {
		m, lookupErr := e.lookup(settleCtx, collection, L, entityType, lookupNLimit)
		if lookupErr != nil {
			e.log.Warn("check-create: lookup-N failed, treating as not found", "collection", collection, "label", L, "type", entityType, "error", lookupErr)
			m = nil
		}
		matches = m

		soleAndOurs := len(matches) == 1 && matches[0].ID == created.ID
		if !soleAndOurs || round >= e.maxSettleRetry {
			break
		}
		time.Sleep(httpx.AddJitter(e.retryBase, e.retryJitter))
	}
	endLookupN(nil)

	// Resolve
	_, endResolve := startSpan(ctx, "resolve")
	defer func() { endResolve(err) }()

	if len(matches) <= 1 {
		return Result{EntityID: created.ID, IsNew: true, Label: L, Type: entityType}, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	winner := matches[0]

	if winner.ID == created.ID {
		return Result{EntityID: created.ID, IsNew: true, Label: L, Type: entityType}, nil
	}

	if delErr := e.api.DeleteEntity(ctx, created.ID); delErr != nil {
		e.log.Warn("check-create: best-effort delete of loser failed", "entity_id", created.ID, "error", delErr)
	}
	return Result{EntityID: winner.ID, IsNew: false, Label: L, Type: entityType}, nil
}

func (e *Engine) lookup(ctx context.Context, collection, label, entityType string, limit int) ([]graph.LookupMatch, error) {
	return e.api.Lookup(ctx, collection, label, entityType, limit)
}

// BatchCheckCreate deduplicates entries by (type, normalized label) and runs
// CheckCreate for each distinct one with a concurrency ceiling of 20
// in-flight requests. A create failure anywhere in the batch is fatal to
// the whole batch, matching the per-entity failure policy.
func (e *Engine) BatchCheckCreate(ctx context.Context, collection string, entries []Entry) (map[string]Result, error) {
	type keyed struct {
		key   string
		entry Entry
	}
	dedup := make(map[string]keyed)
	for _, entry := range entries {
		k := Key(entry.Type, entry.Label)
		if _, exists := dedup[k]; exists {
			continue
		}
		dedup[k] = keyed{key: k, entry: entry}
	}

	results := make(map[string]Result, len(dedup))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, kv := range dedup {
		kv := kv
		g.Go(func() error {
			res, err := e.CheckCreate(gctx, collection, kv.entry.Label, kv.entry.Type)
			if err != nil {
				return err
			}
			mu.Lock()
			results[kv.key] = res
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
