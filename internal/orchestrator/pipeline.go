// Package orchestrator sequences the extraction job's steps: fetch the
// target chunk, call the LLM, parse its output, deduplicate entities
// against the graph, build additive updates, and hand off the newly
// created entity ids. It is registered as a runtime.Handler under job type
// "extract_entities", grounded on the teacher's
// internal/jobs/pipeline/concept_graph_build/pipeline.go Run shape,
// including its heartbeat-ticker pattern.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhizalabs/kg-extractor/internal/checkcreate"
	"github.com/rhizalabs/kg-extractor/internal/graph"
	"github.com/rhizalabs/kg-extractor/internal/jobs/runtime"
	"github.com/rhizalabs/kg-extractor/internal/llm"
	"github.com/rhizalabs/kg-extractor/internal/normalize"
	"github.com/rhizalabs/kg-extractor/internal/observability"
	"github.com/rhizalabs/kg-extractor/internal/operations"
	"github.com/rhizalabs/kg-extractor/internal/platform/ctxutil"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
	"github.com/rhizalabs/kg-extractor/internal/promptbuild"
	"github.com/rhizalabs/kg-extractor/internal/updatebuilder"
)

// tracer spans the pipeline's seven steps: fetch, validate, extract,
// parse, dedupe, update, handoff.
var tracer = observability.Tracer("github.com/rhizalabs/kg-extractor/internal/orchestrator")

// startSpan begins a child span under ctx and returns a func that records
// err (if non-nil) and ends the span. Callers defer the returned func.
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

const (
	// JobType is the job_type this Pipeline registers under.
	JobType = "extract_entities"

	minTextLen     = 50
	maxTextLen     = 500 * 1024
	warnTextLen    = 100 * 1024
	heartbeatEvery = 20 * time.Second

	genericEntityType = "entity"
)

// GraphAPI is the graph service surface the orchestrator needs, beyond
// checkcreate.GraphAPI's entity CRUD/lookup.
type GraphAPI interface {
	checkcreate.GraphAPI
	GetEntity(ctx context.Context, id string) (*graph.Entity, error)
	GetContent(ctx context.Context, id string) (string, error)
	PostAdditiveUpdates(ctx context.Context, updates []graph.AdditiveUpdate) (int, error)
}

// LLMAPI is the subset of llm.Client the orchestrator calls.
type LLMAPI interface {
	Call(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CallOption) (llm.Result, error)
}

// Pipeline implements runtime.Handler for job type "extract_entities".
type Pipeline struct {
	graph       GraphAPI
	llmClient   LLMAPI
	checkCreate *checkcreate.Engine
	log         *logger.Logger
}

// New builds a Pipeline. api and llmClient must not be nil.
func New(api GraphAPI, llmClient LLMAPI, log *logger.Logger) *Pipeline {
	return &Pipeline{
		graph:       api,
		llmClient:   llmClient,
		checkCreate: checkcreate.New(api, log),
		log:         log.With("component", "Pipeline"),
	}
}

// WithCheckCreateConcurrency overrides the check-create batch concurrency
// ceiling, wiring config.Config.CheckCreateConcurrency through to the
// underlying engine.
func (p *Pipeline) WithCheckCreateConcurrency(n int) *Pipeline {
	p.checkCreate.WithConcurrency(n)
	return p
}

// Type satisfies runtime.Handler.
func (p *Pipeline) Type() string { return JobType }

// Run satisfies runtime.Handler. It never returns a non-nil error; every
// failure is reported through jc.Fail so the poll loop's panic-recovery
// path and dispatch-failure path stay the only other error sources.
func (p *Pipeline) Run(jc *runtime.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	job := jc.Job

	// Step 1: fetch target.
	if job.TargetEntity == "" {
		jc.Fail("validate", fmt.Errorf("missing target_entity"))
		return nil
	}
	traceData := &ctxutil.TraceData{TraceID: uuid.NewString(), RequestID: job.JobID}

	rootCtx, rootSpan := tracer.Start(jc.Ctx, "orchestrator.extract_entities", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("job.target_entity", job.TargetEntity),
	))
	defer rootSpan.End()
	tracedCtx := ctxutil.WithTraceData(rootCtx, traceData)

	jc.Progress("fetch", 5, "fetching target entity")
	fetchCtx, endFetch := startSpan(tracedCtx, "fetch_target")
	entity, err := p.graph.GetEntity(fetchCtx, job.TargetEntity)
	endFetch(err)
	if err != nil {
		jc.Fail("fetch", fmt.Errorf("fetch target entity: %w", err))
		return nil
	}

	// Step 2: resolve text.
	validateCtx, endValidate := startSpan(tracedCtx, "resolve_text")
	text, err := p.resolveText(validateCtx, entity)
	if err == nil {
		if len(text) < minTextLen {
			err = fmt.Errorf("chunk text too short: %d bytes, need at least %d", len(text), minTextLen)
		} else if len(text) > maxTextLen {
			err = fmt.Errorf("chunk text too large: %d bytes, max %d", len(text), maxTextLen)
		}
	}
	endValidate(err)
	if err != nil {
		jc.Fail("validate", err)
		return nil
	}
	if len(text) > warnTextLen {
		p.log.Warn("chunk text is large", "job_id", job.JobID, "bytes", len(text))
	}

	// Step 3: build context, call the LLM.
	jc.Progress("extract", 15, "calling LLM")
	stopHeartbeat := p.startHeartbeat(jc, "extract", 15)
	entityLabel := stringProp(entity.Properties, "label")
	if entityLabel == "" {
		entityLabel = job.TargetEntity
	}
	entityCtx := promptbuild.EntityContext{
		EntityID:               entity.ID,
		EntityType:             entity.Type,
		Label:                  entityLabel,
		Description:            stringProp(entity.Properties, "description"),
		Properties:             entity.Properties,
		Relationships:          entity.Relationships,
		ChunkText:              text,
		ExtractionInstructions: jc.RhizaString("extraction_instructions"),
	}
	extractCtx, endExtract := startSpan(tracedCtx, "extract_llm_call")
	result, err := p.llmClient.Call(extractCtx, promptbuild.SystemPrompt(), promptbuild.BuildUserPrompt(entityCtx), llm.WithTemperature(jc.RhizaFloat64("temperature_override")))
	endExtract(err)
	stopHeartbeat()
	if err != nil {
		jc.Fail("extract", fmt.Errorf("llm call: %w", err))
		return nil
	}
	p.log.Info("llm call complete", "job_id", job.JobID, "prompt_tokens", result.PromptTokens, "completion_tokens", result.CompletionTokens, "cost_total", result.Cost.TotalCost)

	// Step 4: parse operations, auto-append generic creates for
	// referenced-but-undeclared labels.
	_, endParse := startSpan(tracedCtx, "parse_operations")
	parsed, err := operations.Parse(result.Content)
	endParse(err)
	if err != nil {
		jc.Fail("parse", err)
		return nil
	}
	for _, w := range parsed.Warnings {
		p.log.Warn("operation validation warning", "job_id", job.JobID, "warning", w)
	}
	parsed = appendGenericCreates(parsed)

	if len(parsed.Creates) == 0 {
		p.log.Info("empty extraction, no creates", "job_id", job.JobID)
		jc.Succeed("done", []string{})
		return nil
	}

	// Step 5: batch check-create.
	jc.Progress("dedupe", 50, "resolving entities against the graph")
	stopHeartbeat = p.startHeartbeat(jc, "dedupe", 50)
	entries := make([]checkcreate.Entry, 0, len(parsed.Creates))
	for _, c := range parsed.Creates {
		entries = append(entries, checkcreate.Entry{Label: c.Label, Type: c.EntityType})
	}
	dedupeCtx, endDedupe := startSpan(tracedCtx, "dedupe_check_create")
	results, err := p.checkCreate.BatchCheckCreate(dedupeCtx, job.TargetCollection, entries)
	endDedupe(err)
	stopHeartbeat()
	if err != nil {
		jc.Fail("dedupe", fmt.Errorf("batch check-create: %w", err))
		return nil
	}

	entityByLabel := make(map[string]string, len(results))
	ccResults := make([]checkcreate.Result, 0, len(results))
	for _, r := range results {
		entityByLabel[r.Label] = r.EntityID
		ccResults = append(ccResults, r)
	}

	// Step 6: build and fire updates, without awaiting.
	jc.Progress("update", 80, "building additive updates")
	_, endUpdate := startSpan(tracedCtx, "build_updates")
	source := graph.SourceRef{ID: job.TargetEntity, Type: entity.Type, Label: entityLabel}
	updates := updatebuilder.Build(updatebuilder.Input{
		Parsed:             parsed,
		EntityByLabel:      entityByLabel,
		CheckCreateResults: ccResults,
		Source:             source,
		ChunkID:            job.TargetEntity,
		ChunkText:           text,
		CollectionID:        job.JobCollection,
	})
	endUpdate(nil)
	p.fireUpdates(job.JobID, traceData, updates)

	// Step 7: handoff.
	_, endHandoff := startSpan(tracedCtx, "handoff")
	var newIDs []string
	for _, r := range results {
		if r.IsNew {
			newIDs = append(newIDs, r.EntityID)
		}
	}
	if newIDs == nil {
		newIDs = []string{}
	}
	endHandoff(nil)
	jc.Succeed("done", newIDs)
	return nil
}

func (p *Pipeline) resolveText(ctx context.Context, entity *graph.Entity) (string, error) {
	if t := stringProp(entity.Properties, "text"); t != "" {
		return t, nil
	}
	if c := stringProp(entity.Properties, "content"); c != "" {
		return c, nil
	}
	text, err := p.graph.GetContent(ctx, entity.ID)
	if err != nil {
		return "", fmt.Errorf("resolve text: %w", err)
	}
	return text, nil
}

func stringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}

// appendGenericCreates computes referenced_labels \ explicit_creates (keyed
// by normalized label) and appends a generic create for each, so that
// relationship targets the model forgot to declare still resolve to an id.
func appendGenericCreates(parsed operations.ParsedOperations) operations.ParsedOperations {
	explicit := make(map[string]struct{}, len(parsed.Creates))
	for _, c := range parsed.Creates {
		explicit[normalize.Label(c.Label)] = struct{}{}
	}

	referenced := operations.CollectReferencedLabels(parsed)
	seen := make(map[string]struct{})
	for _, label := range referenced {
		norm := normalize.Label(label)
		if norm == "" {
			continue
		}
		if _, ok := explicit[norm]; ok {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		parsed.Creates = append(parsed.Creates, operations.Create{
			Label:      norm,
			EntityType: genericEntityType,
		})
	}
	return parsed
}

// fireUpdates posts the additive-update batch in chunks of
// graph.MaxAdditiveBatch without awaiting completion; each batch's outcome
// is logged asynchronously as it resolves. It uses context.Background()
// carrying only the job's trace data, since the job's own context may be
// canceled (job done/worker shutdown) before these posts complete.
func (p *Pipeline) fireUpdates(jobID string, traceData *ctxutil.TraceData, updates []graph.AdditiveUpdate) {
	bgCtx := ctxutil.WithTraceData(context.Background(), traceData)
	for start := 0; start < len(updates); start += graph.MaxAdditiveBatch {
		end := start + graph.MaxAdditiveBatch
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]
		go func(batch []graph.AdditiveUpdate) {
			postCtx, endPost := startSpan(bgCtx, "post_additive_updates")
			accepted, err := p.graph.PostAdditiveUpdates(postCtx, batch)
			endPost(err)
			if err != nil {
				p.log.Warn("additive update batch failed", "job_id", jobID, "size", len(batch), "error", err)
				return
			}
			p.log.Info("additive update batch accepted", "job_id", jobID, "size", len(batch), "accepted", accepted)
		}(batch)
	}
}

// startHeartbeat starts a ticker that re-reports the given stage/pct every
// heartbeatEvery while a long-running step (LLM call, check-create batch)
// is in flight, so the host sees liveness during multi-second calls. The
// returned stop func is idempotent (sync.Once-guarded) and blocks until the
// ticker goroutine has exited, matching the teacher's
// close(stop)+wg.Wait() shutdown pattern.
func (p *Pipeline) startHeartbeat(jc *runtime.Context, stage string, pct int) func() {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(done)
		t := time.NewTicker(heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-jc.Ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C:
				jc.Progress(stage, pct, "still working")
			}
		}
	}()
	return func() {
		once.Do(func() { close(stopCh) })
		<-done
	}
}
