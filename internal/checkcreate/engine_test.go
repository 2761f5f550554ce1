package checkcreate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/graph"
	"github.com/rhizalabs/kg-extractor/internal/normalize"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

// fakeGraph is an in-memory stand-in for the graph service, good enough to
// exercise the race-resolution algorithm deterministically.
type fakeGraph struct {
	mu          sync.Mutex
	nextID      int
	nextCreated time.Time
	entities    map[string]fakeEntity // id -> entity
	lookupCalls int
	createCalls int
	deleteCalls int
	failLookup  bool
	// missLookups makes the next N Lookup calls return no matches, as a
	// lagging index would.
	missLookups int
}

type fakeEntity struct {
	id         string
	entityType string
	label      string
	createdAt  time.Time
	deleted    bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		entities:    make(map[string]fakeEntity),
		nextCreated: time.Unix(1700000000, 0),
	}
}

func (f *fakeGraph) Lookup(ctx context.Context, collection, label, entityType string, limit int) ([]graph.LookupMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.failLookup {
		return nil, fmt.Errorf("lookup: simulated failure")
	}
	if f.missLookups > 0 {
		f.missLookups--
		return nil, nil
	}
	var out []graph.LookupMatch
	for _, e := range f.entities {
		if e.deleted || e.entityType != entityType || e.label != label {
			continue
		}
		out = append(out, graph.LookupMatch{ID: e.id, CreatedAt: e.createdAt})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeGraph) CreateEntity(ctx context.Context, entityType, collection string, properties map[string]any, syncIndex bool) (graph.CreatedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextID++
	id := fmt.Sprintf("e%d", f.nextID)
	createdAt := f.nextCreated
	f.nextCreated = f.nextCreated.Add(time.Millisecond)
	label, _ := properties["label"].(string)
	f.entities[id] = fakeEntity{id: id, entityType: entityType, label: label, createdAt: createdAt}
	return graph.CreatedEntity{ID: id, CreatedAt: createdAt}, nil
}

func (f *fakeGraph) DeleteEntity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	e, ok := f.entities[id]
	if !ok {
		return fmt.Errorf("delete: unknown id %s", id)
	}
	e.deleted = true
	f.entities[id] = e
	return nil
}

func testEngine(t *testing.T, api GraphAPI) *Engine {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	e := New(api, log)
	// Keep settle/retry delays fast for tests.
	e.settleBase = time.Millisecond
	e.settleJitter = time.Millisecond
	e.retryBase = time.Millisecond
	e.retryJitter = time.Millisecond
	return e
}

func TestCheckCreateSoleCreator(t *testing.T) {
	fg := newFakeGraph()
	e := testEngine(t, fg)

	res, err := e.CheckCreate(context.Background(), "col1", "Captain Ahab", "person")
	if err != nil {
		t.Fatalf("CheckCreate: %v", err)
	}
	if !res.IsNew {
		t.Fatalf("expected IsNew=true for sole creator")
	}
	if res.Label != normalize.Label("Captain Ahab") {
		t.Fatalf("expected normalized label, got %q", res.Label)
	}
}

func TestCheckCreatePreexistingMatchShortCircuits(t *testing.T) {
	fg := newFakeGraph()
	fg.entities["existing"] = fakeEntity{id: "existing", entityType: "person", label: "captain ahab", createdAt: time.Now()}
	e := testEngine(t, fg)

	res, err := e.CheckCreate(context.Background(), "col1", "Captain Ahab", "person")
	if err != nil {
		t.Fatalf("CheckCreate: %v", err)
	}
	if res.IsNew {
		t.Fatalf("expected IsNew=false for a preexisting match")
	}
	if res.EntityID != "existing" {
		t.Fatalf("expected existing id, got %s", res.EntityID)
	}
	if fg.lookupCalls != 1 {
		t.Fatalf("expected exactly 1 lookup call, got %d", fg.lookupCalls)
	}
	if fg.createCalls != 0 {
		t.Fatalf("expected no create call, got %d", fg.createCalls)
	}
}

// TestCheckCreateRaceDeterministicWinner simulates the race: two entities
// with the same (label, type) already visible by the time Lookup-N runs
// (as if two concurrent workers both created). The earlier created_at wins,
// and the loser is deleted.
func TestCheckCreateRaceDeterministicWinner(t *testing.T) {
	fg := newFakeGraph()
	// Seed a peer that "won" the race (created earlier) so it appears
	// alongside our own create at Lookup-N time. Lookup-1 misses it, as if
	// the index had not caught up yet, so this call goes on to create.
	fg.entities["peer"] = fakeEntity{id: "peer", entityType: "person", label: "queequeg", createdAt: time.Unix(1699999999, 0)}
	fg.missLookups = 1
	e := testEngine(t, fg)

	res, err := e.CheckCreate(context.Background(), "col1", "Queequeg", "person")
	if err != nil {
		t.Fatalf("CheckCreate: %v", err)
	}
	if res.IsNew {
		t.Fatalf("expected to lose the race (peer created earlier)")
	}
	if res.EntityID != "peer" {
		t.Fatalf("expected peer to win, got %s", res.EntityID)
	}
	if fg.deleteCalls != 1 {
		t.Fatalf("expected our losing create to be deleted, got %d deletes", fg.deleteCalls)
	}
}

func TestCheckCreateLookupFailureTreatedAsNotFound(t *testing.T) {
	fg := newFakeGraph()
	fg.failLookup = true
	e := testEngine(t, fg)

	res, err := e.CheckCreate(context.Background(), "col1", "Starbuck", "person")
	if err != nil {
		t.Fatalf("expected lookup failure to be non-fatal, got %v", err)
	}
	if !res.IsNew {
		t.Fatalf("expected a create to proceed despite lookup failures")
	}
}

func TestBatchCheckCreateDedupesAndBounds(t *testing.T) {
	fg := newFakeGraph()
	e := testEngine(t, fg)

	entries := []Entry{
		{Label: "Captain Ahab", Type: "person"},
		{Label: "captain   ahab", Type: "person"}, // dupe after normalization
		{Label: "Queequeg", Type: "person"},
	}
	results, err := e.BatchCheckCreate(context.Background(), "col1", entries)
	if err != nil {
		t.Fatalf("BatchCheckCreate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 distinct results after dedup, got %d", len(results))
	}
	if fg.createCalls != 2 {
		t.Fatalf("expected exactly 2 creates after dedup, got %d", fg.createCalls)
	}
}

// TestCheckCreateConcurrentRace runs many concurrent CheckCreate calls for
// the same (label, type) against one fake graph and asserts exactly one
// survivor and at most one IsNew=true, property P2.
func TestCheckCreateConcurrentRace(t *testing.T) {
	fg := newFakeGraph()
	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := testEngine(t, fg)
			res, err := e.CheckCreate(context.Background(), "col1", "Moby Dick", "whale")
			if err != nil {
				t.Errorf("CheckCreate: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	newCount := 0
	survivors := make(map[string]struct{})
	for _, r := range results {
		if r.IsNew {
			newCount++
		}
		survivors[r.EntityID] = struct{}{}
	}
	if newCount > 1 {
		t.Fatalf("expected at most one IsNew=true, got %d", newCount)
	}
	if len(survivors) != 1 {
		t.Fatalf("expected exactly one surviving entity id across all callers, got %v", survivors)
	}
}
