// Package updatebuilder turns parsed operations and check-create results
// into the additive-update batch the pipeline orchestrator fires at the
// graph service. It never mutates the graph itself.
package updatebuilder

import (
	"sort"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/checkcreate"
	"github.com/rhizalabs/kg-extractor/internal/graph"
	"github.com/rhizalabs/kg-extractor/internal/normalize"
	"github.com/rhizalabs/kg-extractor/internal/operations"
	"github.com/rhizalabs/kg-extractor/internal/quote"
)

const defaultConfidence = 1.0

// Input bundles everything the update builder needs for one chunk.
type Input struct {
	Parsed operations.ParsedOperations

	// EntityByLabel maps normalize(label) to the entity id that label
	// resolved to, across both explicit creates and the auto-appended
	// generic creates for referenced-but-undeclared labels.
	EntityByLabel map[string]string

	// CheckCreateResults is the full set of check-create outcomes for this
	// chunk, used to build the source-chunk backlinks in step 6.
	CheckCreateResults []checkcreate.Result

	Source       graph.SourceRef
	ChunkID      string
	ChunkText    string
	CollectionID string

	// Now overrides the provenance timestamp; tests set this, production
	// callers leave it zero and time.Now() is used.
	Now time.Time
}

type firstReference struct {
	subjectID string
	predicate string
}

// Build runs the seven-step update-building algorithm and returns the
// additive-update batch, unsplit. Callers split at graph.MaxAdditiveBatch
// before posting.
func Build(in Input) []graph.AdditiveUpdate {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	extractedAt := now.Format(time.RFC3339)

	byEntity := make(map[string]*graph.AdditiveUpdate)
	touch := func(id string) *graph.AdditiveUpdate {
		u, ok := byEntity[id]
		if !ok {
			u = &graph.AdditiveUpdate{EntityID: id}
			byEntity[id] = u
		}
		return u
	}

	// Step 2: add_property
	for _, p := range in.Parsed.Properties {
		id, ok := in.EntityByLabel[normalize.Label(p.Entity)]
		if !ok {
			continue
		}
		u := touch(id)
		if u.Properties == nil {
			u.Properties = make(map[string]any)
		}
		u.Properties[p.Key] = p.Value
	}

	// Step 3: add_relationship
	subjects := make(map[string]struct{})
	referencedTargets := make(map[string]firstReference)
	for _, r := range in.Parsed.Relationships {
		subjectID, subjectOK := in.EntityByLabel[normalize.Label(r.Subject)]
		targetID, targetOK := in.EntityByLabel[normalize.Label(r.Target)]
		if !subjectOK || !targetOK {
			continue
		}
		subjects[subjectID] = struct{}{}

		props := map[string]any{
			"description": r.Description,
			"source":      in.Source,
			"confidence":  defaultConfidence,
		}
		if r.QuoteStart != "" && r.QuoteEnd != "" {
			if span, ok := quote.Extract(in.ChunkText, r.QuoteStart, r.QuoteEnd); ok {
				props["source_text"] = span
			}
		}

		u := touch(subjectID)
		u.RelationshipsAdd = append(u.RelationshipsAdd, graph.RelationshipAdd{
			Predicate:  r.Predicate,
			Peer:       targetID,
			PeerLabel:  r.Target,
			Direction:  "outgoing",
			Properties: props,
		})

		if _, seen := referencedTargets[targetID]; !seen {
			referencedTargets[targetID] = firstReference{subjectID: subjectID, predicate: r.Predicate}
		}
	}

	// Step 4: orphan attachment
	for targetID, ref := range referencedTargets {
		if _, isSubject := subjects[targetID]; isSubject {
			continue
		}
		u := touch(targetID)
		u.RelationshipsAdd = append(u.RelationshipsAdd, graph.RelationshipAdd{
			Predicate: "referenced_by",
			Peer:      ref.subjectID,
			Direction: "outgoing",
			Properties: map[string]any{
				"context": ref.predicate,
			},
		})
	}

	// Step 5: provenance edge, for every entity resolved this chunk. A
	// create-only entity with no property or relationship op still needs
	// its extracted_from edge, so seed byEntity before walking it.
	for _, id := range in.EntityByLabel {
		touch(id)
	}
	for id, u := range byEntity {
		_ = id
		u.RelationshipsAdd = append(u.RelationshipsAdd, graph.RelationshipAdd{
			Predicate: "extracted_from",
			Peer:      in.ChunkID,
			Direction: "outgoing",
			Properties: map[string]any{
				"extracted_at": extractedAt,
				"source":       in.Source,
			},
		})
	}

	out := make([]graph.AdditiveUpdate, 0, len(byEntity)+2)
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, *byEntity[id])
	}

	// Step 6: source backlinks
	if len(in.CheckCreateResults) > 0 {
		backlink := graph.AdditiveUpdate{EntityID: in.ChunkID}
		for _, r := range in.CheckCreateResults {
			backlink.RelationshipsAdd = append(backlink.RelationshipsAdd, graph.RelationshipAdd{
				Predicate: "extracted_entity",
				Peer:      r.EntityID,
				PeerLabel: r.Label,
				Direction: "outgoing",
				Properties: map[string]any{
					"extracted_at": extractedAt,
					"entity_type":  r.Type,
				},
			})
		}
		out = append(out, backlink)
	}

	// Step 7: collection audit
	if in.CollectionID != "" {
		out = append(out, graph.AdditiveUpdate{
			EntityID: in.CollectionID,
			RelationshipsAdd: []graph.RelationshipAdd{
				{
					Predicate: "contains",
					Peer:      in.ChunkID,
					Direction: "outgoing",
					Properties: map[string]any{
						"relationship_type": "processed_chunk",
						"processed_at":      extractedAt,
					},
				},
			},
		})
	}

	return out
}
