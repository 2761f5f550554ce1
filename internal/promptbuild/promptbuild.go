// Package promptbuild composes the system and user prompts sent to the LLM
// client from a chunk's resolved entity context.
package promptbuild

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rhizalabs/kg-extractor/internal/graph"
)

const systemPrompt = `You are an information extraction engine for a knowledge graph.
Given the text of one document chunk and a description of the entity it
belongs to, emit a JSON array of operations describing the entities,
properties, and relationships you find in the text.

Each operation is one of:
  {"type":"create","label":"...","entity_type":"...","description":"...","properties":{"k":"v", ...}}
  {"type":"add_relationship","subject":"...","predicate":"...","target":"...","description":"...","quote_start":"...","quote_end":"..."}

Rules:
- label, entity_type, description are required for create.
- subject, predicate, target, description are required for add_relationship.
- quote_start and quote_end, when present, must each be a short (a few word)
  verbatim substring of the chunk text that brackets the evidence for the
  relationship; do not paraphrase them.
- Prefer specific entity_type values over the generic "entity".
- Respond with a JSON array or an object of the shape {"operations": [...]},
  and nothing else.`

// EntityContext describes the chunk being processed and the entity it is
// attached to in the graph, the input to BuildUserPrompt.
type EntityContext struct {
	EntityID      string
	EntityType    string
	Label         string
	Description   string
	Properties    map[string]any
	Relationships []graph.RelationshipPreview
	ChunkText     string

	// ExtractionInstructions is an optional caller-supplied steer, threaded
	// in from the job's host-specific workflow context. When empty, the
	// base prompt is unaugmented.
	ExtractionInstructions string
}

// SystemPrompt returns the fixed extraction-engine system instruction.
func SystemPrompt() string {
	return systemPrompt
}

// BuildUserPrompt renders the entity context and chunk text into the user
// prompt, appending ExtractionInstructions as a distinct section when set.
func BuildUserPrompt(ctx EntityContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Entity: %s (id=%s, type=%s)\n", ctx.Label, ctx.EntityID, ctx.EntityType)
	if ctx.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", ctx.Description)
	}

	if len(ctx.Properties) > 0 {
		b.WriteString("Properties:\n")
		keys := make([]string, 0, len(ctx.Properties))
		for k := range ctx.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, ctx.Properties[k])
		}
	}

	if len(ctx.Relationships) > 0 {
		b.WriteString("Known relationships:\n")
		for _, r := range ctx.Relationships {
			peer := r.PeerLabel
			if peer == "" {
				peer = r.Peer
			}
			fmt.Fprintf(&b, "  %s %s %s (%s)\n", ctx.Label, r.Predicate, peer, r.Direction)
		}
	}

	if ctx.ExtractionInstructions != "" {
		fmt.Fprintf(&b, "\nAdditional extraction instructions:\n%s\n", ctx.ExtractionInstructions)
	}

	b.WriteString("\nChunk text:\n")
	b.WriteString(ctx.ChunkText)

	return b.String()
}
