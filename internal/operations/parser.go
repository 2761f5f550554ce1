// Package operations validates and classifies the LLM's raw JSON output
// into the three operation variants the rest of the pipeline consumes.
package operations

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the three operation variants accepted by the parser.
type Kind string

const (
	KindCreate          Kind = "create"
	KindAddRelationship Kind = "add_relationship"
	KindAddProperty     Kind = "add_property" // legacy, compatibility form
)

// Create is a request to materialize a new entity.
type Create struct {
	Label       string            `json:"label"`
	EntityType  string            `json:"entity_type"`
	Description string            `json:"description"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// AddRelationship is a request to connect two (possibly not-yet-created)
// entities by label, optionally carrying the source quote span.
type AddRelationship struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Target      string `json:"target"`
	Description string `json:"description"`
	QuoteStart  string `json:"quote_start,omitempty"`
	QuoteEnd    string `json:"quote_end,omitempty"`
}

// AddProperty is the legacy minimal-shape operation kept for robustness
// against model prompt regressions; it is accepted alongside create and
// add_relationship, never dropped just for being the older form.
type AddProperty struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// ParsedOperations is the parser's output: three operation lists plus any
// non-fatal warnings raised while validating individual entries.
type ParsedOperations struct {
	Creates       []Create
	Properties    []AddProperty
	Relationships []AddRelationship
	Warnings      []string
}

type rawOp struct {
	Type        Kind              `json:"type"`
	Label       *string           `json:"label"`
	EntityType  *string           `json:"entity_type"`
	Description *string           `json:"description"`
	Properties  map[string]string `json:"properties"`
	Subject     *string           `json:"subject"`
	Predicate   *string           `json:"predicate"`
	Target      *string           `json:"target"`
	QuoteStart  *string           `json:"quote_start"`
	QuoteEnd    *string           `json:"quote_end"`
	Entity      *string           `json:"entity"`
	Key         *string           `json:"key"`
	Value       *string           `json:"value"`
}

type operationsEnvelope struct {
	Operations []json.RawMessage `json:"operations"`
}

// maxErrExcerpt bounds how much of a malformed response is echoed back in a
// parse-failure error.
const maxErrExcerpt = 500

// Parse accepts either a bare JSON array of operations or an object with an
// "operations" array, validates each entry, and classifies it into one of
// the three operation variants. A JSON-parse failure is fatal; an
// individual operation that fails validation (missing required field, wrong
// type, or an unrecognized "type") is dropped with a warning, never fatal.
func Parse(raw string) (ParsedOperations, error) {
	entries, err := unwrap(raw)
	if err != nil {
		excerpt := raw
		if len(excerpt) > maxErrExcerpt {
			excerpt = excerpt[:maxErrExcerpt]
		}
		return ParsedOperations{}, fmt.Errorf("operations: invalid JSON: %w; first %d chars: %s", err, maxErrExcerpt, excerpt)
	}

	var out ParsedOperations
	for i, entry := range entries {
		var op rawOp
		if err := json.Unmarshal(entry, &op); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("operation %d: malformed entry, skipped: %v", i, err))
			continue
		}

		switch op.Type {
		case KindCreate:
			c, warn, ok := validateCreate(op)
			if warn != "" {
				out.Warnings = append(out.Warnings, warn)
			}
			if ok {
				out.Creates = append(out.Creates, c)
			}
		case KindAddRelationship:
			r, warn, ok := validateAddRelationship(op)
			if warn != "" {
				out.Warnings = append(out.Warnings, warn)
			}
			if ok {
				out.Relationships = append(out.Relationships, r)
			}
		case KindAddProperty:
			p, ok := validateAddProperty(op)
			if ok {
				out.Properties = append(out.Properties, p)
			} else {
				out.Warnings = append(out.Warnings, fmt.Sprintf("operation %d: add_property missing required fields, skipped", i))
			}
		default:
			out.Warnings = append(out.Warnings, fmt.Sprintf("operation %d: unrecognized type %q, skipped", i, op.Type))
		}
	}
	return out, nil
}

func unwrap(raw string) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr, nil
	}
	var env operationsEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return env.Operations, nil
}

func validateCreate(op rawOp) (Create, string, bool) {
	if !nonEmpty(op.Label) || !nonEmpty(op.EntityType) || !nonEmpty(op.Description) {
		return Create{}, "create: missing required field (label/entity_type/description), skipped", false
	}
	c := Create{
		Label:       *op.Label,
		EntityType:  *op.EntityType,
		Description: *op.Description,
		Properties:  op.Properties,
	}
	var warn string
	if len(c.Properties) < 2 {
		warn = fmt.Sprintf("create %q: fewer than two properties provided", c.Label)
	}
	return c, warn, true
}

func validateAddRelationship(op rawOp) (AddRelationship, string, bool) {
	if !nonEmpty(op.Subject) || !nonEmpty(op.Predicate) || !nonEmpty(op.Target) || !nonEmpty(op.Description) {
		return AddRelationship{}, "add_relationship: missing required field, skipped", false
	}
	r := AddRelationship{
		Subject:     *op.Subject,
		Predicate:   *op.Predicate,
		Target:      *op.Target,
		Description: *op.Description,
	}
	if op.QuoteStart != nil {
		r.QuoteStart = *op.QuoteStart
	}
	if op.QuoteEnd != nil {
		r.QuoteEnd = *op.QuoteEnd
	}
	return r, "", true
}

func validateAddProperty(op rawOp) (AddProperty, bool) {
	if !nonEmpty(op.Entity) || !nonEmpty(op.Key) || !nonEmpty(op.Value) {
		return AddProperty{}, false
	}
	return AddProperty{Entity: *op.Entity, Key: *op.Key, Value: *op.Value}, true
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

// CollectReferencedLabels returns the union of every label that appears as
// a create target or as a subject/target/entity in any other operation,
// in first-seen order.
func CollectReferencedLabels(parsed ParsedOperations) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(label string) {
		if label == "" {
			return
		}
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}

	for _, c := range parsed.Creates {
		add(c.Label)
	}
	for _, r := range parsed.Relationships {
		add(r.Subject)
		add(r.Target)
	}
	for _, p := range parsed.Properties {
		add(p.Entity)
	}
	return out
}
