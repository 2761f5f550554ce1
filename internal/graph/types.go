// Package graph is a thin client over the external graph service's REST
// API. The graph service itself (entity CRUD, lookup, batch additive
// update, collection semantics) is out of scope for this worker; only its
// interface is implemented here.
package graph

import "time"

// SourceRef identifies the chunk a piece of extracted data came from. It is
// embedded in every provenance property block this worker writes.
type SourceRef struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Entity mirrors the graph service's entity representation, expanded with
// relationship previews when fetched via GetEntity.
type Entity struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Properties    map[string]any         `json:"properties"`
	Relationships []RelationshipPreview  `json:"relationships,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// RelationshipPreview is a relationship as returned inline on a fetched
// entity, with an optional summary of the peer entity.
type RelationshipPreview struct {
	Predicate  string         `json:"predicate"`
	Peer       string         `json:"peer"`
	Direction  string         `json:"direction"`
	PeerLabel  string         `json:"peer_label,omitempty"`
	PeerPreview map[string]any `json:"peer_preview,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// LookupMatch is one hit from a label/type lookup.
type LookupMatch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatedEntity is the graph service's response to a create request.
type CreatedEntity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RelationshipAdd is one edge appended by an additive update.
type RelationshipAdd struct {
	Predicate  string         `json:"predicate"`
	Peer       string         `json:"peer"`
	PeerLabel  string         `json:"peer_label,omitempty"`
	Direction  string         `json:"direction"`
	Properties map[string]any `json:"properties,omitempty"`
}

// AdditiveUpdate is the wire shape for the graph service's batch additive
// update endpoint: it merges properties and upserts relationships by
// (entity, predicate, peer). It never removes existing state.
type AdditiveUpdate struct {
	EntityID         string            `json:"entity_id"`
	Properties       map[string]any    `json:"properties,omitempty"`
	RelationshipsAdd []RelationshipAdd `json:"relationships_add,omitempty"`
}
