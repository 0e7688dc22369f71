package types

import "time"

// RelationshipType classifies a directed edge between two memory records.
type RelationshipType string

const (
	// RelationContinuation marks the source as a follow-up of the target.
	RelationContinuation RelationshipType = "continuation"

	// RelationReference marks the source as citing the target.
	RelationReference RelationshipType = "reference"

	// RelationRelated marks a generic topical connection.
	RelationRelated RelationshipType = "related"

	// RelationSupersedes marks the source as replacing the target. Superseding
	// edges are stored separately from all other types.
	RelationSupersedes RelationshipType = "supersedes"

	// RelationContradiction marks the source as conflicting with the target.
	RelationContradiction RelationshipType = "contradiction"
)

// ValidRelationshipTypes is a slice of all valid relationship types for validation.
var ValidRelationshipTypes = []RelationshipType{
	RelationContinuation,
	RelationReference,
	RelationRelated,
	RelationSupersedes,
	RelationContradiction,
}

// IsValidRelationshipType checks if the given relationship type is valid.
func IsValidRelationshipType(t RelationshipType) bool {
	for _, valid := range ValidRelationshipTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// MaxStrengthSlack is how far strength may exceed confidence before the edge
// is rejected (strength <= confidence + MaxStrengthSlack).
const MaxStrengthSlack = 0.3

// Relationship is a typed, directed, weighted edge owned by its source
// memory. The uniqueness key per memory is (Type, TargetMemoryID): a second
// write with the same key updates the edge in place, keeping the higher
// confidence and strength.
type Relationship struct {
	ID string `json:"id"` // Unique identifier (format: rel:uuid)

	Type RelationshipType `json:"type"`

	// TargetMemoryID is absent only transiently during extraction; stored
	// edges must reference an existing record in the same namespace.
	TargetMemoryID string `json:"target_memory_id,omitempty"`

	Confidence float64 `json:"confidence"` // 0.0-1.0
	Strength   float64 `json:"strength"`   // 0.0-1.0, at most Confidence+MaxStrengthSlack

	Reason  string `json:"reason"`  // Why the edge exists (>= 10 chars)
	Context string `json:"context"` // Where it was observed (>= 5 chars)

	Entities []string `json:"entities,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the per-memory uniqueness key for the edge.
func (r *Relationship) Key() string {
	return string(r.Type) + ":" + r.TargetMemoryID
}

// Quality returns the ranking score used by conflict resolution:
// confidence weighted 0.6, strength weighted 0.4.
func (r *Relationship) Quality() float64 {
	return r.Confidence*0.6 + r.Strength*0.4
}

// RankScore returns the relevance ordering score used by the query engine.
func (r *Relationship) RankScore() float64 {
	return (r.Strength + r.Confidence) / 2
}

// RelationshipOp names a mutation in a batched relationship update.
type RelationshipOp string

const (
	RelationshipOpAdd    RelationshipOp = "add"    // Merge-or-append semantics
	RelationshipOpUpdate RelationshipOp = "update" // Replace by key, error if absent
	RelationshipOpRemove RelationshipOp = "remove" // Delete by key, no-op if absent
)

// RelationshipChange pairs an edge with the operation to apply to it.
type RelationshipChange struct {
	Relationship Relationship   `json:"relationship"`
	Operation    RelationshipOp `json:"operation"`
}

// InvalidRelationship pairs a rejected edge with its field-level violations.
// Malformed edges are collected rather than aborting the whole batch.
type InvalidRelationship struct {
	Relationship Relationship `json:"relationship"`
	Errors       []string     `json:"errors"`
}

// ConflictType categorizes a graph-level relationship conflict.
type ConflictType string

const (
	// ConflictContradictoryTypes flags a CONTRADICTION and a CONTINUATION
	// edge coexisting for the same target.
	ConflictContradictoryTypes ConflictType = "contradictory_types"

	// ConflictDuplicateSupersedes flags more than one SUPERSEDES edge to the
	// same target.
	ConflictDuplicateSupersedes ConflictType = "duplicate_supersedes"

	// ConflictConfidenceSpread flags a confidence spread above 0.5 within a
	// target group.
	ConflictConfidenceSpread ConflictType = "confidence_spread"

	// ConflictDiscardedLowQuality records edges dropped by resolution so the
	// discard itself is auditable.
	ConflictDiscardedLowQuality ConflictType = "discarded_low_quality"
)

// RelationshipConflict describes a detected or resolved conflict within a
// memory's edge list.
type RelationshipConflict struct {
	Type            ConflictType `json:"type"`
	TargetMemoryID  string       `json:"target_memory_id"`
	Description     string       `json:"description"`
	RelationshipIDs []string     `json:"relationship_ids,omitempty"`
}

// RelatedMemory is a query result: a connected memory with the edges that
// connect it and the direction they run in.
type RelatedMemory struct {
	Memory        *MemoryRecord  `json:"memory"`
	Relationships []Relationship `json:"relationships"`
	Direction     string         `json:"direction"` // "outgoing" or "incoming"
	MatchReason   string         `json:"match_reason,omitempty"`
}
