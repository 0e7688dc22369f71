// Package types defines the core data structures for the Memoria memory system:
// memory records, relationships, consolidation audit events, and the
// processing-state machine that tracks each record's lifecycle.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// MemoryRecord is the unit of storage. Records are namespace-isolated: every
// operation takes an explicit namespace, and cross-namespace references are
// invalid.
type MemoryRecord struct {
	// Core identification fields
	ID        string    `json:"id"`        // Unique identifier (format: mem:namespace:slug)
	Namespace string    `json:"namespace"` // Isolation key, required on every operation
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Content fields
	Content string `json:"content"`           // Searchable text
	Summary string `json:"summary,omitempty"` // Condensed form of the content
	Topic   string `json:"topic,omitempty"`   // Optional topic label

	// Classification
	Classification       Classification `json:"classification"`
	Importance           Importance     `json:"importance"`
	ClassificationReason string         `json:"classification_reason,omitempty"`
	ConfidenceScore      float64        `json:"confidence_score"` // 0.0-1.0

	// Extracted structure
	Entities []string `json:"entities,omitempty"` // Ordered set, first occurrence wins
	Keywords []string `json:"keywords,omitempty"` // Ordered set, first occurrence wins

	// Consolidation metadata (mutable)
	IsDuplicate          bool                 `json:"is_duplicate"`
	DuplicateOf          string               `json:"duplicate_of,omitempty"` // Must reference a record in the same namespace
	IsConsolidated       bool                 `json:"is_consolidated"`
	ConsolidatedInto     string               `json:"consolidated_into,omitempty"` // Excludes the record from future candidate pools
	ConsolidationHistory []ConsolidationEvent `json:"consolidation_history,omitempty"`
	LastConsolidatedAt   *time.Time           `json:"last_consolidated_at,omitempty"`

	// Relationship edges owned by this record. SUPERSEDES edges are kept
	// separate from all other types.
	GeneralRelationships     []Relationship `json:"general_relationships,omitempty"`
	SupersedingRelationships []Relationship `json:"superseding_relationships,omitempty"`

	// Lifecycle
	ProcessingState ProcessingState `json:"processing_state"`

	// Additional is a typed escape hatch for free-form metadata that has not
	// yet been promoted to a first-class field.
	Additional map[string]string `json:"additional,omitempty"`
}

// SearchText returns the text the similarity source and the duplicate
// detector operate on: content and summary joined by a single space.
func (m *MemoryRecord) SearchText() string {
	if m.Summary == "" {
		return m.Content
	}
	return m.Content + " " + m.Summary
}

// Relationships returns the combined edge list (general then superseding).
// The returned slice is freshly allocated; mutating it does not affect the record.
func (m *MemoryRecord) Relationships() []Relationship {
	combined := make([]Relationship, 0, len(m.GeneralRelationships)+len(m.SupersedingRelationships))
	combined = append(combined, m.GeneralRelationships...)
	combined = append(combined, m.SupersedingRelationships...)
	return combined
}

// EligibleForConsolidation reports whether the record may still enter a
// duplicate candidate pool. Records already merged away are excluded.
func (m *MemoryRecord) EligibleForConsolidation() bool {
	return m.ConsolidatedInto == "" && m.ProcessingState != StateArchived
}

// ConsolidationEvent is an audit log entry appended to a record's
// consolidation history. The integrity hash is a stable SHA-256 over the
// sorted-key JSON representation of the merged payload, stored so later
// verification can detect silent drift.
type ConsolidationEvent struct {
	ConsolidatedAt         time.Time      `json:"consolidated_at"`
	ConsolidatedIDs        []string       `json:"consolidated_ids"`
	DataIntegrityHash      string         `json:"data_integrity_hash"`
	PreviousClassification Classification `json:"previous_classification,omitempty"`
	PreviousImportance     Importance     `json:"previous_importance,omitempty"`
	DuplicateCount         int            `json:"duplicate_count"`

	// RollbackReason is set only on the marker entry a rollback appends,
	// distinguishing a restore write from a normal update.
	RollbackReason string `json:"rollback_reason,omitempty"`
}

// Recommendation is the suggested action for a duplicate candidate.
type Recommendation string

const (
	// RecommendMerge indicates the candidate should be merged into the primary.
	RecommendMerge Recommendation = "merge"

	// RecommendReplace indicates the candidate is newer and higher-confidence
	// than the primary and should replace it.
	RecommendReplace Recommendation = "replace"

	// RecommendIgnore indicates the similarity is not actionable.
	RecommendIgnore Recommendation = "ignore"
)

// DuplicateCandidate is a memory proposed as a near-duplicate of a primary,
// with its similarity score and recommended action.
type DuplicateCandidate struct {
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	SimilarityScore float64        `json:"similarity_score"`
	Confidence      float64        `json:"confidence"`
	Recommendation  Recommendation `json:"recommendation"`
}

// DuplicateGroup is a primary record together with its detected candidates.
type DuplicateGroup struct {
	PrimaryID  string               `json:"primary_id"`
	Candidates []DuplicateCandidate `json:"candidates"`
}

// ConsolidationResult reports the outcome of a consolidation request.
// Expected failures are reported in Errors rather than raised.
type ConsolidationResult struct {
	Consolidated int      `json:"consolidated"`
	Errors       []string `json:"errors"`
}

// ValidationResult is the outcome of consolidation pre-flight checks.
// Validators never raise for expected violations; callers must check IsValid
// before mutating anything.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// BatchResult reports partial success for batch operations. A single record's
// failure never blocks the rest of the batch.
type BatchResult struct {
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// CleanupResult reports the outcome of a consolidated-duplicate cleanup sweep.
type CleanupResult struct {
	Cleaned int      `json:"cleaned"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// ConsolidationStats aggregates namespace-level consolidation counters.
type ConsolidationStats struct {
	TotalRecords      int `json:"total_records"`
	Duplicates        int `json:"duplicates"`
	Consolidated      int `json:"consolidated"`
	CandidatePoolSize int `json:"candidate_pool_size"`
}

// NewMemoryID generates a record id in the mem:<namespace>:<slug> format.
func NewMemoryID(namespace string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "mem:" + NormalizeNamespace(namespace) + ":" + hex.EncodeToString(buf)
}

// NormalizeNamespace applies the default namespace to blank input.
func NormalizeNamespace(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return "default"
	}
	return namespace
}
