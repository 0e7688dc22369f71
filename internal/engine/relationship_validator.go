package engine

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/pkg/types"
)

const (
	minReasonLength  = 10
	minContextLength = 5

	// maxConfidenceSpread is the widest confidence range tolerated within a
	// single target group before it is flagged.
	maxConfidenceSpread = 0.5

	// maxEdgesPerTarget is how many edges conflict resolution keeps per
	// target, preserving multiple legitimate perspectives.
	maxEdgesPerTarget = 2
)

// RelationshipValidator performs field-level validation of single edges plus
// graph-level conflict detection and quality-based resolution across a
// memory's combined edge list.
type RelationshipValidator struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewRelationshipValidator builds a validator.
func NewRelationshipValidator(metrics *Metrics, logger *zap.Logger) *RelationshipValidator {
	return &RelationshipValidator{
		logger:  observe.Component(logger, "relationship-validator"),
		metrics: metrics,
	}
}

// Validate returns the field-level violations of a single edge. An empty
// result means the edge is storable. Violating edges are rejected outright,
// never silently clamped.
func (v *RelationshipValidator) Validate(edge types.Relationship) []string {
	var errs []string

	if edge.Type == "" {
		errs = append(errs, "relationship type is required")
	} else if !types.IsValidRelationshipType(edge.Type) {
		errs = append(errs, fmt.Sprintf("unknown relationship type %q", edge.Type))
	}
	if len(strings.TrimSpace(edge.Reason)) < minReasonLength {
		errs = append(errs, fmt.Sprintf("reason must be at least %d characters", minReasonLength))
	}
	if len(strings.TrimSpace(edge.Context)) < minContextLength {
		errs = append(errs, fmt.Sprintf("context must be at least %d characters", minContextLength))
	}
	if edge.Confidence < 0 || edge.Confidence > 1 {
		errs = append(errs, fmt.Sprintf("confidence %.2f outside [0,1]", edge.Confidence))
	}
	if edge.Strength < 0 || edge.Strength > 1 {
		errs = append(errs, fmt.Sprintf("strength %.2f outside [0,1]", edge.Strength))
	}
	if edge.Strength > edge.Confidence+types.MaxStrengthSlack {
		errs = append(errs, fmt.Sprintf("strength %.2f exceeds confidence %.2f by more than %.1f", edge.Strength, edge.Confidence, types.MaxStrengthSlack))
	}
	for _, entity := range edge.Entities {
		if strings.TrimSpace(entity) == "" {
			errs = append(errs, "entities must be non-empty strings")
			break
		}
	}

	return errs
}

// Partition splits a batch into storable edges and rejected ones with their
// violations. Malformed edges never abort the batch.
func (v *RelationshipValidator) Partition(relationships []types.Relationship) ([]types.Relationship, []types.InvalidRelationship) {
	var valid []types.Relationship
	var invalid []types.InvalidRelationship
	for i := range relationships {
		if errs := v.Validate(relationships[i]); len(errs) > 0 {
			invalid = append(invalid, types.InvalidRelationship{
				Relationship: relationships[i],
				Errors:       errs,
			})
			continue
		}
		valid = append(valid, relationships[i])
	}
	return valid, invalid
}

// DetectConflicts groups a memory's combined edge list by target and flags
// contradictory type pairs, duplicated SUPERSEDES edges, and wide confidence
// spreads. Detection is read-only; resolution is a separate step.
func (v *RelationshipValidator) DetectConflicts(edges []types.Relationship) []types.RelationshipConflict {
	groups := groupByTarget(edges)

	var conflicts []types.RelationshipConflict
	for _, target := range sortedTargets(groups) {
		group := groups[target]

		var hasContradiction, hasContinuation bool
		supersedes := 0
		minConf, maxConf := 1.0, 0.0
		ids := make([]string, 0, len(group))
		for i := range group {
			switch group[i].Type {
			case types.RelationContradiction:
				hasContradiction = true
			case types.RelationContinuation:
				hasContinuation = true
			case types.RelationSupersedes:
				supersedes++
			}
			if group[i].Confidence < minConf {
				minConf = group[i].Confidence
			}
			if group[i].Confidence > maxConf {
				maxConf = group[i].Confidence
			}
			ids = append(ids, group[i].ID)
		}

		if hasContradiction && hasContinuation {
			conflicts = append(conflicts, types.RelationshipConflict{
				Type:            types.ConflictContradictoryTypes,
				TargetMemoryID:  target,
				Description:     fmt.Sprintf("contradiction and continuation edges coexist for target %s", target),
				RelationshipIDs: ids,
			})
		}
		if supersedes > 1 {
			conflicts = append(conflicts, types.RelationshipConflict{
				Type:            types.ConflictDuplicateSupersedes,
				TargetMemoryID:  target,
				Description:     fmt.Sprintf("%d supersedes edges for target %s", supersedes, target),
				RelationshipIDs: ids,
			})
		}
		if len(group) > 1 && maxConf-minConf > maxConfidenceSpread {
			conflicts = append(conflicts, types.RelationshipConflict{
				Type:            types.ConflictConfidenceSpread,
				TargetMemoryID:  target,
				Description:     fmt.Sprintf("confidence spread %.2f for target %s", maxConf-minConf, target),
				RelationshipIDs: ids,
			})
		}
	}

	if v.metrics != nil {
		for _, c := range conflicts {
			v.metrics.conflictsTotal.WithLabelValues(string(c.Type)).Inc()
		}
	}
	return conflicts
}

// ResolveConflicts keeps, per target group, the top edges ranked by quality
// and discards the rest. Each discard is reported as a conflict entry for
// audit. Resolution only ever reduces the edge count.
func (v *RelationshipValidator) ResolveConflicts(edges []types.Relationship) ([]types.Relationship, []types.RelationshipConflict) {
	groups := groupByTarget(edges)

	var kept []types.Relationship
	var conflicts []types.RelationshipConflict
	for _, target := range sortedTargets(groups) {
		group := groups[target]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Quality() > group[j].Quality()
		})

		if len(group) <= maxEdgesPerTarget {
			kept = append(kept, group...)
			continue
		}

		kept = append(kept, group[:maxEdgesPerTarget]...)
		discarded := group[maxEdgesPerTarget:]
		ids := make([]string, len(discarded))
		for i := range discarded {
			ids[i] = discarded[i].ID
		}
		conflicts = append(conflicts, types.RelationshipConflict{
			Type:            types.ConflictDiscardedLowQuality,
			TargetMemoryID:  target,
			Description:     fmt.Sprintf("discarded %d lower-quality edges for target %s", len(discarded), target),
			RelationshipIDs: ids,
		})
		if v.metrics != nil {
			v.metrics.conflictsTotal.WithLabelValues(string(types.ConflictDiscardedLowQuality)).Inc()
		}
	}

	return kept, conflicts
}

func groupByTarget(edges []types.Relationship) map[string][]types.Relationship {
	groups := make(map[string][]types.Relationship)
	for i := range edges {
		target := edges[i].TargetMemoryID
		if target == "" {
			continue
		}
		groups[target] = append(groups[target], edges[i])
	}
	return groups
}

func sortedTargets(groups map[string][]types.Relationship) []string {
	targets := make([]string, 0, len(groups))
	for target := range groups {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}
