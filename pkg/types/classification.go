package types

// Classification categorizes the nature of a memory record. Classifications
// drive eligibility for automated processing: conscious-info records are the
// ones automated duplicate sweeps consider.
type Classification string

const (
	// ClassificationEssential marks core facts that should rarely change.
	ClassificationEssential Classification = "essential"

	// ClassificationContextual marks situational information tied to a task or topic.
	ClassificationContextual Classification = "contextual"

	// ClassificationConversational marks low-stakes dialogue content.
	ClassificationConversational Classification = "conversational"

	// ClassificationReference marks lookup material (links, docs, snippets).
	ClassificationReference Classification = "reference"

	// ClassificationPersonal marks user-specific information.
	ClassificationPersonal Classification = "personal"

	// ClassificationConsciousInfo marks records promoted into the active
	// knowledge base. Automated consolidation sweeps restrict themselves to
	// this classification.
	ClassificationConsciousInfo Classification = "conscious-info"
)

// ValidClassifications is a slice of all valid classifications for validation.
var ValidClassifications = []Classification{
	ClassificationEssential,
	ClassificationContextual,
	ClassificationConversational,
	ClassificationReference,
	ClassificationPersonal,
	ClassificationConsciousInfo,
}

// IsValidClassification checks if the given classification is valid.
func IsValidClassification(c Classification) bool {
	for _, valid := range ValidClassifications {
		if valid == c {
			return true
		}
	}
	return false
}

// Importance is the priority level assigned to a memory record.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

// ValidImportanceLevels is a slice of all valid importance levels for validation.
var ValidImportanceLevels = []Importance{
	ImportanceCritical,
	ImportanceHigh,
	ImportanceMedium,
	ImportanceLow,
}

// IsValidImportance checks if the given importance level is valid.
func IsValidImportance(i Importance) bool {
	for _, valid := range ValidImportanceLevels {
		if valid == i {
			return true
		}
	}
	return false
}

// Weight maps an importance level to its numeric merge weight.
// Unknown levels weigh the same as medium.
func (i Importance) Weight() float64 {
	switch i {
	case ImportanceCritical:
		return 0.9
	case ImportanceHigh:
		return 0.7
	case ImportanceMedium:
		return 0.5
	case ImportanceLow:
		return 0.3
	default:
		return 0.5
	}
}
