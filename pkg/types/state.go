package types

import "time"

// ProcessingState is the lifecycle stage of a memory record from creation
// through consolidation or archival.
type ProcessingState string

const (
	// StatePending indicates a newly created record awaiting extraction.
	StatePending ProcessingState = "pending"

	// StateProcessing indicates an agent is extracting structured data.
	StateProcessing ProcessingState = "processing"

	// StateProcessed indicates extraction completed and the record is stored.
	StateProcessed ProcessingState = "processed"

	// StateFailed indicates an unrecoverable extraction error. Failed records
	// may be retried back into processing.
	StateFailed ProcessingState = "failed"

	// StateConsolidated indicates the record became a consolidation primary
	// or was merged away.
	StateConsolidated ProcessingState = "consolidated"

	// StateArchived is terminal.
	StateArchived ProcessingState = "archived"
)

// ValidProcessingStates contains all valid processing state values.
var ValidProcessingStates = []ProcessingState{
	StatePending,
	StateProcessing,
	StateProcessed,
	StateFailed,
	StateConsolidated,
	StateArchived,
}

// IsValidProcessingState checks if the given state is valid.
func IsValidProcessingState(s ProcessingState) bool {
	for _, valid := range ValidProcessingStates {
		if valid == s {
			return true
		}
	}
	return false
}

// IsValidStateTransition validates processing state transitions.
//
// Valid transitions:
//
//	pending -> processing
//	processing -> processed | failed
//	processed -> consolidated
//	failed -> processing (retry)
//	any non-terminal -> archived
//	archived -> (terminal, no transitions out)
func IsValidStateTransition(from, to ProcessingState) bool {
	if to == "" {
		return false
	}

	// Any non-terminal state may be archived.
	if to == StateArchived {
		return from != StateArchived
	}

	switch from {
	case StatePending:
		return to == StateProcessing

	case StateProcessing:
		return to == StateProcessed || to == StateFailed

	case StateProcessed:
		return to == StateConsolidated

	case StateFailed:
		return to == StateProcessing

	case StateConsolidated:
		return false

	case StateArchived:
		return false // Terminal state, no transitions out

	default:
		return false // Unknown current state
	}
}

// StateTransition is one entry in a record's bounded transition history.
type StateTransition struct {
	MemoryID string          `json:"memory_id"`
	From     ProcessingState `json:"from"`
	To       ProcessingState `json:"to"`
	At       time.Time       `json:"at"`
	Reason   string          `json:"reason,omitempty"`
	AgentID  string          `json:"agent_id,omitempty"`
	Forced   bool            `json:"forced,omitempty"`
}

// MetricKey returns the aggregate counter key for the transition,
// formatted as "{from}_TO_{to}".
func (t StateTransition) MetricKey() string {
	return string(t.From) + "_TO_" + string(t.To)
}
