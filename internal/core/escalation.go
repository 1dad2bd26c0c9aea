package core

import "time"

// EscalationStatus tracks the human-review lifecycle. Transitions only
// move forward; approved, rejected and expired are terminal.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationAssigned EscalationStatus = "assigned"
	EscalationInReview EscalationStatus = "in_review"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationExpired  EscalationStatus = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s EscalationStatus) Terminal() bool {
	switch s {
	case EscalationApproved, EscalationRejected, EscalationExpired:
		return true
	}
	return false
}

// EscalationPriority orders the review queue.
type EscalationPriority string

const (
	PriorityLow      EscalationPriority = "low"
	PriorityMedium   EscalationPriority = "medium"
	PriorityHigh     EscalationPriority = "high"
	PriorityCritical EscalationPriority = "critical"
)

// Resolution is the reviewer's verdict on an escalation.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// EscalationContext carries what the reviewer needs to rule: the action,
// its declared risk, and any precedents that conflict with an automated
// leaning.
type EscalationContext struct {
	ActionType            string    `json:"action_type"`
	ActionDetail          string    `json:"action_detail,omitempty"`
	RiskLevel             RiskLevel `json:"risk_level"`
	ConflictingPrecedents []string  `json:"conflicting_precedents,omitempty"`
}

// Escalation is a human-review workflow item created when automated
// authorization cannot conclusively allow or deny an action.
type Escalation struct {
	ID               string             `json:"id"`
	DecisionID       string             `json:"decision_id"`
	IntentID         string             `json:"intent_id"`
	AgentID          string             `json:"agent_id"`
	Priority         EscalationPriority `json:"priority"`
	Reason           string             `json:"reason"`
	Context          EscalationContext  `json:"context"`
	Status           EscalationStatus   `json:"status"`
	AssignedTo       string             `json:"assigned_to,omitempty"`
	Resolution       Resolution         `json:"resolution,omitempty"`
	ResolutionReason string             `json:"resolution_reason,omitempty"`
	ResolvedBy       string             `json:"resolved_by,omitempty"`
	CreatesPrecedent bool               `json:"creates_precedent,omitempty"`
	PrecedentNote    string             `json:"precedent_note,omitempty"`
	ExpiresAt        time.Time          `json:"expires_at"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
}

// Precedent is a resolved escalation retained as a reference outcome for
// consistency checking on similar future cases.
type Precedent struct {
	ID           string     `json:"id"`
	EscalationID string     `json:"escalation_id"`
	ActionType   string     `json:"action_type"`
	RiskLevel    RiskLevel  `json:"risk_level"`
	Outcome      Resolution `json:"outcome"`
	Reasoning    string     `json:"reasoning"`
	Note         string     `json:"note,omitempty"`
	ResolvedBy   string     `json:"resolved_by"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ConsistencyReport is the outcome of comparing a proposed ruling against
// prior precedents for the same action type. A flag is a soft warning for
// the reviewer, never a hard block.
type ConsistencyReport struct {
	Flagged       bool     `json:"flagged"`
	PrecedentIDs  []string `json:"precedent_ids,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
	ExaminedCount int      `json:"examined_count"`
}
