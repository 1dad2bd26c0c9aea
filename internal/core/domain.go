package core

import "time"

// HierarchyLevel is the ordinal autonomy classification of an agent.
// It drives the capability matrix lookup and the trust-score floor.
type HierarchyLevel int

const (
	LevelL1 HierarchyLevel = 1 // supervised: read-only work
	LevelL2 HierarchyLevel = 2 // assisted: reversible writes
	LevelL3 HierarchyLevel = 3 // standard: external side effects
	LevelL4 HierarchyLevel = 4 // trusted: financial actions
	LevelL5 HierarchyLevel = 5 // sovereign: administrative control
)

func (l HierarchyLevel) Valid() bool {
	return l >= LevelL1 && l <= LevelL5
}

func (l HierarchyLevel) String() string {
	switch l {
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	case LevelL4:
		return "L4"
	case LevelL5:
		return "L5"
	}
	return "unknown"
}

// ObservationTier classifies how verifiably an agent's internals can be
// inspected. Each tier imposes a hard ceiling on the trust score.
type ObservationTier string

const (
	TierBlackBox    ObservationTier = "BLACK_BOX"
	TierGrayBox     ObservationTier = "GRAY_BOX"
	TierWhiteBox    ObservationTier = "WHITE_BOX"
	TierAttestedBox ObservationTier = "ATTESTED_BOX"
	TierVerifiedBox ObservationTier = "VERIFIED_BOX"
)

// observationCeilings on the 0-1000 scale.
var observationCeilings = map[ObservationTier]int{
	TierBlackBox:    600,
	TierGrayBox:     750,
	TierWhiteBox:    900,
	TierAttestedBox: 950,
	TierVerifiedBox: 1000,
}

// Ceiling returns the maximum trust score attainable at this tier.
func (t ObservationTier) Ceiling() int {
	if c, ok := observationCeilings[t]; ok {
		return c
	}
	return observationCeilings[TierBlackBox]
}

func (t ObservationTier) Valid() bool {
	_, ok := observationCeilings[t]
	return ok
}

// Agent is a registered autonomous agent subject to governance.
type Agent struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	HierarchyLevel  HierarchyLevel  `json:"hierarchy_level"`
	ObservationTier ObservationTier `json:"observation_tier"`
	CurrentScore    int             `json:"current_score"`
	CurrentTier     TrustTier       `json:"current_tier"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TrustEventKind is one behavioral signal attributed to an agent.
type TrustEventKind string

const (
	EventExecutionSuccess TrustEventKind = "execution_success"
	EventExecutionFailure TrustEventKind = "execution_failure"
	EventExecutionAbort   TrustEventKind = "execution_abort"
	EventApproval         TrustEventKind = "approval"
	EventRejection        TrustEventKind = "rejection"
	EventDemotion         TrustEventKind = "demotion"
)

// Negative reports whether the event counts against the agent.
func (k TrustEventKind) Negative() bool {
	switch k {
	case EventExecutionFailure, EventExecutionAbort, EventRejection, EventDemotion:
		return true
	}
	return false
}

func (k TrustEventKind) Valid() bool {
	switch k {
	case EventExecutionSuccess, EventExecutionFailure, EventExecutionAbort,
		EventApproval, EventRejection, EventDemotion:
		return true
	}
	return false
}

// TrustEvent is immutable once written. It contributes to future score
// computations, never to past ones.
type TrustEvent struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Kind       TrustEventKind `json:"kind"`
	Weight     float64        `json:"weight"`
	Note       string         `json:"note,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// TrustSnapshot is the computed score and tier for an agent at a point
// in time, plus the inputs used to derive it.
type TrustSnapshot struct {
	AgentID      string    `json:"agent_id"`
	Score        int       `json:"score"`
	Tier         TrustTier `json:"tier"`
	RawComposite float64   `json:"raw_composite"`
	Ceiling      int       `json:"ceiling"`
	Floor        int       `json:"floor"`
	EventIDs     []string  `json:"event_ids,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
}

// RiskLevel is the declared risk of a proposed action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// IntentStatus tracks an intent through the decision pipeline.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentAuthorized IntentStatus = "authorized"
	IntentDenied     IntentStatus = "denied"
	IntentEscalated  IntentStatus = "escalated"
	IntentResolved   IntentStatus = "resolved"
	IntentWithdrawn  IntentStatus = "withdrawn"
)

// IntentContext carries the structured risk indicators of a proposed action.
type IntentContext struct {
	RiskLevel       RiskLevel `json:"risk_level"`
	ResourceTargets []string  `json:"resource_targets,omitempty"`
	Amount          float64   `json:"amount,omitempty"`
	Indicators      []string  `json:"indicators,omitempty"`
}

// Intent is a proposed action awaiting a governance decision.
type Intent struct {
	ID                string        `json:"id"`
	AgentID           string        `json:"agent_id"`
	Goal              string        `json:"goal"`
	ActionType        string        `json:"action_type"`
	Context           IntentContext `json:"context"`
	ConfirmationToken string        `json:"confirmation_token,omitempty"`
	Status            IntentStatus  `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// DecisionOutcome is the verdict of the authorization engine.
type DecisionOutcome string

const (
	OutcomeAllow    DecisionOutcome = "allow"
	OutcomeDeny     DecisionOutcome = "deny"
	OutcomeEscalate DecisionOutcome = "escalate"
)

// Decision is the output of the authorization engine for one intent.
type Decision struct {
	ID         string          `json:"id"`
	IntentID   string          `json:"intent_id"`
	AgentID    string          `json:"agent_id"`
	Outcome    DecisionOutcome `json:"outcome"`
	RuleID     string          `json:"rule_id,omitempty"`
	TrustScore int             `json:"trust_score"`
	Reasoning  string          `json:"reasoning"`
	TrustDelta int             `json:"trust_delta,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}
