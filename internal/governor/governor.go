// Package governor orchestrates the decision pipeline: refresh the
// agent's trust, run authorization, and open an escalation when the
// engine punts to a human. The caller always gets the decision back
// immediately; human review never blocks an intent.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/backend/internal/authorize"
	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/metrics"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
	"github.com/cognigate/backend/internal/trust"
)

// snapshotStaleAfter is how old a trust snapshot may be before the
// pipeline recomputes it rather than trusting the cache.
const snapshotStaleAfter = 5 * time.Minute

// trustGapCritical bumps escalation priority when the agent's score sits
// this far below the action's threshold.
const trustGapCritical = 200

// Governor wires the engines together behind one entry point.
type Governor struct {
	stores      store.Stores
	trust       *trust.Engine
	authorize   *authorize.Engine
	escalations *escalation.Service
	chain       *proofchain.Chain
	metrics     *metrics.Metrics
}

// New creates a governor. Metrics may be nil in tests.
func New(stores store.Stores, trustEngine *trust.Engine, authEngine *authorize.Engine, escalations *escalation.Service, chain *proofchain.Chain, m *metrics.Metrics) *Governor {
	return &Governor{
		stores:      stores,
		trust:       trustEngine,
		authorize:   authEngine,
		escalations: escalations,
		chain:       chain,
		metrics:     m,
	}
}

// IntentRequest is the inbound shape of a proposed action.
type IntentRequest struct {
	AgentID           string             `json:"agent_id"`
	Goal              string             `json:"goal"`
	ActionType        string             `json:"action_type"`
	Context           core.IntentContext `json:"context"`
	ConfirmationToken string             `json:"confirmation_token,omitempty"`
}

// Result is the pipeline outcome for one intent.
type Result struct {
	Intent     *core.Intent     `json:"intent"`
	Decision   *core.Decision   `json:"decision"`
	Escalation *core.Escalation `json:"escalation,omitempty"`
}

// ProcessIntent runs the full pipeline for one proposed action. Any
// failure after validation resolves to a deny: an ambiguous outcome must
// never leak an allow.
func (g *Governor) ProcessIntent(ctx context.Context, req IntentRequest) (*Result, error) {
	started := time.Now()

	if req.AgentID == "" {
		return nil, core.Validationf("agent_id is required")
	}
	if req.ActionType == "" {
		return nil, core.Validationf("action_type is required")
	}
	if req.Context.RiskLevel == "" {
		req.Context.RiskLevel = core.RiskLow
	}
	if !req.Context.RiskLevel.Valid() {
		return nil, core.Validationf("unknown risk level %q", req.Context.RiskLevel)
	}

	agent, err := g.stores.Agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	intent := &core.Intent{
		ID:                uuid.New().String(),
		AgentID:           req.AgentID,
		Goal:              req.Goal,
		ActionType:        req.ActionType,
		Context:           req.Context,
		ConfirmationToken: req.ConfirmationToken,
		Status:            core.IntentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := g.stores.Intents.SaveIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("save intent: %w", err)
	}

	snap, err := g.freshSnapshot(ctx, agent.ID)
	if err != nil {
		return g.failClosed(ctx, intent, fmt.Errorf("trust refresh: %w", err))
	}

	decision, err := g.authorize.Authorize(ctx, agent, intent, snap)
	if err != nil {
		if core.IsValidation(err) {
			return nil, err
		}
		return g.failClosed(ctx, intent, err)
	}

	result := &Result{Intent: intent, Decision: decision}

	switch decision.Outcome {
	case core.OutcomeAllow:
		intent.Status = core.IntentAuthorized
	case core.OutcomeDeny:
		intent.Status = core.IntentDenied
	case core.OutcomeEscalate:
		intent.Status = core.IntentEscalated
		esc, escErr := g.escalations.Create(ctx, decision, intent, g.priorityFor(intent, snap))
		if escErr != nil {
			// Without a review item the escalate outcome is undeliverable.
			return g.failClosed(ctx, intent, fmt.Errorf("create escalation: %w", escErr))
		}
		result.Escalation = esc
	}

	if _, err := g.stores.Intents.UpdateIntent(ctx, intent.ID, func(i *core.Intent) error {
		i.Status = intent.Status
		return nil
	}); err != nil {
		slog.Error("intent status update failed", "intent_id", intent.ID, "error", err)
	}

	g.observe(decision, snap, time.Since(started))
	return result, nil
}

// WithdrawIntent retracts a pending or escalated intent on behalf of its
// agent and anchors the withdrawal.
func (g *Governor) WithdrawIntent(ctx context.Context, intentID, reason string) (*core.Intent, error) {
	intent, err := g.stores.Intents.UpdateIntent(ctx, intentID, func(i *core.Intent) error {
		switch i.Status {
		case core.IntentPending, core.IntentEscalated, core.IntentAuthorized:
			i.Status = core.IntentWithdrawn
			return nil
		default:
			return core.InvalidStatef("cannot withdraw intent in state %s", i.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	if _, err := g.chain.Append(ctx, core.ProofIntentWithdrawn, intent.AgentID, map[string]interface{}{
		"intent_id": intent.ID,
		"agent_id":  intent.AgentID,
		"reason":    reason,
	}); err != nil {
		slog.Error("withdrawal proof append failed", "intent_id", intent.ID, "error", err)
	}

	slog.Info("intent withdrawn", "intent_id", intent.ID, "reason", reason)
	return intent, nil
}

// freshSnapshot returns the latest trust snapshot, recomputing when it is
// missing or older than the staleness bound.
func (g *Governor) freshSnapshot(ctx context.Context, agentID string) (*core.TrustSnapshot, error) {
	snap, err := g.stores.Trust.LatestSnapshot(ctx, agentID)
	if err == nil && time.Since(snap.ComputedAt) < snapshotStaleAfter {
		return snap, nil
	}

	trigger := "stale"
	if err != nil {
		trigger = "missing"
	}
	if g.metrics != nil {
		g.metrics.TrustRecomputes.WithLabelValues(trigger).Inc()
	}
	return g.trust.ComputeScore(ctx, agentID)
}

// priorityFor maps an escalated intent to a review priority: the declared
// risk sets the baseline and a wide trust gap bumps it one band.
func (g *Governor) priorityFor(intent *core.Intent, snap *core.TrustSnapshot) core.EscalationPriority {
	var p core.EscalationPriority
	switch intent.Context.RiskLevel {
	case core.RiskCritical:
		p = core.PriorityCritical
	case core.RiskHigh:
		p = core.PriorityHigh
	case core.RiskMedium:
		p = core.PriorityMedium
	default:
		p = core.PriorityLow
	}

	if g.authorize.TrustGap(intent.ActionType, snap.Score) >= trustGapCritical {
		switch p {
		case core.PriorityLow:
			p = core.PriorityMedium
		case core.PriorityMedium:
			p = core.PriorityHigh
		case core.PriorityHigh:
			p = core.PriorityCritical
		}
	}
	return p
}

// failClosed denies an intent whose pipeline failed mid-flight. The
// original error is recorded and returned alongside the deny so callers
// can distinguish operational failure from a policy denial.
func (g *Governor) failClosed(ctx context.Context, intent *core.Intent, cause error) (*Result, error) {
	slog.Error("pipeline failure, denying",
		"intent_id", intent.ID,
		"agent_id", intent.AgentID,
		"error", cause,
	)

	intent.Status = core.IntentDenied
	if _, err := g.stores.Intents.UpdateIntent(ctx, intent.ID, func(i *core.Intent) error {
		i.Status = core.IntentDenied
		return nil
	}); err != nil {
		slog.Error("fail-closed status update failed", "intent_id", intent.ID, "error", err)
	}

	decision := &core.Decision{
		ID:        uuid.New().String(),
		IntentID:  intent.ID,
		AgentID:   intent.AgentID,
		Outcome:   core.OutcomeDeny,
		Reasoning: fmt.Sprintf("governance pipeline failure: %v", cause),
		DecidedAt: time.Now().UTC(),
	}
	if _, err := g.chain.Append(ctx, core.ProofDecision, intent.AgentID, map[string]interface{}{
		"decision_id": decision.ID,
		"intent_id":   intent.ID,
		"outcome":     decision.Outcome,
		"reasoning":   decision.Reasoning,
	}); err != nil {
		slog.Error("fail-closed proof append failed", "intent_id", intent.ID, "error", err)
	}

	if g.metrics != nil {
		g.metrics.DecisionTotal.WithLabelValues(string(core.OutcomeDeny), "pipeline-failure").Inc()
	}
	return &Result{Intent: intent, Decision: decision}, nil
}

func (g *Governor) observe(d *core.Decision, snap *core.TrustSnapshot, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecisionTotal.WithLabelValues(string(d.Outcome), d.RuleID).Inc()
	g.metrics.DecisionDuration.WithLabelValues(string(d.Outcome)).Observe(elapsed.Seconds())
	g.metrics.TrustScore.WithLabelValues(d.AgentID, string(snap.Tier)).Set(float64(snap.Score))
}
