// Package authorize turns an intent plus a trust profile into a
// decision. The engine is deterministic and fail-closed: every checked
// rule is ordered, every branch is anchored in the proof chain, and any
// internal failure produces a deny rather than an ambiguous outcome.
package authorize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/backend/internal/capability"
	"github.com/cognigate/backend/internal/confirm"
	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/proofchain"
)

// RuleTrustGap labels denials and escalations caused by insufficient
// trust rather than a matrix rule.
const RuleTrustGap = "TRUST-GAP"

// Engine evaluates intents against the capability matrix and a trust
// snapshot. It never mutates trust.
type Engine struct {
	matrix    *capability.Matrix
	validator confirm.Validator
	chain     *proofchain.Chain
}

// NewEngine creates an authorization engine.
func NewEngine(matrix *capability.Matrix, validator confirm.Validator, chain *proofchain.Chain) *Engine {
	return &Engine{matrix: matrix, validator: validator, chain: chain}
}

// Authorize runs the precedence chain over one intent:
//
//  1. hard limits — deny before any trust state is consulted
//  2. capability grant for the agent's level — deny if absent
//  3. soft limits — escalate unless a valid confirmation token covers it
//  4. trust threshold for the action class — escalate below it
//  5. allow
//
// Malformed intents get a ValidationError instead of a decision.
func (e *Engine) Authorize(ctx context.Context, agent *core.Agent, intent *core.Intent, snap *core.TrustSnapshot) (*core.Decision, error) {
	if intent.ActionType == "" {
		return nil, core.Validationf("intent %s has no action type", intent.ID)
	}
	if intent.AgentID != agent.ID {
		return nil, core.Validationf("intent %s is not addressed to agent %s", intent.ID, agent.ID)
	}
	if intent.Context.RiskLevel != "" && !intent.Context.RiskLevel.Valid() {
		return nil, core.Validationf("unknown risk level %q", intent.Context.RiskLevel)
	}

	// Step 1: hard limits fail fast, before the trust snapshot is read.
	if v := e.matrix.CheckHardLimit(agent.HierarchyLevel, intent.ActionType, intent.Context); v != nil {
		return e.record(ctx, intent, core.OutcomeDeny, v.RuleID, 0,
			fmt.Sprintf("hard limit %s: %s", v.RuleID, v.Detail))
	}

	// Step 2: the action class must be granted at the agent's level,
	// either outright or behind a confirmation requirement.
	if !e.matrix.Granted(agent.HierarchyLevel, intent.ActionType) &&
		!e.matrix.ConfirmationRequired(agent.HierarchyLevel, intent.ActionType) {
		return e.record(ctx, intent, core.OutcomeDeny, "", snap.Score,
			fmt.Sprintf("action %q is not granted at %s", intent.ActionType, agent.HierarchyLevel))
	}

	// Step 3: soft limits escalate unless confirmed.
	if w := e.matrix.CheckSoftLimit(agent.HierarchyLevel, intent.ActionType, intent.Context); w != nil {
		if intent.ConfirmationToken == "" {
			return e.record(ctx, intent, core.OutcomeEscalate, w.RuleID, snap.Score,
				fmt.Sprintf("soft limit %s without confirmation: %s", w.RuleID, w.Detail))
		}
		if err := e.validator.Validate(ctx, intent.ConfirmationToken, intent); err != nil {
			return e.record(ctx, intent, core.OutcomeEscalate, w.RuleID, snap.Score,
				fmt.Sprintf("soft limit %s, confirmation rejected: %v", w.RuleID, err))
		}
	}

	// Step 4: trust gate per action class.
	threshold := e.matrix.AutoApproveThreshold(intent.ActionType)
	if snap.Score < threshold {
		return e.record(ctx, intent, core.OutcomeEscalate, RuleTrustGap, snap.Score,
			fmt.Sprintf("trust %d below threshold %d for %q", snap.Score, threshold, intent.ActionType))
	}

	return e.record(ctx, intent, core.OutcomeAllow, "", snap.Score,
		fmt.Sprintf("granted at %s, trust %d meets threshold %d", agent.HierarchyLevel, snap.Score, threshold))
}

// TrustGap reports how far a score sits below the action's threshold.
// Zero means the gate is met. The escalation service uses the gap to
// bump review priority.
func (e *Engine) TrustGap(action string, score int) int {
	gap := e.matrix.AutoApproveThreshold(action) - score
	if gap < 0 {
		return 0
	}
	return gap
}

// record materializes the decision and anchors it in the proof chain.
// A chain failure on an allow flips the outcome to deny: an action must
// not proceed unanchored.
func (e *Engine) record(ctx context.Context, intent *core.Intent, outcome core.DecisionOutcome, ruleID string, score int, reasoning string) (*core.Decision, error) {
	d := &core.Decision{
		ID:         uuid.New().String(),
		IntentID:   intent.ID,
		AgentID:    intent.AgentID,
		Outcome:    outcome,
		RuleID:     ruleID,
		TrustScore: score,
		Reasoning:  reasoning,
		DecidedAt:  time.Now().UTC(),
	}

	_, err := e.chain.Append(ctx, core.ProofDecision, intent.AgentID, map[string]interface{}{
		"decision_id": d.ID,
		"intent_id":   d.IntentID,
		"agent_id":    d.AgentID,
		"action_type": intent.ActionType,
		"outcome":     d.Outcome,
		"rule_id":     d.RuleID,
		"trust_score": d.TrustScore,
		"reasoning":   d.Reasoning,
	})
	if err != nil {
		if outcome == core.OutcomeAllow {
			d.Outcome = core.OutcomeDeny
			d.Reasoning = fmt.Sprintf("proof anchoring failed, denying: %v", err)
			slog.Error("allow decision downgraded to deny",
				"intent_id", intent.ID,
				"error", err,
			)
			return d, nil
		}
		slog.Error("decision proof append failed",
			"intent_id", intent.ID,
			"outcome", outcome,
			"error", err,
		)
	}

	slog.Info("decision recorded",
		"intent_id", d.IntentID,
		"agent_id", d.AgentID,
		"outcome", d.Outcome,
		"rule_id", d.RuleID,
	)
	return d, nil
}
