// Package trust computes behavioral trust scores from an agent's recent
// event history. Scores are recomputed on demand, snapshotted, and every
// recomputation that changes the score is anchored in the proof chain.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
)

const (
	// windowEvents and windowAge bound the history one computation reads.
	windowEvents = 100
	windowAge    = 30 * 24 * time.Hour

	// seedScore is assigned to agents with no behavioral history yet.
	// Probation semantics: enough standing for supervised work, nothing
	// consequential.
	seedScore = 250

	// failureHalfLife controls recency weighting of negative events.
	// A failure seven days old counts half as much as one from today.
	failureHalfLife = 7 * 24 * time.Hour

	// failurePenalty is the score cost of one full-weight negative event
	// before decay.
	failurePenalty = 50.0
)

// levelFloors is the minimum computed score per hierarchy level. A level
// assignment is an organizational statement of standing, so computation
// does not drop below it unless a demotion event is in the window.
var levelFloors = map[core.HierarchyLevel]int{
	core.LevelL1: 0,
	core.LevelL2: 100,
	core.LevelL3: 300,
	core.LevelL4: 500,
	core.LevelL5: 700,
}

// Floor returns the score floor for a hierarchy level.
func Floor(level core.HierarchyLevel) int {
	return levelFloors[level]
}

// Engine derives trust snapshots from stored events.
type Engine struct {
	agents store.AgentStore
	trust  store.TrustStore
	chain  *proofchain.Chain
}

// NewEngine creates a trust engine over the given stores and proof chain.
func NewEngine(agents store.AgentStore, trust store.TrustStore, chain *proofchain.Chain) *Engine {
	return &Engine{agents: agents, trust: trust, chain: chain}
}

// RecordEvent validates and appends one behavioral event, then recomputes
// the agent's score so the snapshot reflects it immediately.
func (e *Engine) RecordEvent(ctx context.Context, agentID string, kind core.TrustEventKind, weight float64, note string) (*core.TrustEvent, *core.TrustSnapshot, error) {
	if !kind.Valid() {
		return nil, nil, core.Validationf("unknown trust event kind %q", kind)
	}
	if weight < 0 {
		return nil, nil, core.Validationf("event weight must be non-negative, got %v", weight)
	}
	if weight == 0 {
		weight = 1.0
	}
	if _, err := e.agents.GetAgent(ctx, agentID); err != nil {
		return nil, nil, err
	}

	ev := &core.TrustEvent{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Kind:       kind,
		Weight:     weight,
		Note:       note,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.trust.AppendEvent(ctx, ev); err != nil {
		return nil, nil, fmt.Errorf("append trust event: %w", err)
	}

	snap, err := e.ComputeScore(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	return ev, snap, nil
}

// ComputeScore recomputes the agent's trust score from its recent event
// window, persists a snapshot, and updates the agent's current score and
// tier. The whole read-compute-write runs inside the store's per-agent
// exclusive region so concurrent recomputations for one agent serialize.
func (e *Engine) ComputeScore(ctx context.Context, agentID string) (*core.TrustSnapshot, error) {
	var snap *core.TrustSnapshot
	var oldScore int

	agent, err := e.agents.UpdateAgent(ctx, agentID, func(a *core.Agent) error {
		oldScore = a.CurrentScore

		since := time.Now().UTC().Add(-windowAge)
		events, err := e.trust.EventsSince(ctx, agentID, since, windowEvents)
		if err != nil {
			return fmt.Errorf("read event window: %w", err)
		}

		snap = compute(a, events, time.Now().UTC())
		if err := e.trust.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}

		a.CurrentScore = snap.Score
		a.CurrentTier = snap.Tier
		a.UpdatedAt = snap.ComputedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if snap.Score != oldScore {
		_, err = e.chain.Append(ctx, core.ProofTrustDelta, agentID, map[string]interface{}{
			"agent_id":  agentID,
			"old_score": oldScore,
			"new_score": snap.Score,
			"delta":     snap.Score - oldScore,
			"tier":      snap.Tier,
			"event_ids": snap.EventIDs,
		})
		if err != nil {
			// The snapshot is already durable; a chain append failure is
			// an integrity incident, not a reason to lose the score.
			slog.Error("trust delta proof append failed",
				"agent_id", agentID,
				"error", err,
			)
		}
	}

	slog.Info("trust score computed",
		"agent_id", agent.ID,
		"score", snap.Score,
		"tier", snap.Tier,
		"events", len(snap.EventIDs),
	)
	return snap, nil
}

// Snapshot returns the latest stored snapshot, computing one if the agent
// has never been scored.
func (e *Engine) Snapshot(ctx context.Context, agentID string) (*core.TrustSnapshot, error) {
	snap, err := e.trust.LatestSnapshot(ctx, agentID)
	if err == nil {
		return snap, nil
	}
	if _, agentErr := e.agents.GetAgent(ctx, agentID); agentErr != nil {
		return nil, agentErr
	}
	return e.ComputeScore(ctx, agentID)
}

// History returns up to limit snapshots, most recent first.
func (e *Engine) History(ctx context.Context, agentID string, limit int) ([]core.TrustSnapshot, error) {
	if _, err := e.agents.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.trust.SnapshotHistory(ctx, agentID, limit)
}

// compute is the pure scoring function: floor + outcome component -
// decayed failure penalty, floored unless demoted, clamped to the
// observation ceiling.
func compute(agent *core.Agent, events []core.TrustEvent, now time.Time) *core.TrustSnapshot {
	floor := levelFloors[agent.HierarchyLevel]
	ceiling := agent.ObservationTier.Ceiling()

	var raw float64
	eventIDs := make([]string, 0, len(events))

	if len(events) == 0 {
		raw = seedScore
	} else {
		var posWeight, totalWeight, penalty float64
		demoted := false

		for _, ev := range events {
			eventIDs = append(eventIDs, ev.ID)
			w := ev.Weight
			if w == 0 {
				w = 1.0
			}
			totalWeight += w
			if ev.Kind.Negative() {
				age := now.Sub(ev.OccurredAt)
				if age < 0 {
					age = 0
				}
				decay := math.Exp(-math.Ln2 * age.Seconds() / failureHalfLife.Seconds())
				penalty += failurePenalty * w * decay
				if ev.Kind == core.EventDemotion {
					demoted = true
				}
			} else {
				posWeight += w
			}
		}

		headroom := float64(1000 - floor)
		raw = float64(floor) + (posWeight/totalWeight)*headroom - penalty

		if raw < float64(floor) && !demoted {
			raw = float64(floor)
		}
	}

	// The floor holds for unscored agents too: a fresh L4 agent does not
	// start below the standing its level asserts.
	if len(events) == 0 && raw < float64(floor) {
		raw = float64(floor)
	}

	score := core.ClampScore(raw, ceiling)
	return &core.TrustSnapshot{
		AgentID:      agent.ID,
		Score:        score,
		Tier:         core.TierForScore(score),
		RawComposite: raw,
		Ceiling:      ceiling,
		Floor:        floor,
		EventIDs:     eventIDs,
		ComputedAt:   now,
	}
}
