package trust

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewEngine(mem, mem, proofchain.New(mem)), mem
}

func registerAgent(t *testing.T, mem *store.Memory, level core.HierarchyLevel, tier core.ObservationTier) *core.Agent {
	t.Helper()
	agent := &core.Agent{
		ID:              uuid.New().String(),
		Name:            "test-agent",
		HierarchyLevel:  level,
		ObservationTier: tier,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, mem.CreateAgent(context.Background(), agent))
	return agent
}

func appendEvent(t *testing.T, mem *store.Memory, agentID string, kind core.TrustEventKind, age time.Duration) {
	t.Helper()
	require.NoError(t, mem.AppendEvent(context.Background(), &core.TrustEvent{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Kind:       kind,
		Weight:     1.0,
		OccurredAt: time.Now().UTC().Add(-age),
	}))
}

func TestComputeScore_EmptyHistorySeedsProbation(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierGrayBox)

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 250, snap.Score)
	assert.Equal(t, core.TierT1, snap.Tier)
	assert.Empty(t, snap.EventIDs)
}

func TestComputeScore_EmptyHistoryRespectsLevelFloor(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL4, core.TierWhiteBox)

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, snap.Score, "fresh agent must not score below its level floor")
}

func TestComputeScore_UnknownAgent(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.ComputeScore(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestComputeScore_CleanHistoryClimbsToCeiling(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL3, core.TierBlackBox)

	for i := 0; i < 20; i++ {
		appendEvent(t, mem, agent.ID, core.EventExecutionSuccess, time.Duration(i)*time.Hour)
	}

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	// All-positive history computes to 1000 raw, clamped to BLACK_BOX 600.
	assert.Equal(t, 600, snap.Score)
	assert.Equal(t, 600, snap.Ceiling)
	assert.Greater(t, snap.RawComposite, float64(600))
}

func TestComputeScore_FloorHoldsWithoutDemotion(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL4, core.TierVerifiedBox)

	for i := 0; i < 10; i++ {
		appendEvent(t, mem, agent.ID, core.EventExecutionFailure, time.Hour)
	}

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, snap.Score, "without a demotion event the level floor holds")
}

func TestComputeScore_DemotionBreaksFloor(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL4, core.TierVerifiedBox)

	for i := 0; i < 10; i++ {
		appendEvent(t, mem, agent.ID, core.EventExecutionFailure, time.Hour)
	}
	appendEvent(t, mem, agent.ID, core.EventDemotion, time.Hour)

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Less(t, snap.Score, 500, "a demotion in the window releases the floor")
}

func TestComputeScore_RecentFailuresWeighMoreThanOldOnes(t *testing.T) {
	engine, mem := newTestEngine(t)

	recent := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)
	old := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)

	for i := 0; i < 5; i++ {
		appendEvent(t, mem, recent.ID, core.EventExecutionSuccess, time.Hour)
		appendEvent(t, mem, old.ID, core.EventExecutionSuccess, time.Hour)
	}
	appendEvent(t, mem, recent.ID, core.EventExecutionFailure, time.Hour)
	appendEvent(t, mem, old.ID, core.EventExecutionFailure, 21*24*time.Hour)

	recentSnap, err := engine.ComputeScore(context.Background(), recent.ID)
	require.NoError(t, err)
	oldSnap, err := engine.ComputeScore(context.Background(), old.ID)
	require.NoError(t, err)

	assert.Less(t, recentSnap.Score, oldSnap.Score,
		"a failure from yesterday should cost more than one from three weeks ago")
}

func TestComputeScore_EventsOutsideWindowIgnored(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)

	// All history is older than 30 days; computation sees an empty window.
	for i := 0; i < 5; i++ {
		appendEvent(t, mem, agent.ID, core.EventExecutionFailure, 40*24*time.Hour)
	}

	snap, err := engine.ComputeScore(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 250, snap.Score)
	assert.Empty(t, snap.EventIDs)
}

func TestComputeScore_AppendsTrustDeltaProof(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)
	ctx := context.Background()

	chain := proofchain.New(mem)
	before, err := chain.Length(ctx)
	require.NoError(t, err)

	_, err = engine.ComputeScore(ctx, agent.ID)
	require.NoError(t, err)

	after, err := chain.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after, "a score change must be anchored in the chain")

	last, err := mem.LastEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.ProofTrustDelta, last.Kind)
	assert.Equal(t, agent.ID, last.AgentID)
}

func TestComputeScore_UnchangedScoreSkipsProofEvent(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)
	ctx := context.Background()

	_, err := engine.ComputeScore(ctx, agent.ID)
	require.NoError(t, err)
	chain := proofchain.New(mem)
	lenAfterFirst, err := chain.Length(ctx)
	require.NoError(t, err)

	// Same inputs, same score: no new chain entry.
	_, err = engine.ComputeScore(ctx, agent.ID)
	require.NoError(t, err)
	lenAfterSecond, err := chain.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, lenAfterFirst, lenAfterSecond)
}

func TestRecordEvent_ValidatesAndRecomputes(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierVerifiedBox)
	ctx := context.Background()

	_, _, err := engine.RecordEvent(ctx, agent.ID, "made_up_kind", 1.0, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, _, err = engine.RecordEvent(ctx, "missing", core.EventExecutionSuccess, 1.0, "")
	assert.ErrorIs(t, err, core.ErrNotFound)

	ev, snap, err := engine.RecordEvent(ctx, agent.ID, core.EventExecutionSuccess, 0, "completed run")
	require.NoError(t, err)
	assert.Equal(t, 1.0, ev.Weight, "zero weight defaults to 1")
	assert.Contains(t, snap.EventIDs, ev.ID)

	updated, err := mem.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Score, updated.CurrentScore)
	assert.Equal(t, snap.Tier, updated.CurrentTier)
}

func TestSnapshot_ComputesWhenMissing(t *testing.T) {
	engine, mem := newTestEngine(t)
	agent := registerAgent(t, mem, core.LevelL2, core.TierGrayBox)

	snap, err := engine.Snapshot(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 250, snap.Score)

	_, err = engine.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFloor(t *testing.T) {
	assert.Equal(t, 0, Floor(core.LevelL1))
	assert.Equal(t, 100, Floor(core.LevelL2))
	assert.Equal(t, 300, Floor(core.LevelL3))
	assert.Equal(t, 500, Floor(core.LevelL4))
	assert.Equal(t, 700, Floor(core.LevelL5))
}
