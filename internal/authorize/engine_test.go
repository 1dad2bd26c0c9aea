package authorize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigate/backend/internal/capability"
	"github.com/cognigate/backend/internal/confirm"
	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
)

var confirmSecret = []byte("authorize-test-secret")

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := NewEngine(capability.Default(), confirm.NewJWTValidator(confirmSecret), proofchain.New(mem))
	return engine, mem
}

func agentAt(level core.HierarchyLevel) *core.Agent {
	return &core.Agent{
		ID:              "agent-1",
		Name:            "worker",
		HierarchyLevel:  level,
		ObservationTier: core.TierVerifiedBox,
	}
}

func snapshotAt(score int) *core.TrustSnapshot {
	return &core.TrustSnapshot{
		AgentID: "agent-1",
		Score:   score,
		Tier:    core.TierForScore(score),
	}
}

func intentFor(action string, ctx core.IntentContext) *core.Intent {
	return &core.Intent{
		ID:         "intent-1",
		AgentID:    "agent-1",
		Goal:       "test goal",
		ActionType: action,
		Context:    ctx,
		Status:     core.IntentPending,
	}
}

func TestAuthorize_MissingActionType(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Authorize(context.Background(), agentAt(core.LevelL3), intentFor("", core.IntentContext{}), snapshotAt(500))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestAuthorize_HardLimitDeniesAtAnyLevel(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := engine.Authorize(ctx, agentAt(core.LevelL5), intentFor("self_modify", core.IntentContext{}), snapshotAt(1000))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeny, d.Outcome)
	assert.Equal(t, capability.HardLimitSelfModification, d.RuleID)
	assert.Equal(t, 0, d.TrustScore, "hard limits decide before trust is read")

	d, err = engine.Authorize(ctx, agentAt(core.LevelL5), intentFor("audit_delete", core.IntentContext{}), snapshotAt(1000))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeny, d.Outcome)
	assert.Equal(t, capability.HardLimitAuditMutation, d.RuleID)
}

func TestAuthorize_ProtectedTargetDenied(t *testing.T) {
	engine, _ := newTestEngine(t)

	intent := intentFor("data_write", core.IntentContext{
		ResourceTargets: []string{"some-db", "signing-keys"},
	})
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(800))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeny, d.Outcome)
	assert.Equal(t, capability.HardLimitProtectedTarget, d.RuleID)
}

func TestAuthorize_UngrantedActionDenied(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL1),
		intentFor("deploy", core.IntentContext{}), snapshotAt(990))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeny, d.Outcome, "trust never overrides a missing grant")
}

func TestAuthorize_SoftLimitEscalatesWithoutConfirmation(t *testing.T) {
	engine, _ := newTestEngine(t)

	// payment_high sits behind a confirmation requirement at L4.
	intent := intentFor("payment_high", core.IntentContext{Amount: 20000})
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(850))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeEscalate, d.Outcome)
	assert.Equal(t, capability.SoftLimitConfirmRequired, d.RuleID)
}

func TestAuthorize_SpendOverSoftCapEscalates(t *testing.T) {
	engine, _ := newTestEngine(t)

	// payment_low is granted outright at L4 but 20000 crosses the soft cap.
	intent := intentFor("payment_low", core.IntentContext{Amount: 20000})
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(850))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeEscalate, d.Outcome)
	assert.Equal(t, capability.SoftLimitSpendCap, d.RuleID)
}

func TestAuthorize_SpendOverHardCapDenies(t *testing.T) {
	engine, _ := newTestEngine(t)

	intent := intentFor("payment_low", core.IntentContext{Amount: 60000})
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(1000))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeny, d.Outcome)
	assert.Equal(t, capability.HardLimitSpendCap, d.RuleID)
}

func TestAuthorize_ConfirmedSoftLimitProceeds(t *testing.T) {
	engine, _ := newTestEngine(t)

	token, err := confirm.NewIssuer(confirmSecret).Issue("agent-1", "payment_high", 30000, time.Hour)
	require.NoError(t, err)

	intent := intentFor("payment_high", core.IntentContext{Amount: 20000})
	intent.ConfirmationToken = token
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(850))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAllow, d.Outcome)
}

func TestAuthorize_BadConfirmationStillEscalates(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Token minted for a different action class.
	token, err := confirm.NewIssuer(confirmSecret).Issue("agent-1", "data_delete", 0, time.Hour)
	require.NoError(t, err)

	intent := intentFor("payment_high", core.IntentContext{Amount: 20000})
	intent.ConfirmationToken = token
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4), intent, snapshotAt(850))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeEscalate, d.Outcome)
}

func TestAuthorize_TrustBelowThresholdEscalates(t *testing.T) {
	engine, _ := newTestEngine(t)

	// deploy needs 600; granted at L4, but the agent only scores 550.
	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL4),
		intentFor("deploy", core.IntentContext{}), snapshotAt(550))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeEscalate, d.Outcome)
	assert.Equal(t, RuleTrustGap, d.RuleID)
	assert.Equal(t, 550, d.TrustScore)
}

func TestAuthorize_AllowWhenEverythingClears(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Authorize(context.Background(), agentAt(core.LevelL3),
		intentFor("data_read", core.IntentContext{RiskLevel: core.RiskLow}), snapshotAt(400))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAllow, d.Outcome)
	assert.Empty(t, d.RuleID)
}

func TestAuthorize_EveryBranchAnchorsExactlyOneProofEvent(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	chain := proofchain.New(mem)

	cases := []struct {
		name   string
		agent  *core.Agent
		intent *core.Intent
		snap   *core.TrustSnapshot
	}{
		{"deny-hard", agentAt(core.LevelL5), intentFor("self_modify", core.IntentContext{}), snapshotAt(1000)},
		{"deny-grant", agentAt(core.LevelL1), intentFor("deploy", core.IntentContext{}), snapshotAt(900)},
		{"escalate-soft", agentAt(core.LevelL4), intentFor("payment_high", core.IntentContext{Amount: 20000}), snapshotAt(850)},
		{"escalate-trust", agentAt(core.LevelL4), intentFor("deploy", core.IntentContext{}), snapshotAt(100)},
		{"allow", agentAt(core.LevelL3), intentFor("data_read", core.IntentContext{}), snapshotAt(400)},
	}

	for i, tc := range cases {
		before, err := chain.Length(ctx)
		require.NoError(t, err)
		_, err = engine.Authorize(ctx, tc.agent, tc.intent, tc.snap)
		require.NoError(t, err, tc.name)
		after, err := chain.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+1, after, "case %d (%s) must append exactly one entry", i, tc.name)
	}

	result := chain.Verify(ctx, 0)
	assert.True(t, result.Valid)
}

func TestTrustGap(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.Equal(t, 0, engine.TrustGap("data_read", 500))
	assert.Equal(t, 100, engine.TrustGap("deploy", 500))
	assert.Equal(t, 0, engine.TrustGap("deploy", 900))
}
