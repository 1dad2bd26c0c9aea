package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigate/backend/internal/core"
)

func TestDefaultMatrix_TotalOverLevels(t *testing.T) {
	m := Default()
	for _, lvl := range []core.HierarchyLevel{core.LevelL1, core.LevelL2, core.LevelL3, core.LevelL4, core.LevelL5} {
		band, err := m.Capabilities(lvl)
		require.NoError(t, err, "every level must map to exactly one band")
		assert.Equal(t, lvl, band.Level)
	}

	_, err := m.Capabilities(core.HierarchyLevel(9))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestNew_RejectsMalformedTables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bands = cfg.Bands[:4] // drop L5
	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Bands = append(cfg.Bands, cfg.Bands[0]) // duplicate L1
	_, err = New(cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Bands[0].Cannot = append(cfg.Bands[0].Cannot, ActionDataRead) // both can and cannot
	_, err = New(cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.AutoApprove[ActionDataRead] = 1200
	_, err = New(cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Bands[3].SoftSpendCap = cfg.Bands[3].HardSpendCap + 1
	_, err = New(cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestGranted(t *testing.T) {
	m := Default()
	assert.True(t, m.Granted(core.LevelL1, ActionDataRead))
	assert.False(t, m.Granted(core.LevelL1, ActionDataWrite))
	assert.True(t, m.Granted(core.LevelL4, ActionPaymentLow))
	assert.False(t, m.Granted(core.LevelL4, ActionInfraAdmin))
	assert.True(t, m.Granted(core.LevelL5, ActionInfraAdmin))
	assert.False(t, m.Granted(core.LevelL3, "no_such_class"))
}

func TestCheckHardLimit_AlwaysDenies(t *testing.T) {
	m := Default()

	v := m.CheckHardLimit(core.LevelL5, ActionSelfModify, core.IntentContext{})
	require.NotNil(t, v, "self-modification is a hard limit even at L5")
	assert.Equal(t, HardLimitSelfModification, v.RuleID)

	v = m.CheckHardLimit(core.LevelL5, ActionAuditDelete, core.IntentContext{})
	require.NotNil(t, v)
	assert.Equal(t, HardLimitAuditMutation, v.RuleID)

	v = m.CheckHardLimit(core.LevelL3, ActionDataWrite, core.IntentContext{
		ResourceTargets: []string{"signing-keys"},
	})
	require.NotNil(t, v)
	assert.Equal(t, HardLimitProtectedTarget, v.RuleID)

	v = m.CheckHardLimit(core.LevelL4, ActionPaymentLow, core.IntentContext{Amount: 60000})
	require.NotNil(t, v)
	assert.Equal(t, HardLimitSpendCap, v.RuleID)

	assert.Nil(t, m.CheckHardLimit(core.LevelL4, ActionPaymentLow, core.IntentContext{Amount: 900}))
}

func TestCheckSoftLimit(t *testing.T) {
	m := Default()

	w := m.CheckSoftLimit(core.LevelL4, ActionPaymentHigh, core.IntentContext{})
	require.NotNil(t, w, "payment_high needs confirmation at L4")
	assert.Equal(t, SoftLimitConfirmRequired, w.RuleID)

	w = m.CheckSoftLimit(core.LevelL4, ActionPaymentLow, core.IntentContext{Amount: 20000})
	require.NotNil(t, w)
	assert.Equal(t, SoftLimitSpendCap, w.RuleID)

	targets := make([]string, 30)
	for i := range targets {
		targets[i] = "db-shard"
	}
	w = m.CheckSoftLimit(core.LevelL3, ActionDataWrite, core.IntentContext{ResourceTargets: targets})
	require.NotNil(t, w)
	assert.Equal(t, SoftLimitBulkFanOut, w.RuleID)

	w = m.CheckSoftLimit(core.LevelL3, ActionExternalComm, core.IntentContext{RiskLevel: core.RiskHigh})
	require.NotNil(t, w)
	assert.Equal(t, SoftLimitRiskExternal, w.RuleID)

	assert.Nil(t, m.CheckSoftLimit(core.LevelL3, ActionDataRead, core.IntentContext{RiskLevel: core.RiskLow}))
}

func TestAutoApproveThreshold(t *testing.T) {
	m := Default()
	assert.Equal(t, 100, m.AutoApproveThreshold(ActionDataRead))
	assert.Equal(t, 650, m.AutoApproveThreshold(ActionPaymentLow))
	assert.Equal(t, 1000, m.AutoApproveThreshold("unknown_class"), "unknown classes never auto-approve")
}

func TestSummary_Ordered(t *testing.T) {
	bands := Default().Summary()
	require.Len(t, bands, 5)
	for i, b := range bands {
		assert.Equal(t, core.HierarchyLevel(i+1), b.Level)
	}
}
