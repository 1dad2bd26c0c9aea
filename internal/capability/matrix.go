// Package capability holds the static capability/limit matrix. The matrix
// is configuration data, not computed state: a fixed table keyed by
// hierarchy level, validated once at startup. Hard limits are absolute;
// soft limits only force confirmation.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cognigate/backend/internal/core"
)

// Action classes understood by the default matrix. An intent's action
// type must resolve to one of the classes known to the matrix; unknown
// classes are treated as not granted.
const (
	ActionDataRead       = "data_read"
	ActionReportGenerate = "report_generate"
	ActionDataWrite      = "data_write"
	ActionDataDelete     = "data_delete"
	ActionExternalComm   = "external_comm"
	ActionDeploy         = "deploy"
	ActionPaymentLow     = "payment_low"
	ActionPaymentHigh    = "payment_high"
	ActionInfraAdmin     = "infra_admin"
	ActionAgentManage    = "agent_manage"
	ActionSelfModify     = "self_modify"
	ActionAuditDelete    = "audit_delete"
)

// Band is the capability set for one hierarchy level.
type Band struct {
	Level                core.HierarchyLevel `yaml:"level" json:"level"`
	Can                  []string            `yaml:"can" json:"can"`
	Cannot               []string            `yaml:"cannot" json:"cannot"`
	ConfirmationRequired []string            `yaml:"confirmation_required" json:"confirmation_required"`
	HardSpendCap         float64             `yaml:"hard_spend_cap" json:"hard_spend_cap"`
	SoftSpendCap         float64             `yaml:"soft_spend_cap" json:"soft_spend_cap"`
}

// Violation is a matched hard-limit rule.
type Violation struct {
	RuleID string `json:"rule_id"`
	Detail string `json:"detail"`
}

// Warning is a matched soft-limit rule.
type Warning struct {
	RuleID string `json:"rule_id"`
	Detail string `json:"detail"`
}

// Hard-limit and soft-limit rule ids cited in decision reasoning.
const (
	HardLimitAuditMutation    = "HL-001"
	HardLimitSpendCap         = "HL-002"
	HardLimitProtectedTarget  = "HL-003"
	HardLimitSelfModification = "HL-004"

	SoftLimitSpendCap        = "SL-001"
	SoftLimitBulkFanOut      = "SL-002"
	SoftLimitRiskExternal    = "SL-003"
	SoftLimitConfirmRequired = "SL-004"
)

// Matrix is the full capability table plus the per-action-class
// auto-approve score thresholds.
type Matrix struct {
	bands            map[core.HierarchyLevel]Band
	autoApprove      map[string]int
	protectedTargets []string
	bulkFanOutLimit  int
}

// Config is the YAML-loadable form of the matrix.
type Config struct {
	Bands            []Band         `yaml:"bands"`
	AutoApprove      map[string]int `yaml:"auto_approve"`
	ProtectedTargets []string       `yaml:"protected_targets"`
	BulkFanOutLimit  int            `yaml:"bulk_fanout_limit"`
}

// New builds a matrix from config and validates it. A malformed matrix is
// a fatal configuration error, never a per-request failure.
func New(cfg Config) (*Matrix, error) {
	m := &Matrix{
		bands:            make(map[core.HierarchyLevel]Band, len(cfg.Bands)),
		autoApprove:      make(map[string]int, len(cfg.AutoApprove)),
		protectedTargets: cfg.ProtectedTargets,
		bulkFanOutLimit:  cfg.BulkFanOutLimit,
	}
	if m.bulkFanOutLimit <= 0 {
		m.bulkFanOutLimit = 25
	}
	for _, b := range cfg.Bands {
		if !b.Level.Valid() {
			return nil, fmt.Errorf("%w: capability band for invalid level %d", core.ErrConfiguration, b.Level)
		}
		if _, dup := m.bands[b.Level]; dup {
			return nil, fmt.Errorf("%w: duplicate capability band for level %s", core.ErrConfiguration, b.Level)
		}
		for _, class := range b.Can {
			if contains(b.Cannot, class) {
				return nil, fmt.Errorf("%w: level %s lists %q as both can and cannot", core.ErrConfiguration, b.Level, class)
			}
		}
		if b.SoftSpendCap > 0 && b.HardSpendCap > 0 && b.SoftSpendCap > b.HardSpendCap {
			return nil, fmt.Errorf("%w: level %s soft spend cap exceeds hard cap", core.ErrConfiguration, b.Level)
		}
		m.bands[b.Level] = b
	}
	for _, lvl := range []core.HierarchyLevel{core.LevelL1, core.LevelL2, core.LevelL3, core.LevelL4, core.LevelL5} {
		if _, ok := m.bands[lvl]; !ok {
			return nil, fmt.Errorf("%w: no capability band for level %s", core.ErrConfiguration, lvl)
		}
	}
	for class, threshold := range cfg.AutoApprove {
		if threshold < 0 || threshold > 1000 {
			return nil, fmt.Errorf("%w: auto-approve threshold for %q out of range: %d", core.ErrConfiguration, class, threshold)
		}
		m.autoApprove[class] = threshold
	}
	return m, nil
}

// Default returns the compiled-in matrix used when no YAML override is
// supplied.
func Default() *Matrix {
	m, err := New(DefaultConfig())
	if err != nil {
		// The compiled-in table is covered by tests; reaching this is a bug.
		panic(err)
	}
	return m
}

// DefaultConfig is the compiled-in capability table.
func DefaultConfig() Config {
	return Config{
		Bands: []Band{
			{
				Level:  core.LevelL1,
				Can:    []string{ActionDataRead, ActionReportGenerate},
				Cannot: []string{ActionDataWrite, ActionDataDelete, ActionExternalComm, ActionDeploy, ActionPaymentLow, ActionPaymentHigh, ActionInfraAdmin, ActionAgentManage},
			},
			{
				Level:                core.LevelL2,
				Can:                  []string{ActionDataRead, ActionReportGenerate, ActionDataWrite},
				Cannot:               []string{ActionDataDelete, ActionExternalComm, ActionDeploy, ActionPaymentLow, ActionPaymentHigh, ActionInfraAdmin, ActionAgentManage},
				ConfirmationRequired: []string{},
			},
			{
				Level:                core.LevelL3,
				Can:                  []string{ActionDataRead, ActionReportGenerate, ActionDataWrite, ActionDataDelete, ActionExternalComm},
				Cannot:               []string{ActionPaymentLow, ActionPaymentHigh, ActionInfraAdmin, ActionAgentManage},
				ConfirmationRequired: []string{ActionDeploy},
			},
			{
				Level:                core.LevelL4,
				Can:                  []string{ActionDataRead, ActionReportGenerate, ActionDataWrite, ActionDataDelete, ActionExternalComm, ActionDeploy, ActionPaymentLow},
				Cannot:               []string{ActionInfraAdmin, ActionAgentManage},
				ConfirmationRequired: []string{ActionPaymentHigh},
				HardSpendCap:         50000,
				SoftSpendCap:         10000,
			},
			{
				Level:        core.LevelL5,
				Can:          []string{ActionDataRead, ActionReportGenerate, ActionDataWrite, ActionDataDelete, ActionExternalComm, ActionDeploy, ActionPaymentLow, ActionPaymentHigh, ActionInfraAdmin, ActionAgentManage},
				Cannot:       []string{},
				HardSpendCap: 250000,
				SoftSpendCap: 50000,
			},
		},
		AutoApprove: map[string]int{
			ActionDataRead:       100,
			ActionReportGenerate: 100,
			ActionDataWrite:      300,
			ActionDataDelete:     450,
			ActionExternalComm:   500,
			ActionDeploy:         600,
			ActionPaymentLow:     650,
			ActionPaymentHigh:    800,
			ActionAgentManage:    800,
			ActionInfraAdmin:     850,
		},
		ProtectedTargets: []string{"production-credentials", "signing-keys", "proof-chain"},
		BulkFanOutLimit:  25,
	}
}

// Capabilities returns the capability band for a hierarchy level. The
// table is total after Validate, so an unknown level here means the
// caller bypassed agent validation.
func (m *Matrix) Capabilities(level core.HierarchyLevel) (Band, error) {
	b, ok := m.bands[level]
	if !ok {
		return Band{}, fmt.Errorf("%w: no capability band for level %s", core.ErrConfiguration, level)
	}
	return b, nil
}

// Granted reports whether an action class is in the level's can set.
func (m *Matrix) Granted(level core.HierarchyLevel, action string) bool {
	b, ok := m.bands[level]
	if !ok {
		return false
	}
	return contains(b.Can, action)
}

// ConfirmationRequired reports whether an action class sits in the level's
// confirmation-required set.
func (m *Matrix) ConfirmationRequired(level core.HierarchyLevel, action string) bool {
	b, ok := m.bands[level]
	if !ok {
		return false
	}
	return contains(b.ConfirmationRequired, action)
}

// CheckHardLimit returns the first hard-limit violation for the action,
// or nil. Any match forces denial regardless of trust score.
func (m *Matrix) CheckHardLimit(level core.HierarchyLevel, action string, ctx core.IntentContext) *Violation {
	if action == ActionSelfModify {
		return &Violation{RuleID: HardLimitSelfModification, Detail: "self-modification is never permitted"}
	}
	if action == ActionAuditDelete {
		return &Violation{RuleID: HardLimitAuditMutation, Detail: "audit records are append-only"}
	}
	for _, target := range ctx.ResourceTargets {
		if contains(m.protectedTargets, strings.ToLower(target)) {
			return &Violation{RuleID: HardLimitProtectedTarget, Detail: fmt.Sprintf("target %q is protected", target)}
		}
	}
	if b, ok := m.bands[level]; ok && b.HardSpendCap > 0 && ctx.Amount > b.HardSpendCap {
		return &Violation{
			RuleID: HardLimitSpendCap,
			Detail: fmt.Sprintf("amount %.2f exceeds hard cap %.2f for %s", ctx.Amount, b.HardSpendCap, level),
		}
	}
	return nil
}

// CheckSoftLimit returns the first soft-limit warning for the action, or
// nil. Soft limits never force denial, only confirmation.
func (m *Matrix) CheckSoftLimit(level core.HierarchyLevel, action string, ctx core.IntentContext) *Warning {
	if m.ConfirmationRequired(level, action) {
		return &Warning{RuleID: SoftLimitConfirmRequired, Detail: fmt.Sprintf("action %q requires confirmation at %s", action, level)}
	}
	if b, ok := m.bands[level]; ok && b.SoftSpendCap > 0 && ctx.Amount > b.SoftSpendCap {
		return &Warning{
			RuleID: SoftLimitSpendCap,
			Detail: fmt.Sprintf("amount %.2f exceeds soft cap %.2f for %s", ctx.Amount, b.SoftSpendCap, level),
		}
	}
	if len(ctx.ResourceTargets) > m.bulkFanOutLimit {
		return &Warning{
			RuleID: SoftLimitBulkFanOut,
			Detail: fmt.Sprintf("fan-out across %d targets exceeds limit %d", len(ctx.ResourceTargets), m.bulkFanOutLimit),
		}
	}
	if action == ActionExternalComm && (ctx.RiskLevel == core.RiskHigh || ctx.RiskLevel == core.RiskCritical) {
		return &Warning{RuleID: SoftLimitRiskExternal, Detail: "elevated-risk external communication"}
	}
	return nil
}

// AutoApproveThreshold returns the minimum trust score that auto-approves
// the action class. Unknown classes require the maximum score, which in
// practice routes them to escalation.
func (m *Matrix) AutoApproveThreshold(action string) int {
	if t, ok := m.autoApprove[action]; ok {
		return t
	}
	return 1000
}

// Summary returns the full matrix in band order for the capabilities
// endpoint.
func (m *Matrix) Summary() []Band {
	out := make([]Band, 0, len(m.bands))
	for _, b := range m.bands {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
