// Package escalation manages the human-review workflow for decisions the
// authorization engine could not settle on its own. Escalations move
// through a forward-only state machine, expire on priority-based
// deadlines, and resolutions can seed precedents that inform future
// reviews.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
	"github.com/cognigate/backend/internal/trust"
)

// consistencyDepth bounds how many recent precedents one check examines.
const consistencyDepth = 10

// ttls maps priority to the review deadline.
var ttls = map[core.EscalationPriority]time.Duration{
	core.PriorityCritical: 4 * time.Hour,
	core.PriorityHigh:     24 * time.Hour,
	core.PriorityMedium:   48 * time.Hour,
	core.PriorityLow:      72 * time.Hour,
}

// TTL returns the review deadline for a priority. Unknown priorities get
// the medium deadline.
func TTL(p core.EscalationPriority) time.Duration {
	if d, ok := ttls[p]; ok {
		return d
	}
	return ttls[core.PriorityMedium]
}

// Notifier announces escalation lifecycle events to interested parties
// (websocket feed, event bus). Implementations must not block.
type Notifier interface {
	EscalationCreated(esc *core.Escalation)
	EscalationResolved(esc *core.Escalation)
}

// NopNotifier discards announcements.
type NopNotifier struct{}

func (NopNotifier) EscalationCreated(*core.Escalation)  {}
func (NopNotifier) EscalationResolved(*core.Escalation) {}

// Observer receives workflow lifecycle signals, typically for metrics.
// Labels are plain strings so observers need no domain types.
type Observer interface {
	EscalationOpened(priority string)
	EscalationDecided(priority, resolution string)
	EscalationLapsed(priority string)
}

// Service runs the escalation workflow.
type Service struct {
	escalations store.EscalationStore
	precedents  store.PrecedentStore
	chain       *proofchain.Chain
	trust       *trust.Engine
	notifier    Notifier
	observer    Observer
}

// SetObserver attaches a lifecycle observer. Must be called before the
// service handles traffic.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// NewService creates an escalation service. A nil notifier is replaced
// with a no-op.
func NewService(escalations store.EscalationStore, precedents store.PrecedentStore, chain *proofchain.Chain, trustEngine *trust.Engine, notifier Notifier) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		escalations: escalations,
		precedents:  precedents,
		chain:       chain,
		trust:       trustEngine,
		notifier:    notifier,
	}
}

// Create opens a pending escalation for a decision, attaches a precedent
// consistency pre-check to its context, and announces it.
func (s *Service) Create(ctx context.Context, decision *core.Decision, intent *core.Intent, priority core.EscalationPriority) (*core.Escalation, error) {
	if _, ok := ttls[priority]; !ok {
		return nil, core.Validationf("unknown escalation priority %q", priority)
	}

	now := time.Now().UTC()
	esc := &core.Escalation{
		ID:         uuid.New().String(),
		DecisionID: decision.ID,
		IntentID:   intent.ID,
		AgentID:    intent.AgentID,
		Priority:   priority,
		Reason:     decision.Reasoning,
		Context: core.EscalationContext{
			ActionType:   intent.ActionType,
			ActionDetail: intent.Goal,
			RiskLevel:    intent.Context.RiskLevel,
		},
		Status:    core.EscalationPending,
		ExpiresAt: now.Add(TTL(priority)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Surface conflicting precedents to the reviewer up front. An
	// approval-leaning history against a deny-leaning automated reason
	// (or vice versa) is exactly what the reviewer should see first.
	report, err := s.CheckConsistency(ctx, intent.ActionType, intent.Context.RiskLevel, core.ResolutionRejected)
	if err == nil && report.Flagged {
		esc.Context.ConflictingPrecedents = report.PrecedentIDs
	}

	if err := s.escalations.CreateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("create escalation: %w", err)
	}

	slog.Info("escalation created",
		"escalation_id", esc.ID,
		"intent_id", esc.IntentID,
		"priority", esc.Priority,
		"expires_at", esc.ExpiresAt,
	)
	if s.observer != nil {
		s.observer.EscalationOpened(string(esc.Priority))
	}
	s.notifier.EscalationCreated(esc)
	return esc, nil
}

// Get returns the escalation, lazily expiring it when its deadline has
// passed and it is still open.
func (s *Service) Get(ctx context.Context, id string) (*core.Escalation, error) {
	esc, err := s.escalations.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !esc.Status.Terminal() && time.Now().UTC().After(esc.ExpiresAt) {
		return s.expireOne(ctx, esc.ID)
	}
	return esc, nil
}

// List returns escalations matching the filter, applying lazy expiry to
// any overdue open items first.
func (s *Service) List(ctx context.Context, filter store.EscalationFilter) ([]core.Escalation, error) {
	all, err := s.escalations.ListEscalations(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range all {
		if !all[i].Status.Terminal() && now.After(all[i].ExpiresAt) {
			expired, err := s.expireOne(ctx, all[i].ID)
			if err == nil {
				all[i] = *expired
			}
		}
	}
	return all, nil
}

// Assign moves a pending escalation to assigned.
func (s *Service) Assign(ctx context.Context, id, reviewer string) (*core.Escalation, error) {
	if reviewer == "" {
		return nil, core.Validationf("reviewer is required")
	}
	return s.transition(ctx, id, func(esc *core.Escalation) error {
		if esc.Status != core.EscalationPending {
			return core.InvalidStatef("cannot assign escalation in state %s", esc.Status)
		}
		esc.Status = core.EscalationAssigned
		esc.AssignedTo = reviewer
		return nil
	})
}

// StartReview moves an assigned escalation to in_review.
func (s *Service) StartReview(ctx context.Context, id, reviewer string) (*core.Escalation, error) {
	return s.transition(ctx, id, func(esc *core.Escalation) error {
		if esc.Status != core.EscalationAssigned {
			return core.InvalidStatef("cannot start review in state %s", esc.Status)
		}
		if reviewer != "" && esc.AssignedTo != reviewer {
			return core.Validationf("escalation is assigned to %s", esc.AssignedTo)
		}
		esc.Status = core.EscalationInReview
		return nil
	})
}

// ResolveRequest carries a reviewer's verdict.
type ResolveRequest struct {
	Reviewer         string
	Resolution       core.Resolution
	Reason           string
	CreatesPrecedent bool
	PrecedentNote    string
	TrustDelta       bool // record an approval/rejection trust event for the agent
}

// Resolve closes an open escalation with a verdict. Resolution from
// pending is permitted (a reviewer may rule directly off the queue).
// The verdict is anchored in the proof chain, optionally indexed as a
// precedent, and optionally reflected in the agent's trust history.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*core.Escalation, *core.ConsistencyReport, error) {
	if req.Resolution != core.ResolutionApproved && req.Resolution != core.ResolutionRejected {
		return nil, nil, core.Validationf("resolution must be approved or rejected, got %q", req.Resolution)
	}
	if req.Reason == "" {
		return nil, nil, core.Validationf("a resolution reason is required")
	}

	esc, err := s.transition(ctx, id, func(esc *core.Escalation) error {
		switch esc.Status {
		case core.EscalationPending, core.EscalationAssigned, core.EscalationInReview:
			// open: resolvable
		default:
			return core.InvalidStatef("cannot resolve escalation in state %s", esc.Status)
		}
		now := time.Now().UTC()
		if req.Resolution == core.ResolutionApproved {
			esc.Status = core.EscalationApproved
		} else {
			esc.Status = core.EscalationRejected
		}
		esc.Resolution = req.Resolution
		esc.ResolutionReason = req.Reason
		esc.ResolvedBy = req.Reviewer
		esc.CreatesPrecedent = req.CreatesPrecedent
		esc.PrecedentNote = req.PrecedentNote
		esc.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	report, err := s.CheckConsistency(ctx, esc.Context.ActionType, esc.Context.RiskLevel, req.Resolution)
	if err != nil {
		report = &core.ConsistencyReport{}
	}

	if _, err := s.chain.Append(ctx, core.ProofEscalationResolution, esc.AgentID, map[string]interface{}{
		"escalation_id":      esc.ID,
		"intent_id":          esc.IntentID,
		"decision_id":        esc.DecisionID,
		"resolution":         esc.Resolution,
		"reason":             esc.ResolutionReason,
		"resolved_by":        esc.ResolvedBy,
		"creates_precedent":  esc.CreatesPrecedent,
		"consistency_flag":   report.Flagged,
		"conflicting_ids":    report.PrecedentIDs,
	}); err != nil {
		slog.Error("resolution proof append failed", "escalation_id", esc.ID, "error", err)
	}

	if esc.CreatesPrecedent {
		p := &core.Precedent{
			ID:           uuid.New().String(),
			EscalationID: esc.ID,
			ActionType:   esc.Context.ActionType,
			RiskLevel:    esc.Context.RiskLevel,
			Outcome:      esc.Resolution,
			Reasoning:    esc.ResolutionReason,
			Note:         esc.PrecedentNote,
			ResolvedBy:   esc.ResolvedBy,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.precedents.SavePrecedent(ctx, p); err != nil {
			slog.Error("precedent save failed", "escalation_id", esc.ID, "error", err)
		}
	}

	if req.TrustDelta && s.trust != nil {
		kind := core.EventApproval
		if req.Resolution == core.ResolutionRejected {
			kind = core.EventRejection
		}
		if _, _, err := s.trust.RecordEvent(ctx, esc.AgentID, kind, 1.0, "escalation "+esc.ID); err != nil {
			slog.Error("resolution trust event failed", "escalation_id", esc.ID, "error", err)
		}
	}

	slog.Info("escalation resolved",
		"escalation_id", esc.ID,
		"resolution", esc.Resolution,
		"resolved_by", esc.ResolvedBy,
		"consistency_flagged", report.Flagged,
	)
	if s.observer != nil {
		s.observer.EscalationDecided(string(esc.Priority), string(esc.Resolution))
	}
	s.notifier.EscalationResolved(esc)
	return esc, report, nil
}

// Expire sweeps all open escalations past their deadline and returns the
// number transitioned. Intended to run on a ticker alongside lazy expiry.
func (s *Service) Expire(ctx context.Context) int {
	open, err := s.escalations.ListEscalations(ctx, store.EscalationFilter{})
	if err != nil {
		slog.Error("expiry sweep list failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	expired := 0
	for i := range open {
		if open[i].Status.Terminal() || now.Before(open[i].ExpiresAt) {
			continue
		}
		if _, err := s.expireOne(ctx, open[i].ID); err == nil {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("expiry sweep", "expired", expired)
	}
	return expired
}

// CheckConsistency compares a proposed resolution against recent
// precedents for the same action type in an overlapping risk band. A
// flag is advisory: it lists which precedents point the other way.
func (s *Service) CheckConsistency(ctx context.Context, actionType string, risk core.RiskLevel, proposed core.Resolution) (*core.ConsistencyReport, error) {
	precedents, err := s.precedents.PrecedentsByAction(ctx, actionType, consistencyDepth)
	if err != nil {
		return nil, fmt.Errorf("load precedents: %w", err)
	}

	report := &core.ConsistencyReport{}
	for _, p := range precedents {
		if !riskOverlaps(risk, p.RiskLevel) {
			continue
		}
		report.ExaminedCount++
		if p.Outcome != proposed {
			report.Flagged = true
			report.PrecedentIDs = append(report.PrecedentIDs, p.ID)
		}
	}
	if report.Flagged {
		report.Explanation = fmt.Sprintf(
			"%d of %d recent precedents for %q ruled %s",
			len(report.PrecedentIDs), report.ExaminedCount, actionType, opposite(proposed))
	}
	return report, nil
}

// errOverdue signals a transition attempted on an escalation whose
// deadline has passed; the caller persists the expiry before failing.
var errOverdue = core.InvalidStatef("escalation past its review deadline")

func (s *Service) transition(ctx context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error) {
	esc, err := s.escalations.UpdateEscalation(ctx, id, func(esc *core.Escalation) error {
		if !esc.Status.Terminal() && time.Now().UTC().After(esc.ExpiresAt) {
			return errOverdue
		}
		return fn(esc)
	})
	if errors.Is(err, errOverdue) {
		if _, expErr := s.expireOne(ctx, id); expErr != nil {
			slog.Error("lazy expiry failed", "escalation_id", id, "error", expErr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func (s *Service) expireOne(ctx context.Context, id string) (*core.Escalation, error) {
	esc, err := s.escalations.UpdateEscalation(ctx, id, func(esc *core.Escalation) error {
		if esc.Status.Terminal() {
			return core.InvalidStatef("escalation %s already terminal", esc.ID)
		}
		esc.Status = core.EscalationExpired
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.EscalationLapsed(string(esc.Priority))
	}
	slog.Info("escalation expired", "escalation_id", id)
	return esc, nil
}

// riskOverlaps treats adjacent risk bands as comparable for precedent
// purposes; a low-risk precedent says little about a critical case.
func riskOverlaps(a, b core.RiskLevel) bool {
	ranks := map[core.RiskLevel]int{
		core.RiskLow:      0,
		core.RiskMedium:   1,
		core.RiskHigh:     2,
		core.RiskCritical: 3,
	}
	ra, aok := ranks[a]
	rb, bok := ranks[b]
	if !aok || !bok {
		return a == b
	}
	diff := ra - rb
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

func opposite(r core.Resolution) core.Resolution {
	if r == core.ResolutionApproved {
		return core.ResolutionRejected
	}
	return core.ResolutionApproved
}
