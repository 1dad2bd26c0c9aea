// Package store defines the durable-store contracts the governance core
// depends on: per-key exclusive read-modify-write for agents, trust
// profiles and escalations, and append-with-optimistic-concurrency for
// the proof chain. Backends: in-memory (default/dev), Postgres, and a
// Redis read-through cache for hot trust snapshots.
package store

import (
	"context"
	"time"

	"github.com/cognigate/backend/internal/core"
)

// AgentStore persists agent registrations. UpdateAgent runs fn inside a
// per-agent exclusive region so score mutations for one agent are
// serialized while unrelated agents proceed independently.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *core.Agent) error
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*core.Agent) error) (*core.Agent, error)
}

// TrustStore persists behavioral events and score snapshots. Events are
// immutable; snapshots are append-only with most-recent-wins reads.
type TrustStore interface {
	AppendEvent(ctx context.Context, ev *core.TrustEvent) error
	EventsSince(ctx context.Context, agentID string, since time.Time, limit int) ([]core.TrustEvent, error)
	SaveSnapshot(ctx context.Context, snap *core.TrustSnapshot) error
	LatestSnapshot(ctx context.Context, agentID string) (*core.TrustSnapshot, error)
	SnapshotHistory(ctx context.Context, agentID string, limit int) ([]core.TrustSnapshot, error)
}

// IntentStore persists intents and their pipeline status.
type IntentStore interface {
	SaveIntent(ctx context.Context, intent *core.Intent) error
	GetIntent(ctx context.Context, id string) (*core.Intent, error)
	UpdateIntent(ctx context.Context, id string, fn func(*core.Intent) error) (*core.Intent, error)
}

// EscalationFilter narrows escalation listings.
type EscalationFilter struct {
	Status     core.EscalationStatus
	Priority   core.EscalationPriority
	AgentID    string
	AssignedTo string
}

// EscalationStore persists escalations. UpdateEscalation serializes
// transitions per escalation id (check-and-set on version) so two
// reviewers cannot resolve the same item simultaneously.
type EscalationStore interface {
	CreateEscalation(ctx context.Context, esc *core.Escalation) error
	GetEscalation(ctx context.Context, id string) (*core.Escalation, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]core.Escalation, error)
	UpdateEscalation(ctx context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error)
}

// PrecedentStore retains resolutions flagged as precedents, indexed by
// action type, most recent first.
type PrecedentStore interface {
	SavePrecedent(ctx context.Context, p *core.Precedent) error
	PrecedentsByAction(ctx context.Context, actionType string, limit int) ([]core.Precedent, error)
}

// ChainStore persists the proof chain. AppendEntry succeeds only when the
// entry's PrevHash equals the stored hash of the current last entry (or
// the genesis constant on an empty chain); a mismatch is a detected
// concurrency conflict and returns core.ErrChainConflict. Reads take a
// snapshot of the chain length at call time and never observe a
// partially written entry.
type ChainStore interface {
	AppendEntry(ctx context.Context, ev *core.ProofEvent) error
	LastEntry(ctx context.Context) (*core.ProofEvent, error)
	GetEntry(ctx context.Context, seq uint64) (*core.ProofEvent, error)
	GetEntryByHash(ctx context.Context, hash string) (*core.ProofEvent, error)
	EntriesFrom(ctx context.Context, fromSeq uint64) ([]core.ProofEvent, error)
	Length(ctx context.Context) (uint64, error)
}

// Stores bundles every store the governor needs, so backends can be
// swapped as a unit in main.
type Stores struct {
	Agents      AgentStore
	Trust       TrustStore
	Intents     IntentStore
	Escalations EscalationStore
	Precedents  PrecedentStore
	Chain       ChainStore
}
