package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cognigate/backend/internal/core"
)

// Memory is the in-memory backend used in dev mode and tests. Keyed
// mutexes give the same per-key exclusive-update semantics the Postgres
// backend provides through row versioning.
type Memory struct {
	mu sync.RWMutex

	agents      map[string]*core.Agent
	events      map[string][]core.TrustEvent    // agentID -> events, append order
	snapshots   map[string][]core.TrustSnapshot // agentID -> snapshots, append order
	intents     map[string]*core.Intent
	escalations map[string]*core.Escalation
	precedents  map[string][]core.Precedent // actionType -> precedents, append order
	chain       []core.ProofEvent

	agentLocks  keyedLocks
	intentLocks keyedLocks
	escLocks    keyedLocks
}

// NewMemory creates an empty in-memory store bundle.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*core.Agent),
		events:      make(map[string][]core.TrustEvent),
		snapshots:   make(map[string][]core.TrustSnapshot),
		intents:     make(map[string]*core.Intent),
		escalations: make(map[string]*core.Escalation),
		precedents:  make(map[string][]core.Precedent),
	}
}

// Stores returns the bundle with every interface backed by this Memory.
func (m *Memory) Stores() Stores {
	return Stores{
		Agents:      m,
		Trust:       m,
		Intents:     m,
		Escalations: m,
		Precedents:  m,
		Chain:       m,
	}
}

// keyedLocks hands out one mutex per key so unrelated keys never contend.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l
}

// ----------------------------------------------------------------------
// AgentStore
// ----------------------------------------------------------------------

func (m *Memory) CreateAgent(_ context.Context, agent *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return core.Validationf("agent %s already registered", agent.ID)
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, core.NotFoundf("agent %s", id)
	}
	cp := *agent
	return &cp, nil
}

func (m *Memory) UpdateAgent(ctx context.Context, id string, fn func(*core.Agent) error) (*core.Agent, error) {
	l := m.agentLocks.lock(id)
	defer l.Unlock()

	agent, err := m.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(agent); err != nil {
		return nil, err
	}
	agent.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	cp := *agent
	m.agents[id] = &cp
	m.mu.Unlock()
	return agent, nil
}

// ----------------------------------------------------------------------
// TrustStore
// ----------------------------------------------------------------------

func (m *Memory) AppendEvent(_ context.Context, ev *core.TrustEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.AgentID] = append(m.events[ev.AgentID], *ev)
	return nil
}

func (m *Memory) EventsSince(_ context.Context, agentID string, since time.Time, limit int) ([]core.TrustEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[agentID]
	var out []core.TrustEvent
	for _, ev := range all {
		if ev.OccurredAt.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	// Keep the most recent events when the window overflows.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap *core.TrustSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.AgentID] = append(m.snapshots[snap.AgentID], *snap)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, agentID string) (*core.TrustSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[agentID]
	if len(snaps) == 0 {
		return nil, core.NotFoundf("trust snapshot for agent %s", agentID)
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}

func (m *Memory) SnapshotHistory(_ context.Context, agentID string, limit int) ([]core.TrustSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[agentID]
	out := make([]core.TrustSnapshot, len(snaps))
	copy(out, snaps)
	// Most recent first.
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----------------------------------------------------------------------
// IntentStore
// ----------------------------------------------------------------------

func (m *Memory) SaveIntent(_ context.Context, intent *core.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	m.intents[intent.ID] = &cp
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (*core.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, core.NotFoundf("intent %s", id)
	}
	cp := *intent
	return &cp, nil
}

func (m *Memory) UpdateIntent(ctx context.Context, id string, fn func(*core.Intent) error) (*core.Intent, error) {
	l := m.intentLocks.lock(id)
	defer l.Unlock()

	intent, err := m.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}
	intent.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	cp := *intent
	m.intents[id] = &cp
	m.mu.Unlock()
	return intent, nil
}

// ----------------------------------------------------------------------
// EscalationStore
// ----------------------------------------------------------------------

func (m *Memory) CreateEscalation(_ context.Context, esc *core.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escalations[esc.ID]; exists {
		return core.Validationf("escalation %s already exists", esc.ID)
	}
	cp := *esc
	m.escalations[esc.ID] = &cp
	return nil
}

func (m *Memory) GetEscalation(_ context.Context, id string) (*core.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	esc, ok := m.escalations[id]
	if !ok {
		return nil, core.NotFoundf("escalation %s", id)
	}
	cp := *esc
	return &cp, nil
}

func (m *Memory) ListEscalations(_ context.Context, filter EscalationFilter) ([]core.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.Escalation
	for _, esc := range m.escalations {
		if filter.Status != "" && esc.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && esc.Priority != filter.Priority {
			continue
		}
		if filter.AgentID != "" && esc.AgentID != filter.AgentID {
			continue
		}
		if filter.AssignedTo != "" && esc.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, *esc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateEscalation(ctx context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error) {
	l := m.escLocks.lock(id)
	defer l.Unlock()

	esc, err := m.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(esc); err != nil {
		return nil, err
	}
	esc.Version++
	esc.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	cp := *esc
	m.escalations[id] = &cp
	m.mu.Unlock()
	return esc, nil
}

// ----------------------------------------------------------------------
// PrecedentStore
// ----------------------------------------------------------------------

func (m *Memory) SavePrecedent(_ context.Context, p *core.Precedent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precedents[p.ActionType] = append(m.precedents[p.ActionType], *p)
	return nil
}

func (m *Memory) PrecedentsByAction(_ context.Context, actionType string, limit int) ([]core.Precedent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.precedents[actionType]
	out := make([]core.Precedent, len(all))
	copy(out, all)
	// Most recent first.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----------------------------------------------------------------------
// ChainStore
// ----------------------------------------------------------------------

func (m *Memory) AppendEntry(_ context.Context, ev *core.ProofEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expectedPrev := core.GenesisHash
	var expectedSeq uint64
	if n := len(m.chain); n > 0 {
		expectedPrev = m.chain[n-1].Hash
		expectedSeq = m.chain[n-1].Seq + 1
	}
	if ev.PrevHash != expectedPrev || ev.Seq != expectedSeq {
		return core.ErrChainConflict
	}
	m.chain = append(m.chain, *ev)
	return nil
}

func (m *Memory) LastEntry(_ context.Context) (*core.ProofEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.chain) == 0 {
		return nil, nil
	}
	cp := m.chain[len(m.chain)-1]
	return &cp, nil
}

func (m *Memory) GetEntry(_ context.Context, seq uint64) (*core.ProofEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq >= uint64(len(m.chain)) {
		return nil, core.NotFoundf("proof event seq %d", seq)
	}
	cp := m.chain[seq]
	return &cp, nil
}

func (m *Memory) GetEntryByHash(_ context.Context, hash string) (*core.ProofEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.chain {
		if m.chain[i].Hash == hash {
			cp := m.chain[i]
			return &cp, nil
		}
	}
	return nil, core.NotFoundf("proof event hash %s", hash)
}

func (m *Memory) EntriesFrom(_ context.Context, fromSeq uint64) ([]core.ProofEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if fromSeq >= uint64(len(m.chain)) {
		return nil, nil
	}
	out := make([]core.ProofEvent, len(m.chain)-int(fromSeq))
	copy(out, m.chain[fromSeq:])
	return out, nil
}

func (m *Memory) Length(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.chain)), nil
}

// TamperEntry overwrites a stored payload byte-for-byte. Only used by
// chain-verification tests; not part of any store interface.
func (m *Memory) TamperEntry(seq uint64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < uint64(len(m.chain)) {
		m.chain[seq].Payload = payload
	}
}
