package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cognigate/backend/internal/core"
)

// Postgres implements every store interface over database/sql with the
// lib/pq driver. Exclusive update regions use SELECT ... FOR UPDATE;
// the chain's optimistic concurrency comes from a unique sequence
// column, so a lost race surfaces as a unique violation.
type Postgres struct {
	db *sql.DB
}

const uniqueViolation = "23505"

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema when absent. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hierarchy_level INT NOT NULL,
			observation_tier TEXT NOT NULL,
			current_score INT NOT NULL DEFAULT 0,
			current_tier TEXT NOT NULL DEFAULT 'T0',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trust_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			kind TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trust_events_agent_time
			ON trust_events (agent_id, occurred_at DESC)`,
		`CREATE TABLE IF NOT EXISTS trust_snapshots (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			score INT NOT NULL,
			tier TEXT NOT NULL,
			raw_composite DOUBLE PRECISION NOT NULL,
			ceiling INT NOT NULL,
			floor INT NOT NULL,
			event_ids JSONB NOT NULL DEFAULT '[]',
			computed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trust_snapshots_agent_time
			ON trust_snapshots (agent_id, computed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL,
			context JSONB NOT NULL DEFAULT '{}',
			confirmation_token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			body JSONB NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS precedents (
			id TEXT PRIMARY KEY,
			action_type TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS precedents_action_time
			ON precedents (action_type, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS proof_chain (
			seq BIGINT PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Stores returns the bundle with every interface backed by Postgres.
func (p *Postgres) Stores() Stores {
	return Stores{Agents: p, Trust: p, Intents: p, Escalations: p, Precedents: p, Chain: p}
}

// ----------------------------------------------------------------------
// AgentStore
// ----------------------------------------------------------------------

func (p *Postgres) CreateAgent(ctx context.Context, agent *core.Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, hierarchy_level, observation_tier, current_score, current_tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.Name, int(agent.HierarchyLevel), string(agent.ObservationTier),
		agent.CurrentScore, string(agent.CurrentTier), agent.CreatedAt, agent.UpdatedAt)
	if isUnique(err) {
		return core.Validationf("agent %s already exists", agent.ID)
	}
	return err
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	return scanAgent(p.db.QueryRowContext(ctx, `
		SELECT id, name, hierarchy_level, observation_tier, current_score, current_tier, created_at, updated_at
		FROM agents WHERE id = $1`, id), id)
}

func (p *Postgres) UpdateAgent(ctx context.Context, id string, fn func(*core.Agent) error) (*core.Agent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	agent, err := scanAgent(tx.QueryRowContext(ctx, `
		SELECT id, name, hierarchy_level, observation_tier, current_score, current_tier, created_at, updated_at
		FROM agents WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(agent); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET name = $2, hierarchy_level = $3, observation_tier = $4,
			current_score = $5, current_tier = $6, updated_at = $7
		WHERE id = $1`,
		agent.ID, agent.Name, int(agent.HierarchyLevel), string(agent.ObservationTier),
		agent.CurrentScore, string(agent.CurrentTier), time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return agent, nil
}

func scanAgent(row *sql.Row, id string) (*core.Agent, error) {
	var a core.Agent
	var level int
	var obsTier, tier string
	err := row.Scan(&a.ID, &a.Name, &level, &obsTier, &a.CurrentScore, &tier, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("agent %s", id)
	}
	if err != nil {
		return nil, err
	}
	a.HierarchyLevel = core.HierarchyLevel(level)
	a.ObservationTier = core.ObservationTier(obsTier)
	a.CurrentTier = core.TrustTier(tier)
	return &a, nil
}

// ----------------------------------------------------------------------
// TrustStore
// ----------------------------------------------------------------------

func (p *Postgres) AppendEvent(ctx context.Context, ev *core.TrustEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_events (id, agent_id, kind, weight, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.AgentID, string(ev.Kind), ev.Weight, ev.Note, ev.OccurredAt)
	return err
}

func (p *Postgres) EventsSince(ctx context.Context, agentID string, since time.Time, limit int) ([]core.TrustEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, weight, note, occurred_at
		FROM trust_events
		WHERE agent_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3`, agentID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.TrustEvent
	for rows.Next() {
		var ev core.TrustEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &kind, &ev.Weight, &ev.Note, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Kind = core.TrustEventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap *core.TrustSnapshot) error {
	ids, err := json.Marshal(snap.EventIDs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trust_snapshots (agent_id, score, tier, raw_composite, ceiling, floor, event_ids, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.AgentID, snap.Score, string(snap.Tier), snap.RawComposite, snap.Ceiling, snap.Floor, ids, snap.ComputedAt)
	return err
}

func (p *Postgres) LatestSnapshot(ctx context.Context, agentID string) (*core.TrustSnapshot, error) {
	snaps, err := p.SnapshotHistory(ctx, agentID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, core.NotFoundf("no snapshot for agent %s", agentID)
	}
	return &snaps[0], nil
}

func (p *Postgres) SnapshotHistory(ctx context.Context, agentID string, limit int) ([]core.TrustSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT agent_id, score, tier, raw_composite, ceiling, floor, event_ids, computed_at
		FROM trust_snapshots
		WHERE agent_id = $1
		ORDER BY computed_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.TrustSnapshot
	for rows.Next() {
		var s core.TrustSnapshot
		var tier string
		var ids []byte
		if err := rows.Scan(&s.AgentID, &s.Score, &tier, &s.RawComposite, &s.Ceiling, &s.Floor, &ids, &s.ComputedAt); err != nil {
			return nil, err
		}
		s.Tier = core.TrustTier(tier)
		if err := json.Unmarshal(ids, &s.EventIDs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------
// IntentStore
// ----------------------------------------------------------------------

func (p *Postgres) SaveIntent(ctx context.Context, intent *core.Intent) error {
	ctxJSON, err := json.Marshal(intent.Context)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO intents (id, agent_id, goal, action_type, context, confirmation_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		intent.ID, intent.AgentID, intent.Goal, intent.ActionType, ctxJSON,
		intent.ConfirmationToken, string(intent.Status), intent.CreatedAt, intent.UpdatedAt)
	if isUnique(err) {
		return core.Validationf("intent %s already exists", intent.ID)
	}
	return err
}

func (p *Postgres) GetIntent(ctx context.Context, id string) (*core.Intent, error) {
	return scanIntent(p.db.QueryRowContext(ctx, `
		SELECT id, agent_id, goal, action_type, context, confirmation_token, status, created_at, updated_at
		FROM intents WHERE id = $1`, id), id)
}

func (p *Postgres) UpdateIntent(ctx context.Context, id string, fn func(*core.Intent) error) (*core.Intent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	intent, err := scanIntent(tx.QueryRowContext(ctx, `
		SELECT id, agent_id, goal, action_type, context, confirmation_token, status, created_at, updated_at
		FROM intents WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}

	intent.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE intents SET status = $2, updated_at = $3 WHERE id = $1`,
		intent.ID, string(intent.Status), intent.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return intent, nil
}

func scanIntent(row *sql.Row, id string) (*core.Intent, error) {
	var i core.Intent
	var status string
	var ctxJSON []byte
	err := row.Scan(&i.ID, &i.AgentID, &i.Goal, &i.ActionType, &ctxJSON, &i.ConfirmationToken, &status, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("intent %s", id)
	}
	if err != nil {
		return nil, err
	}
	i.Status = core.IntentStatus(status)
	if err := json.Unmarshal(ctxJSON, &i.Context); err != nil {
		return nil, err
	}
	return &i, nil
}

// ----------------------------------------------------------------------
// EscalationStore
// ----------------------------------------------------------------------

func (p *Postgres) CreateEscalation(ctx context.Context, esc *core.Escalation) error {
	body, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escalations (id, body, status, priority, agent_id, assigned_to, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		esc.ID, body, string(esc.Status), string(esc.Priority), esc.AgentID, esc.AssignedTo, esc.Version, esc.CreatedAt)
	if isUnique(err) {
		return core.Validationf("escalation %s already exists", esc.ID)
	}
	return err
}

func (p *Postgres) GetEscalation(ctx context.Context, id string) (*core.Escalation, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM escalations WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("escalation %s", id)
	}
	if err != nil {
		return nil, err
	}
	var esc core.Escalation
	if err := json.Unmarshal(body, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

func (p *Postgres) ListEscalations(ctx context.Context, filter EscalationFilter) ([]core.Escalation, error) {
	query := `SELECT body FROM escalations WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Priority != "" {
		add("priority", string(filter.Priority))
	}
	if filter.AgentID != "" {
		add("agent_id", filter.AgentID)
	}
	if filter.AssignedTo != "" {
		add("assigned_to", filter.AssignedTo)
	}
	query += " ORDER BY created_at ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Escalation
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var esc core.Escalation
		if err := json.Unmarshal(body, &esc); err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateEscalation(ctx context.Context, id string, fn func(*core.Escalation) error) (*core.Escalation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var body []byte
	err = tx.QueryRowContext(ctx, `SELECT body FROM escalations WHERE id = $1 FOR UPDATE`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("escalation %s", id)
	}
	if err != nil {
		return nil, err
	}
	var esc core.Escalation
	if err := json.Unmarshal(body, &esc); err != nil {
		return nil, err
	}

	expectedVersion := esc.Version
	if err := fn(&esc); err != nil {
		return nil, err
	}
	esc.Version++
	esc.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&esc)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE escalations SET body = $2, status = $3, assigned_to = $4, version = $5
		WHERE id = $1 AND version = $6`,
		esc.ID, updated, string(esc.Status), esc.AssignedTo, esc.Version, expectedVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.InvalidStatef("escalation %s was modified concurrently", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &esc, nil
}

// ----------------------------------------------------------------------
// PrecedentStore
// ----------------------------------------------------------------------

func (p *Postgres) SavePrecedent(ctx context.Context, pr *core.Precedent) error {
	body, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO precedents (id, action_type, body, created_at)
		VALUES ($1, $2, $3, $4)`,
		pr.ID, pr.ActionType, body, pr.CreatedAt)
	return err
}

func (p *Postgres) PrecedentsByAction(ctx context.Context, actionType string, limit int) ([]core.Precedent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM precedents
		WHERE action_type = $1
		ORDER BY created_at DESC
		LIMIT $2`, actionType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Precedent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var pr core.Precedent
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------
// ChainStore
// ----------------------------------------------------------------------

func (p *Postgres) AppendEntry(ctx context.Context, ev *core.ProofEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO proof_chain (seq, prev_hash, hash, kind, agent_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(ev.Seq), ev.PrevHash, ev.Hash, string(ev.Kind), ev.AgentID, []byte(ev.Payload), ev.RecordedAt)
	if isUnique(err) {
		// Someone else claimed this sequence number first.
		return fmt.Errorf("%w: seq %d already written", core.ErrChainConflict, ev.Seq)
	}
	return err
}

func (p *Postgres) LastEntry(ctx context.Context) (*core.ProofEvent, error) {
	ev, err := scanProof(p.db.QueryRowContext(ctx, `
		SELECT seq, prev_hash, hash, kind, agent_id, payload, recorded_at
		FROM proof_chain ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (p *Postgres) GetEntry(ctx context.Context, seq uint64) (*core.ProofEvent, error) {
	ev, err := scanProof(p.db.QueryRowContext(ctx, `
		SELECT seq, prev_hash, hash, kind, agent_id, payload, recorded_at
		FROM proof_chain WHERE seq = $1`, int64(seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("chain entry %d", seq)
	}
	return ev, err
}

func (p *Postgres) GetEntryByHash(ctx context.Context, hash string) (*core.ProofEvent, error) {
	ev, err := scanProof(p.db.QueryRowContext(ctx, `
		SELECT seq, prev_hash, hash, kind, agent_id, payload, recorded_at
		FROM proof_chain WHERE hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("chain entry with hash %s", hash)
	}
	return ev, err
}

func (p *Postgres) EntriesFrom(ctx context.Context, fromSeq uint64) ([]core.ProofEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, prev_hash, hash, kind, agent_id, payload, recorded_at
		FROM proof_chain WHERE seq >= $1 ORDER BY seq ASC`, int64(fromSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ProofEvent
	for rows.Next() {
		var ev core.ProofEvent
		var seq int64
		var kind string
		var payload []byte
		if err := rows.Scan(&seq, &ev.PrevHash, &ev.Hash, &kind, &ev.AgentID, &payload, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Kind = core.ProofEventKind(kind)
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) Length(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proof_chain`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func scanProof(row *sql.Row) (*core.ProofEvent, error) {
	var ev core.ProofEvent
	var seq int64
	var kind string
	var payload []byte
	err := row.Scan(&seq, &ev.PrevHash, &ev.Hash, &kind, &ev.AgentID, &payload, &ev.RecordedAt)
	if err != nil {
		return nil, err
	}
	ev.Seq = uint64(seq)
	ev.Kind = core.ProofEventKind(kind)
	ev.Payload = payload
	return &ev, nil
}

func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
