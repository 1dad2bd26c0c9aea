package core

import (
	"encoding/json"
	"time"
)

// GenesisHash is the fixed well-known previous-hash of the first chain
// entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ProofEventKind categorizes the payload carried by a chain entry.
type ProofEventKind string

const (
	ProofDecision             ProofEventKind = "decision"
	ProofTrustDelta           ProofEventKind = "trust_delta"
	ProofEscalationResolution ProofEventKind = "escalation_resolution"
	ProofIntentWithdrawn      ProofEventKind = "intent_withdrawn"
	ProofAgentAdmin           ProofEventKind = "agent_admin"
)

// ProofEvent is one entry in the hash chain. Immutable once appended.
type ProofEvent struct {
	Seq        uint64          `json:"seq"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	Kind       ProofEventKind  `json:"kind"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// VerifyResult is the structured outcome of chain verification. Verify
// never fails: an empty or single-entry chain is trivially valid.
type VerifyResult struct {
	Valid    bool    `json:"valid"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
	Checked  uint64  `json:"checked"`
}
