package proofchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Attestor signs external verification answers with a process-held
// secret so third parties can confirm an answer came from this system
// without re-deriving the full chain.
type Attestor struct {
	secret []byte
}

// NewAttestor creates an attestor for the given signing secret.
func NewAttestor(secret []byte) *Attestor {
	return &Attestor{secret: secret}
}

// Sign computes a keyed MAC over (proofHash, agentID, recordedAt, valid).
func (a *Attestor) Sign(proofHash, agentID string, recordedAt time.Time, valid bool) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s|%s|%d|%t", proofHash, agentID, recordedAt.UnixNano(), valid)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a previously issued attestation signature.
func (a *Attestor) VerifySignature(signature, proofHash, agentID string, recordedAt time.Time, valid bool) bool {
	expected := a.Sign(proofHash, agentID, recordedAt, valid)
	return hmac.Equal([]byte(signature), []byte(expected))
}
