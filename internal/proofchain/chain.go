// Package proofchain implements the append-only, hash-linked audit log
// that anchors every governance decision. Each entry's hash covers the
// previous entry's hash, so any mutation of stored history is detectable
// by recomputation.
package proofchain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/cognigate/backend/internal/core"
	"github.com/cognigate/backend/internal/store"
)

// appendAttempts bounds the optimistic-concurrency retry loop. Conflicts
// only occur when two writers race for the same sequence number, so a
// handful of retries clears any realistic contention.
const appendAttempts = 5

// Observer receives append outcomes for instrumentation. Methods must
// be cheap and non-blocking.
type Observer interface {
	AppendRecorded(length uint64)
	ConflictRetried()
}

// Chain serializes appends over a ChainStore and provides verification.
type Chain struct {
	store    store.ChainStore
	observer Observer
}

// New creates a chain manager over the given store.
func New(cs store.ChainStore) *Chain {
	return &Chain{store: cs}
}

// SetObserver attaches instrumentation. Call before the chain is shared.
func (c *Chain) SetObserver(o Observer) {
	c.observer = o
}

// Append records a payload as the next chain entry. The payload is
// canonicalized before hashing so verification is byte-stable across
// marshal order. Retries bounded times on ChainConflict, then surfaces
// the conflict to the caller.
func (c *Chain) Append(ctx context.Context, kind core.ProofEventKind, agentID string, payload interface{}) (*core.ProofEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal proof payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize proof payload: %w", err)
	}

	backoff := 5 * time.Millisecond
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		last, err := c.store.LastEntry(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}

		ev := &core.ProofEvent{
			Seq:        0,
			PrevHash:   core.GenesisHash,
			Kind:       kind,
			AgentID:    agentID,
			Payload:    canonical,
			RecordedAt: time.Now().UTC(),
		}
		if last != nil {
			ev.Seq = last.Seq + 1
			ev.PrevHash = last.Hash
		}
		ev.Hash = EntryHash(ev)

		err = c.store.AppendEntry(ctx, ev)
		if err == nil {
			if c.observer != nil {
				c.observer.AppendRecorded(ev.Seq + 1)
			}
			return ev, nil
		}
		if !errors.Is(err, core.ErrChainConflict) {
			return nil, fmt.Errorf("append proof event: %w", err)
		}

		if c.observer != nil {
			c.observer.ConflictRetried()
		}
		slog.Warn("proof chain append conflict, retrying",
			"attempt", attempt,
			"seq", ev.Seq,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: chain append lost %d races", core.ErrChainConflict, appendAttempts)
}

// EntryHash computes the hash of one entry:
// SHA-256(prevHash || payload || seq || recordedAt-unixnano).
func EntryHash(ev *core.ProofEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.PrevHash))
	h.Write(ev.Payload)

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], ev.Seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(ev.RecordedAt.UnixNano()))
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes hashes entry-by-entry starting at fromSeq and
// reports the first sequence at which recomputation diverges from the
// stored hash. It never fails: an empty or single-entry chain is
// trivially valid.
func (c *Chain) Verify(ctx context.Context, fromSeq uint64) core.VerifyResult {
	entries, err := c.store.EntriesFrom(ctx, fromSeq)
	if err != nil {
		// An unreadable chain is reported as broken at the requested
		// start, not as an opaque error.
		at := fromSeq
		slog.Error("chain verification could not read entries", "error", err)
		return core.VerifyResult{Valid: false, BrokenAt: &at}
	}

	prevHash := core.GenesisHash
	if fromSeq > 0 {
		prev, err := c.store.GetEntry(ctx, fromSeq-1)
		switch {
		case errors.Is(err, core.ErrNotFound) && len(entries) == 0:
			// Starting past the chain end checks nothing; a short
			// chain is not a tampered one.
			return core.VerifyResult{Valid: true}
		case err != nil:
			at := fromSeq
			return core.VerifyResult{Valid: false, BrokenAt: &at}
		default:
			prevHash = prev.Hash
		}
	}

	var checked uint64
	for i := range entries {
		ev := &entries[i]
		if ev.PrevHash != prevHash || ev.Hash != EntryHash(ev) {
			at := ev.Seq
			return core.VerifyResult{Valid: false, BrokenAt: &at, Checked: checked}
		}
		prevHash = ev.Hash
		checked++
	}
	return core.VerifyResult{Valid: true, Checked: checked}
}

// Get returns the entry at seq.
func (c *Chain) Get(ctx context.Context, seq uint64) (*core.ProofEvent, error) {
	return c.store.GetEntry(ctx, seq)
}

// GetByHash returns the entry with the given hash.
func (c *Chain) GetByHash(ctx context.Context, hash string) (*core.ProofEvent, error) {
	return c.store.GetEntryByHash(ctx, hash)
}

// EntriesFrom returns all entries with sequence >= fromSeq.
func (c *Chain) EntriesFrom(ctx context.Context, fromSeq uint64) ([]core.ProofEvent, error) {
	return c.store.EntriesFrom(ctx, fromSeq)
}

// Length returns the number of chain entries.
func (c *Chain) Length(ctx context.Context) (uint64, error) {
	return c.store.Length(ctx)
}
