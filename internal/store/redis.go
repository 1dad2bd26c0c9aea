package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cognigate/backend/internal/core"
)

const (
	trustKeyPrefix = "cognigate:trust:"
	trustCacheTTL  = 5 * time.Minute
)

// RedisTrustCache is a read-through cache in front of a TrustStore for
// the hot path: LatestSnapshot is read on every authorization. Redis is
// never the system of record; any cache failure falls through to the
// inner store.
type RedisTrustCache struct {
	inner TrustStore
	rdb   *redis.Client
}

// NewRedisTrustCache wraps a trust store with a Redis snapshot cache.
func NewRedisTrustCache(inner TrustStore, rdb *redis.Client) *RedisTrustCache {
	return &RedisTrustCache{inner: inner, rdb: rdb}
}

func (c *RedisTrustCache) AppendEvent(ctx context.Context, ev *core.TrustEvent) error {
	return c.inner.AppendEvent(ctx, ev)
}

func (c *RedisTrustCache) EventsSince(ctx context.Context, agentID string, since time.Time, limit int) ([]core.TrustEvent, error) {
	return c.inner.EventsSince(ctx, agentID, since, limit)
}

// SaveSnapshot writes through: the durable store first, then the cache.
func (c *RedisTrustCache) SaveSnapshot(ctx context.Context, snap *core.TrustSnapshot) error {
	if err := c.inner.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	if err := c.rdb.Set(ctx, trustKeyPrefix+snap.AgentID, data, trustCacheTTL).Err(); err != nil {
		slog.Warn("trust cache write failed", "agent_id", snap.AgentID, "error", err)
	}
	return nil
}

func (c *RedisTrustCache) LatestSnapshot(ctx context.Context, agentID string) (*core.TrustSnapshot, error) {
	data, err := c.rdb.Get(ctx, trustKeyPrefix+agentID).Bytes()
	if err == nil {
		var snap core.TrustSnapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr == nil {
			return &snap, nil
		}
		// Poisoned entry: drop it and fall through.
		c.rdb.Del(ctx, trustKeyPrefix+agentID)
	} else if err != redis.Nil {
		slog.Warn("trust cache read failed", "agent_id", agentID, "error", err)
	}

	snap, err := c.inner.LatestSnapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if data, jsonErr := json.Marshal(snap); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, trustKeyPrefix+agentID, data, trustCacheTTL).Err(); setErr != nil {
			slog.Warn("trust cache backfill failed", "agent_id", agentID, "error", setErr)
		}
	}
	return snap, nil
}

func (c *RedisTrustCache) SnapshotHistory(ctx context.Context, agentID string, limit int) ([]core.TrustSnapshot, error) {
	return c.inner.SnapshotHistory(ctx, agentID, limit)
}
