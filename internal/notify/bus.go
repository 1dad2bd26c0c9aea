package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cognigate/backend/internal/core"
)

const (
	channelPrefix  = "cognigate:events:"
	publishTimeout = 2 * time.Second
)

// Bus distributes governance events across pods over Redis pub/sub and
// mirrors them onto the local WebSocket hub. With no Redis client it
// degrades to local-only delivery.
type Bus struct {
	rdb *redis.Client
	hub *Hub
}

// NewBus creates a bus over an optional Redis client and a hub. Either
// may be nil.
func NewBus(rdb *redis.Client, hub *Hub) *Bus {
	return &Bus{rdb: rdb, hub: hub}
}

// EscalationCreated publishes a new pending escalation.
func (b *Bus) EscalationCreated(esc *core.Escalation) {
	b.emit(Event{Type: "escalation.created", Escalation: esc})
}

// EscalationResolved publishes a reviewer verdict.
func (b *Bus) EscalationResolved(esc *core.Escalation) {
	b.emit(Event{Type: "escalation.resolved", Escalation: esc})
}

// emit publishes through Redis when available; the Listen loop replays
// published events onto the local hub, own publishes included, so local
// delivery here would duplicate them. Without Redis the hub is fed
// directly.
func (b *Bus) emit(ev Event) {
	if b.rdb == nil {
		if b.hub != nil {
			b.hub.Broadcast(ev)
		}
		return
	}

	ev.EmittedAt = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, channelPrefix+ev.Type, data).Err(); err != nil {
		slog.Warn("redis publish failed, delivering locally only",
			"type", ev.Type, "error", err)
		if b.hub != nil {
			b.hub.Broadcast(ev)
		}
	}
}

// Listen subscribes to events published by other pods and replays them
// onto the local hub. It blocks until ctx is cancelled; run it in its
// own goroutine.
func (b *Bus) Listen(ctx context.Context) {
	if b.rdb == nil || b.hub == nil {
		return
	}

	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	slog.Info("event bus listening", "pattern", channelPrefix+"*")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("discarding malformed bus event", "error", err)
				continue
			}
			b.hub.Broadcast(ev)
		}
	}
}
