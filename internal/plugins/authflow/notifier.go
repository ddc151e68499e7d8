package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// notifyChannelPrefix is the Redis pub/sub channel prefix for request
// status transitions.
const notifyChannelPrefix = "authreq:"

// Notifier pushes terminal status transitions to whoever is watching a
// request, so the opener tab reacts the instant the popup finishes instead
// of polling. Backed by Redis pub/sub.
type Notifier struct {
	redis *redis.Client
}

// NewNotifier creates a notifier on the shared Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{redis: rdb}
}

// Publish announces a terminal transition. Best-effort: a watcher that
// missed the message still sees the new status on its initial snapshot,
// so a publish failure is logged, not propagated.
func (n *Notifier) Publish(ctx context.Context, event StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("encoding status event", slog.Any("error", err))
		return
	}

	if err := n.redis.Publish(ctx, notifyChannelPrefix+event.RequestID, data).Err(); err != nil {
		slog.Warn("publishing status event",
			slog.String("request_id", event.RequestID),
			slog.Any("error", err),
		)
	}
}

// Watch subscribes to a request's transitions. The returned channel closes
// when ctx is cancelled. Callers must call the returned stop function.
func (n *Notifier) Watch(ctx context.Context, requestID string) (<-chan StatusEvent, func(), error) {
	sub := n.redis.Subscribe(ctx, notifyChannelPrefix+requestID)

	// Force the subscription onto the wire before returning, so a
	// transition racing with watch setup isn't lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribing to request %s: %w", requestID, err)
	}

	events := make(chan StatusEvent, 1)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("decoding status event", slog.Any("error", err))
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { sub.Close() }
	return events, stop, nil
}
