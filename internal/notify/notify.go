// Package notify fans out roster updates to subscribed teacher views.
// Payloads are opaque bytes keyed by session id, so the package stays
// independent of the domain types it carries.
package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier is the abstraction over push backends.
type Notifier interface {
	// Publish delivers body to every current subscriber of the session.
	Publish(ctx context.Context, sessionID string, body []byte) error
	// Subscribe returns a channel of payloads for the session plus a
	// cancel func that stops delivery and releases the channel. The
	// channel is closed after cancel.
	Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func(), error)
}

// subscriberBuffer bounds how far a slow subscriber may lag before
// updates are dropped; the SSE layer replays the full roster on
// reconnect, so drops are recoverable.
const subscriberBuffer = 32

// InMemory is a channel-backed fan-out hub for single-process
// deployments and tests. Delivery to each subscriber is in publish
// order; a subscriber that stops draining loses updates rather than
// blocking publishers.
type InMemory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
}

// NewInMemory creates an empty hub.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[int]chan []byte)}
}

// Publish sends body to every subscriber of the session.
func (h *InMemory) Publish(_ context.Context, sessionID string, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- body:
		default: // subscriber lagging, drop
		}
	}
	return nil
}

// Subscribe registers a new subscriber for the session.
func (h *InMemory) Subscribe(_ context.Context, sessionID string) (<-chan []byte, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan []byte)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, subscriberBuffer)
	h.subs[sessionID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[sessionID][id]; ok {
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Redis is a notifier over Redis pub/sub, for deployments with more
// than one API process: a check-in handled by one process still
// reaches teacher views streaming from another.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a notifier publishing on prefix:<sessionID> channels.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "qrattend:roster"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) channel(sessionID string) string {
	return r.prefix + ":" + sessionID
}

// Publish sends body on the session's pub/sub channel.
func (r *Redis) Publish(ctx context.Context, sessionID string, body []byte) error {
	return r.client.Publish(ctx, r.channel(sessionID), body).Err()
}

// Subscribe streams the session's pub/sub channel until cancel.
func (r *Redis) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
