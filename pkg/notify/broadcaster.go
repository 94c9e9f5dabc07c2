package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster is the in-process sink feeding live subscribers, typically
// the SSE endpoint. Sends are non-blocking: a subscriber that cannot keep
// up drops events rather than stalling the publisher.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]chan Event // userID -> subID -> channel
}

const subscriberBuffer = 16

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.With("module", "broadcaster"),
		subs:   make(map[string]map[string]chan Event),
	}
}

// Subscribe registers a listener for a user's events. The returned id must
// be passed to Unsubscribe when the listener goes away.
func (b *Broadcaster) Subscribe(userID string) (string, <-chan Event) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]chan Event)
	}
	b.subs[userID][id] = ch

	return id, ch
}

func (b *Broadcaster) Unsubscribe(userID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chans, ok := b.subs[userID]; ok {
		if ch, ok := chans[id]; ok {
			delete(chans, id)
			close(ch)
		}
		if len(chans) == 0 {
			delete(b.subs, userID)
		}
	}
}

func (b *Broadcaster) Publish(_ context.Context, userID string, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs[userID] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber not keeping up, dropping event", "user_id", userID, "sub_id", id, "type", evt.Type)
		}
	}
}
