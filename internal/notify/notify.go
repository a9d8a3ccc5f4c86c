// Package notify fans out task and agent state-change notifications to
// interested listeners. Delivery is best-effort: a slow or absent consumer
// never blocks the dispatch path.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/model"
)

const defaultBuffer = 256

// Bus is an in-process notification fan-out. Publish never blocks; when a
// subscriber's buffer is full the notification is dropped for that subscriber
// and counted.
type Bus struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[int]chan model.Notification
	nextID  int
	dropped int64
	closed  bool
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
		subs:   map[int]chan model.Notification{},
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel; after cancel the channel is closed.
func (b *Bus) Subscribe() (<-chan model.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Notification, defaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the notification to every subscriber that has room and
// logs the transition.
func (b *Bus) Publish(entityType, entityID, newState string) {
	n := model.Notification{
		EntityType: entityType,
		EntityID:   entityID,
		NewState:   newState,
		Timestamp:  b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped++
		}
	}

	b.logger.Debug().
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("new_state", newState).
		Msg("state_change")
}

// Dropped returns the number of notifications discarded because a subscriber
// was not keeping up.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
