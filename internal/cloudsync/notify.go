package cloudsync

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier receives one call per session a reconciliation pass actually
// created or updated.
type Notifier interface {
	SessionUpdated(ctx context.Context, userID, sessionID string)
}

type NotifierFunc func(ctx context.Context, userID, sessionID string)

func (f NotifierFunc) SessionUpdated(ctx context.Context, userID, sessionID string) {
	f(ctx, userID, sessionID)
}

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) SessionUpdated(ctx context.Context, userID, sessionID string) {
	for _, n := range m {
		if n != nil {
			n.SessionUpdated(ctx, userID, sessionID)
		}
	}
}

type SessionEvent struct {
	UserID    string
	SessionID string
}

// Broadcaster is an in-process publish/subscribe channel for session events.
// Publishing never blocks; a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan SessionEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan SessionEvent)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) SessionUpdated(_ context.Context, userID, sessionID string) {
	ev := SessionEvent{UserID: userID, SessionID: sessionID}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping session event for slow subscriber", "user_id", userID, "session_id", sessionID)
		}
	}
}
