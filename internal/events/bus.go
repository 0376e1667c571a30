// Package events fans per-student state changes out to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a state change.
type Type string

const (
	TypeSending         Type = "sending"
	TypeSettled         Type = "settled"
	TypeAuthError       Type = "auth-error"
	TypeAwaitingConsent Type = "awaiting-fallback-consent"
	TypeFallbackDismiss Type = "fallback-dismissed"
	TypeMessageAppended Type = "message-appended"
	TypeMessageRemoved  Type = "message-removed"
	TypeCrisis          Type = "crisis"
	TypeTasksUpdated    Type = "tasks-updated"
	TypeSlotsUpdated    Type = "slots-updated"
	TypePeerUpdated     Type = "peer-updated"
	TypeMoodChanged     Type = "mood-changed"
)

const defaultSubscriberBuf = 64

// Event is one state change for one student.
type Event struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"-"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(userID string, typ Type, payload any) Event
}

// Bus assigns globally increasing event IDs, keeps a replay queue and
// delivers events to live subscribers.
type Bus struct {
	mu      sync.Mutex
	lastID  int64
	nextSub int64
	subs    map[string]map[int64]*Subscription
	queue   *Queue
	bufSize int
	logger  *slog.Logger
}

// NewBus creates a bus whose replay queue keeps queueSize events per user.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[string]map[int64]*Subscription),
		queue:   NewQueue(queueSize),
		bufSize: defaultSubscriberBuf,
		logger:  logger,
	}
}

// Publish records an event and delivers it to userID's subscribers.
// A subscriber whose buffer is full misses the event; it can resync by
// reconnecting with its last seen ID.
func (b *Bus) Publish(userID string, typ Type, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	ev := Event{
		ID:        b.lastID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.queue.Enqueue(ev)

	for id, sub := range b.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"user_id", userID, "subscriber", id, "event_id", ev.ID, "type", typ)
		}
	}
	return ev
}

// Subscribe registers a live subscriber for userID. Events after afterID that
// are still queued are returned as the replay; every later event arrives on
// the subscription channel, with no gap or overlap between the two.
func (b *Bus) Subscribe(userID string, afterID int64) (*Subscription, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		userID: userID,
		ch:     make(chan Event, b.bufSize),
		bus:    b,
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int64]*Subscription)
	}
	b.subs[userID][sub.id] = sub
	b.logger.Debug("event subscriber attached", "user_id", userID, "subscriber", sub.id, "after", afterID)

	return sub, b.queue.Since(userID, afterID)
}

// LastID returns the most recently assigned event ID.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.userID]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.userID)
		}
	}
	close(sub.ch)
}

// Subscription is a live event feed for one student.
type Subscription struct {
	id     int64
	userID string
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

var _ Publisher = (*Bus)(nil)
