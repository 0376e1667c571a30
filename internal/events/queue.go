package events

import (
	"container/list"
	"sync"
)

// Queue buffers recent events for reconnecting subscribers, sharded per user.
// Each user gets their own bounded list so one user's burst cannot evict
// events belonging to another user.
type Queue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // userID -> events
	maxSize int
}

// NewQueue creates a new per-user replay queue.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100 // Default: keep last 100 events per user
	}
	return &Queue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to its user's queue.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ev.UserID]
	if !ok {
		l = list.New()
		q.queues[ev.UserID] = l
	}
	l.PushBack(ev)
	// Evict oldest events only within this user's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the queued events for userID with an ID greater than afterID.
func (q *Queue) Since(userID string, afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune drops a user's queue.
func (q *Queue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}
