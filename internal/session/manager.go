package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
)

// DefaultSweepInterval is how often idle sessions are looked for.
const DefaultSweepInterval = 5 * time.Minute

type entry struct {
	sess     *Session
	ready    chan struct{}
	err      error
	lastUsed time.Time
}

// Manager keeps one loaded session per student.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager creates an empty manager.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*entry),
	}
}

// Get returns the student's session, creating and loading it on first use.
// Concurrent callers for the same student share one load.
func (m *Manager) Get(ctx context.Context, user domain.User) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := m.sessions[user.UserID]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.sess, nil
	}

	e := &entry{ready: make(chan struct{}), lastUsed: time.Now()}
	m.sessions[user.UserID] = e
	m.mu.Unlock()

	sess := New(user, m.cfg, m.deps)
	if err := sess.Load(ctx); err != nil {
		sess.Close()
		e.err = err
		m.mu.Lock()
		delete(m.sessions, user.UserID)
		m.mu.Unlock()
		close(e.ready)
		return nil, err
	}
	e.sess = sess
	close(e.ready)
	return sess, nil
}

// Lookup returns a loaded session without creating one.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.sess, e.sess != nil
	default:
		return nil, false
	}
}

// Each calls fn for every loaded session.
func (m *Manager) Each(fn func(*Session)) {
	m.mu.Lock()
	var loaded []*Session
	for _, e := range m.sessions {
		select {
		case <-e.ready:
			if e.sess != nil {
				loaded = append(loaded, e.sess)
			}
		default:
		}
	}
	m.mu.Unlock()
	for _, s := range loaded {
		fn(s)
	}
}

// Close closes every session. Later Get calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.sess != nil {
			e.sess.Close()
		}
	}
}

// Sweep closes sessions nobody has asked for within idle and reports how many
// it closed. A closed student gets a fresh session on their next request.
func (m *Manager) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	var expired []*Session
	for id, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.sess != nil && e.lastUsed.Before(cutoff) {
			expired = append(expired, e.sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval, idle time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Session sweeper started", "interval", interval, "idle", idle)

		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(idle); n > 0 {
					logger.Info("Closed idle sessions", "count", n)
				}
			case <-ctx.Done():
				logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
