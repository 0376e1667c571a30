// Package session aggregates everything one signed-in student sees: the
// conversation, slots, tasks, the counselor thread and the poller feeding them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sparsh/internal/booking"
	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/gateway"
	"github.com/ashureev/sparsh/internal/orchestrator"
	"github.com/ashureev/sparsh/internal/poller"
	"github.com/ashureev/sparsh/internal/store"
	"github.com/ashureev/sparsh/internal/transcript"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultCounselorID is the counselor every student thread is opened with.
const DefaultCounselorID = "counselor_dimple"

var (
	// ErrMoodRequired is returned when a journal entry is saved without a mood.
	ErrMoodRequired = errors.New("pick a mood before saving")
	// ErrEmptyText is returned for blank journal entries and peer messages.
	ErrEmptyText = errors.New("text is empty")
	// ErrUnknownTab is returned for a tab the dashboard does not have.
	ErrUnknownTab = errors.New("unknown tab")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Tab is the dashboard section in view.
type Tab string

const (
	TabHome    Tab = "home"
	TabTasks   Tab = "tasks"
	TabJournal Tab = "journal"
	TabBooking Tab = "booking"
)

// Valid reports whether t is a known tab.
func (t Tab) Valid() bool {
	switch t {
	case TabHome, TabTasks, TabJournal, TabBooking:
		return true
	}
	return false
}

// ViewState is the explicit presentation state of a session.
type ViewState struct {
	Tab      Tab  `json:"tab"`
	PeerOpen bool `json:"peer_open"`
	Loading  bool `json:"loading"`
	Syncing  bool `json:"syncing"`
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Repo       store.Repository
	Responder  gateway.Responder
	Analyzer   gateway.Analyzer
	Publisher  events.Publisher
	Transcript transcript.Logger
	Logger     *slog.Logger
}

// Config tunes one session.
type Config struct {
	CounselorID     string
	PollInterval    time.Duration
	AgentTimeout    time.Duration
	ReplyTimeout    time.Duration
	AvatarIdleDelay time.Duration
}

// Session is one student's live state.
type Session struct {
	user   domain.User
	cfg    Config
	deps   Deps
	logger *slog.Logger

	Chat  *orchestrator.Orchestrator
	Slots *booking.Coordinator
	Tasks *TaskBoard
	Peer  *PeerThread

	// life scopes the poller; it outlives any single request.
	life   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	view   ViewState
	leave  *domain.Leave
	syncs  int
	closed bool

	pollMu sync.Mutex
	poller *poller.Poller
}

// New builds a session for user. Call Load before serving it.
func New(user domain.User, cfg Config, deps Deps) *Session {
	if cfg.CounselorID == "" {
		cfg.CounselorID = DefaultCounselorID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poller.DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transcript == nil {
		deps.Transcript = transcript.Nop()
	}
	logger := deps.Logger.With("user_id", user.UserID)

	life, cancel := context.WithCancel(context.Background())
	s := &Session{
		user:   user,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		life:   life,
		cancel: cancel,
		view:   ViewState{Tab: TabHome},
	}

	s.Tasks = newTaskBoard(deps.Repo, user.UserID, user.UserKey, deps.Publisher, logger)
	s.Peer = newPeerThread(deps.Repo, user.UserID, cfg.CounselorID, deps.Publisher)

	slotOpts := []booking.Option{booking.WithLogger(logger)}
	if deps.Publisher != nil {
		slotOpts = append(slotOpts, booking.WithPublisher(deps.Publisher, user.UserID))
	}
	s.Slots = booking.NewCoordinator(deps.Repo, slotOpts...)

	chatOpts := []orchestrator.Option{
		orchestrator.WithLogger(deps.Logger),
		orchestrator.WithTranscript(deps.Transcript),
		orchestrator.WithHooks(orchestrator.Hooks{
			OnCrisis:     s.onCrisis,
			RefreshTasks: s.Tasks.Refresh,
		}),
	}
	if deps.Analyzer != nil {
		chatOpts = append(chatOpts, orchestrator.WithAnalyzer(deps.Analyzer))
	}
	if deps.Publisher != nil {
		chatOpts = append(chatOpts, orchestrator.WithPublisher(deps.Publisher))
	}
	s.Chat = orchestrator.New(orchestrator.Config{
		UserID:          user.UserID,
		UserKey:         user.UserKey,
		AgentTimeout:    cfg.AgentTimeout,
		ReplyTimeout:    cfg.ReplyTimeout,
		AvatarIdleDelay: cfg.AvatarIdleDelay,
	}, deps.Repo, deps.Responder, chatOpts...)

	return s
}

// User returns the student this session belongs to.
func (s *Session) User() domain.User {
	return s.user
}

// Load restores chat history, tasks, leave and slots concurrently, then
// starts the poller.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.view.Loading = true
	s.mu.Unlock()
	done := s.beginSync()
	defer func() {
		done()
		s.mu.Lock()
		s.view.Loading = false
		s.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Chat.Load(gctx) })
	g.Go(func() error { return s.Tasks.Refresh(gctx) })
	g.Go(func() error { return s.Slots.Refresh(gctx) })
	g.Go(func() error {
		leave, err := s.deps.Repo.GetActiveLeave(gctx, s.user.UserKey)
		if err != nil {
			return fmt.Errorf("load leave: %w", err)
		}
		s.mu.Lock()
		s.leave = leave
		s.mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	s.restartPoller()
	s.logger.Info("session loaded")
	return nil
}

// View returns the current view state.
func (s *Session) View() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SetTab switches the dashboard section.
func (s *Session) SetTab(t Tab) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTab, t)
	}
	s.mu.Lock()
	s.view.Tab = t
	s.mu.Unlock()
	return nil
}

// ActiveLeave returns the cached wellness leave, or nil.
func (s *Session) ActiveLeave() *domain.Leave {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leave == nil {
		return nil
	}
	l := *s.leave
	return &l
}

// RefreshLeave reloads the active leave.
func (s *Session) RefreshLeave(ctx context.Context) error {
	leave, err := s.deps.Repo.GetActiveLeave(ctx, s.user.UserKey)
	if err != nil {
		return fmt.Errorf("refresh leave: %w", err)
	}
	s.mu.Lock()
	s.leave = leave
	s.mu.Unlock()
	return nil
}

// OpenPeer shows the counselor thread and adds it to the polled set.
func (s *Session) OpenPeer(ctx context.Context) error {
	if !s.setPeerOpen(true) {
		return nil
	}
	s.restartPoller()
	return s.Peer.Refresh(ctx)
}

// ClosePeer hides the counselor thread and stops polling it.
func (s *Session) ClosePeer(_ context.Context) error {
	if !s.setPeerOpen(false) {
		return nil
	}
	s.restartPoller()
	return nil
}

// SendPeer sends a message to the counselor.
func (s *Session) SendPeer(ctx context.Context, text string) (domain.PeerMessage, error) {
	done := s.beginSync()
	defer done()
	return s.Peer.Send(ctx, text)
}

// SaveJournal stores a private entry stamped with the current mood.
func (s *Session) SaveJournal(ctx context.Context, text string) (domain.JournalEntry, error) {
	if strings.TrimSpace(text) == "" {
		return domain.JournalEntry{}, ErrEmptyText
	}
	mood, _ := s.Chat.Ambient().State()
	if mood == "" {
		return domain.JournalEntry{}, ErrMoodRequired
	}

	entry := domain.JournalEntry{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Mood:      mood,
		Text:      text,
	}
	done := s.beginSync()
	defer done()
	if err := s.deps.Repo.SaveJournal(ctx, s.user.UserID, entry); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("save journal: %w", err)
	}
	return entry, nil
}

// Journal lists the student's entries, newest first.
func (s *Session) Journal(ctx context.Context) ([]domain.JournalEntry, error) {
	return s.deps.Repo.ListJournal(ctx, s.user.UserID)
}

// Close stops the poller and waits for background work.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stopPoller()
	s.cancel()
	s.Chat.Close()
	s.logger.Info("session closed")
}

func (s *Session) setPeerOpen(open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.PeerOpen == open {
		return false
	}
	s.view.PeerOpen = open
	return true
}

// beginSync raises the syncing flag until the returned func is called.
func (s *Session) beginSync() func() {
	s.mu.Lock()
	s.syncs++
	s.view.Syncing = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.syncs--
		s.view.Syncing = s.syncs > 0
		s.mu.Unlock()
	}
}

// restartPoller replaces the poller so its job set matches the current
// dependencies.
func (s *Session) restartPoller() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if s.poller != nil {
		s.poller.Stop()
		s.poller = nil
	}

	s.mu.Lock()
	closed, peerOpen := s.closed, s.view.PeerOpen
	s.mu.Unlock()
	if closed {
		return
	}

	jobs := []poller.Job{{Name: "slots", Refresh: s.Slots.Refresh}}
	if peerOpen {
		jobs = append(jobs, poller.Job{Name: "peer", Refresh: s.Peer.Refresh})
	}
	s.poller = poller.Start(s.life, poller.Config{Interval: s.cfg.PollInterval, Jobs: jobs}, s.logger)
}

func (s *Session) stopPoller() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.poller != nil {
		s.poller.Stop()
		s.poller = nil
	}
}

func (s *Session) onCrisis(_ context.Context) {
	s.logger.Warn("crisis escalation: surfacing emergency support", "user_key", s.user.UserKey)
}
