// Package orchestrator owns a student's conversation: the per-turn state
// machine, fallback consent and the merge point for guardian interventions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/gateway"
	"github.com/ashureev/sparsh/internal/transcript"
	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned when a send carries only whitespace.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoPendingConsent is returned when there is no fallback offer to act on.
	ErrNoPendingConsent = errors.New("no fallback offer is pending")
)

const (
	// DefaultAgentTimeout bounds one guardian analysis.
	DefaultAgentTimeout = 60 * time.Second
	// DefaultReplyTimeout bounds one responder call.
	DefaultReplyTimeout = 30 * time.Second
)

// TurnState is the progress of the current turn.
type TurnState string

const (
	TurnIdle            TurnState = "idle"
	TurnSending         TurnState = "sending"
	TurnEvaluating      TurnState = "evaluating"
	TurnAwaitingConsent TurnState = "awaiting-consent"
	TurnSettled         TurnState = "settled"
)

// FallbackState tracks the secondary-model consent protocol.
type FallbackState string

const (
	FallbackNormal          FallbackState = "normal"
	FallbackAwaitingConsent FallbackState = "awaiting-consent"
	FallbackActive          FallbackState = "fallback-active"
)

// Actions offered while a fallback offer is pending.
const (
	ActionConfirmFallback = "confirm-fallback"
	ActionDismiss         = "dismiss"
)

// ChatStore is the slice of the repository the orchestrator writes through.
type ChatStore interface {
	GetChatHistory(ctx context.Context, userID string) ([]domain.Message, error)
	SaveChatMessage(ctx context.Context, userID string, msg domain.Message) error
	DeleteChatMessage(ctx context.Context, userID, msgID string) error
}

// Hooks are side effects the orchestrator triggers but does not own.
type Hooks struct {
	// OnCrisis escalates to emergency support.
	OnCrisis func(ctx context.Context)
	// RefreshTasks reloads the task board.
	RefreshTasks func(ctx context.Context) error
}

// Config identifies the conversation and bounds background work.
type Config struct {
	UserID          string
	UserKey         string
	AgentTimeout    time.Duration
	ReplyTimeout    time.Duration
	AvatarIdleDelay time.Duration
}

// Snapshot is a consistent copy of the conversation state.
type Snapshot struct {
	Messages  []domain.Message   `json:"messages"`
	Turn      TurnState          `json:"turn"`
	Fallback  FallbackState      `json:"fallback"`
	AuthError bool               `json:"auth_error"`
	Mood      domain.Mood        `json:"mood,omitempty"`
	Avatar    domain.AvatarState `json:"avatar"`
	Actions   []string           `json:"actions,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAnalyzer enables guardian analysis after every settled turn.
func WithAnalyzer(a gateway.Analyzer) Option {
	return func(o *Orchestrator) { o.analyzer = a }
}

// WithHooks sets the crisis and task-refresh hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithPublisher publishes state changes.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithTranscript records every appended message.
func WithTranscript(l transcript.Logger) Option {
	return func(o *Orchestrator) { o.transcript = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator drives one student's conversation.
type Orchestrator struct {
	cfg        Config
	chats      ChatStore
	responder  gateway.Responder
	analyzer   gateway.Analyzer
	hooks      Hooks
	publisher  events.Publisher
	transcript transcript.Logger
	logger     *slog.Logger
	ambient    *Ambient

	// turnMu serializes user-initiated turns.
	turnMu sync.Mutex
	// writeMu is held across append and persist so the stored order
	// matches the displayed order.
	writeMu sync.Mutex

	mu              sync.RWMutex
	messages        []domain.Message
	turn            TurnState
	fallback        FallbackState
	authError       bool
	lastUserText    string
	lastUserID      string
	pendingNoticeID string
	closed          bool

	bg sync.WaitGroup
}

// New creates an orchestrator. responder may be nil, in which case every turn
// ends with a system error notice.
func New(cfg Config, chats ChatStore, responder gateway.Responder, opts ...Option) *Orchestrator {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	o := &Orchestrator{
		cfg:        cfg,
		chats:      chats,
		responder:  responder,
		transcript: transcript.Nop(),
		turn:       TurnIdle,
		fallback:   FallbackNormal,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("user_id", cfg.UserID)
	o.ambient = NewAmbient(cfg.AvatarIdleDelay, func(m domain.Mood, a domain.AvatarState) {
		o.publish(events.TypeMoodChanged, map[string]string{"mood": string(m), "avatar": string(a)})
	})
	return o
}

// Load restores the persisted conversation.
func (o *Orchestrator) Load(ctx context.Context) error {
	history, err := o.chats.GetChatHistory(ctx, o.cfg.UserID)
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	o.mu.Lock()
	o.messages = history
	o.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the conversation state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	snap := Snapshot{
		Messages:  append([]domain.Message(nil), o.messages...),
		Turn:      o.turn,
		Fallback:  o.fallback,
		AuthError: o.authError,
	}
	o.mu.RUnlock()

	if snap.Fallback == FallbackAwaitingConsent {
		snap.Actions = []string{ActionConfirmFallback, ActionDismiss}
	}
	snap.Mood, snap.Avatar = o.ambient.State()
	return snap
}

// Ambient exposes the mood and avatar context.
func (o *Orchestrator) Ambient() *Ambient {
	return o.ambient
}

// SetMood sets the student's mood explicitly.
func (o *Orchestrator) SetMood(m domain.Mood) {
	o.ambient.SetMood(m)
}

// Send submits a user turn and evaluates the responder's reply. Once the user
// message is stored the turn runs to completion even if ctx is cancelled.
func (o *Orchestrator) Send(ctx context.Context, text string) (Snapshot, error) {
	if strings.TrimSpace(text) == "" {
		return Snapshot{}, ErrEmptyMessage
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	// A new message implicitly declines a pending fallback offer.
	o.mu.Lock()
	dismissed := o.fallback == FallbackAwaitingConsent
	if dismissed {
		o.fallback = FallbackNormal
		o.pendingNoticeID = ""
	}
	o.mu.Unlock()
	if dismissed {
		o.publish(events.TypeFallbackDismiss, nil)
	}

	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := o.append(ctx, userMsg); err != nil {
		return Snapshot{}, err
	}

	o.mu.Lock()
	o.lastUserText = text
	o.lastUserID = userMsg.ID
	force := o.fallback == FallbackActive
	o.mu.Unlock()

	if err := o.dispatch(context.WithoutCancel(ctx), text, force); err != nil {
		return Snapshot{}, err
	}
	return o.Snapshot(), nil
}

// ConfirmFallback accepts the pending fallback offer: the consent prompt is
// removed and the last user text is resent with the fallback model forced.
func (o *Orchestrator) ConfirmFallback(ctx context.Context) (Snapshot, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.RLock()
	pending := o.fallback == FallbackAwaitingConsent
	noticeID := o.pendingNoticeID
	text := o.lastUserText
	o.mu.RUnlock()
	if !pending {
		return Snapshot{}, ErrNoPendingConsent
	}

	if noticeID != "" {
		if err := o.remove(ctx, noticeID); err != nil {
			return Snapshot{}, err
		}
	}

	o.mu.Lock()
	o.fallback = FallbackActive
	o.pendingNoticeID = ""
	o.mu.Unlock()

	if err := o.dispatch(context.WithoutCancel(ctx), text, true); err != nil {
		return Snapshot{}, err
	}
	return o.Snapshot(), nil
}

// DismissFallback declines the pending fallback offer. History is untouched.
func (o *Orchestrator) DismissFallback(_ context.Context) (Snapshot, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	if o.fallback != FallbackAwaitingConsent {
		o.mu.Unlock()
		return Snapshot{}, ErrNoPendingConsent
	}
	o.fallback = FallbackNormal
	o.pendingNoticeID = ""
	o.turn = TurnIdle
	o.mu.Unlock()

	o.publish(events.TypeFallbackDismiss, nil)
	return o.Snapshot(), nil
}

// Wait blocks until every outstanding guardian analysis has been merged.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Close stops new guardian analyses, waits for running ones and cancels the
// avatar idle timer. A turn still in flight finishes without rearming it.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.bg.Wait()
	o.ambient.Stop()
}

// dispatch runs the reply half of a turn. ctx must not be tied to the
// caller's request.
func (o *Orchestrator) dispatch(ctx context.Context, text string, force bool) error {
	o.setTurn(TurnSending)
	o.ambient.Listening()
	o.publish(events.TypeSending, nil)

	reply := o.callResponder(ctx, text, force)

	o.setTurn(TurnEvaluating)
	o.ambient.Speaking()

	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Text:      reply.Text,
		CreatedAt: time.Now(),
	}

	outcome := gateway.Classify(reply)
	o.logger.Debug("reply evaluated", "outcome", outcome.String(), "forced_fallback", force)

	switch outcome {
	case gateway.OutcomeAuthError:
		if err := o.append(ctx, msg); err != nil {
			o.setTurn(TurnIdle)
			return err
		}
		o.mu.Lock()
		o.authError = true
		o.turn = TurnIdle
		o.mu.Unlock()
		o.publish(events.TypeAuthError, map[string]string{"message_id": msg.ID})

	case gateway.OutcomeNeedsConsent:
		msg.MarkQuotaNotice()
		if err := o.append(ctx, msg); err != nil {
			o.setTurn(TurnIdle)
			return err
		}
		o.mu.Lock()
		o.fallback = FallbackAwaitingConsent
		o.pendingNoticeID = msg.ID
		o.turn = TurnAwaitingConsent
		o.mu.Unlock()
		o.publish(events.TypeAwaitingConsent, map[string]any{
			"message_id": msg.ID,
			"actions":    []string{ActionConfirmFallback, ActionDismiss},
		})

	default:
		if reply.DetectedMood != "" {
			o.ambient.SetMood(reply.DetectedMood)
		}
		if reply.IsCrisis {
			o.crisis(ctx)
		}
		if err := o.append(ctx, msg); err != nil {
			o.setTurn(TurnIdle)
			return err
		}
		o.mu.Lock()
		o.authError = false
		o.turn = TurnSettled
		o.mu.Unlock()
		o.publish(events.TypeSettled, map[string]string{"message_id": msg.ID})
		o.dispatchAgent(ctx)
	}
	return nil
}

func (o *Orchestrator) callResponder(ctx context.Context, text string, force bool) gateway.Reply {
	if o.responder == nil {
		return gateway.SystemErrorReply(gateway.ErrUnavailable)
	}

	o.mu.RLock()
	history := make([]domain.Message, 0, len(o.messages))
	for _, m := range domain.ModelInput(o.messages) {
		// The turn being sent travels as text, not history.
		if m.ID == o.lastUserID {
			continue
		}
		history = append(history, m)
	}
	o.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReplyTimeout)
	defer cancel()
	reply, err := o.responder.Send(ctx, gateway.SendRequest{
		History:       history,
		Text:          text,
		WithContext:   true,
		ForceFallback: force,
	})
	if err != nil {
		o.logger.Warn("responder call failed", "error", err)
		return gateway.SystemErrorReply(err)
	}
	return reply
}

// dispatchAgent hands the settled conversation to the guardian in the
// background. Its answer is merged at whatever the tail is by then.
func (o *Orchestrator) dispatchAgent(ctx context.Context) {
	if o.analyzer == nil {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	// Add under mu so Close cannot start waiting before it.
	o.bg.Add(1)
	conv := append([]domain.Message(nil), o.messages...)
	o.mu.Unlock()

	go func() {
		defer o.bg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AgentTimeout)
		defer cancel()

		msg, err := o.analyzer.Analyze(actx, gateway.AnalyzeRequest{
			UserID:       o.cfg.UserID,
			UserKey:      o.cfg.UserKey,
			Conversation: conv,
		})
		if err != nil {
			o.logger.Warn("guardian analysis failed", "error", err)
			return
		}
		if msg == nil {
			return
		}
		o.merge(actx, *msg)
	}()
}

func (o *Orchestrator) merge(ctx context.Context, msg domain.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if !msg.Role.Valid() {
		msg.Role = domain.RoleAgent
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if msg.Is(domain.InterventionCrisis) {
		o.crisis(ctx)
	}
	if msg.Is(domain.InterventionTask) && o.hooks.RefreshTasks != nil {
		if err := o.hooks.RefreshTasks(ctx); err != nil {
			o.logger.Warn("task refresh after assignment failed", "error", err)
		}
	}
	if err := o.append(ctx, msg); err != nil {
		o.logger.Warn("failed to merge guardian message", "message_id", msg.ID, "error", err)
	}
}

func (o *Orchestrator) crisis(ctx context.Context) {
	o.logger.Warn("crisis escalation triggered")
	o.publish(events.TypeCrisis, nil)
	if o.hooks.OnCrisis != nil {
		o.hooks.OnCrisis(ctx)
	}
}

// append persists msg and then adds it at the tail.
func (o *Orchestrator) append(ctx context.Context, msg domain.Message) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if err := o.chats.SaveChatMessage(ctx, o.cfg.UserID, msg); err != nil {
		return fmt.Errorf("persist %s message: %w", msg.Role, err)
	}
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()

	o.publish(events.TypeMessageAppended, msg)
	entry := transcript.Entry{
		UserID:     o.cfg.UserID,
		MessageID:  msg.ID,
		Role:       string(msg.Role),
		EventType:  string(events.TypeMessageAppended),
		ContentRaw: msg.Text,
	}
	if msg.Metadata != nil {
		entry.Kind = string(msg.Metadata.Kind)
	}
	o.transcript.Log(entry)
	return nil
}

func (o *Orchestrator) remove(ctx context.Context, msgID string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if err := o.chats.DeleteChatMessage(ctx, o.cfg.UserID, msgID); err != nil {
		return fmt.Errorf("delete message %s: %w", msgID, err)
	}
	o.mu.Lock()
	for i, m := range o.messages {
		if m.ID == msgID {
			o.messages = append(o.messages[:i], o.messages[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.publish(events.TypeMessageRemoved, map[string]string{"message_id": msgID})
	o.transcript.Log(transcript.Entry{
		UserID:    o.cfg.UserID,
		MessageID: msgID,
		EventType: string(events.TypeMessageRemoved),
	})
	return nil
}

func (o *Orchestrator) setTurn(t TurnState) {
	o.mu.Lock()
	o.turn = t
	o.mu.Unlock()
}

func (o *Orchestrator) publish(typ events.Type, payload any) {
	if o.publisher != nil {
		o.publisher.Publish(o.cfg.UserID, typ, payload)
	}
}
