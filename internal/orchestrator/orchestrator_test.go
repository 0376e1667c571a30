package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/gateway"
	"github.com/ashureev/sparsh/internal/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChatStore struct {
	mu      sync.Mutex
	msgs    []domain.Message
	saveErr error
	// saveLimit, when set, fails every save once that many messages are stored.
	saveLimit int
}

func (s *fakeChatStore) GetChatHistory(_ context.Context, _ string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.msgs...), nil
}

func (s *fakeChatStore) SaveChatMessage(_ context.Context, _ string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.saveLimit > 0 && len(s.msgs) >= s.saveLimit {
		return errors.New("disk full")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeChatStore) DeleteChatMessage(_ context.Context, _ string, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.msgs {
		if m.ID == msgID {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeChatStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.ID
	}
	return out
}

// scriptedResponder returns replies in order and records every request.
type scriptedResponder struct {
	mu       sync.Mutex
	replies  []gateway.Reply
	errs     []error
	requests []gateway.SendRequest
}

func (r *scriptedResponder) Send(_ context.Context, req gateway.SendRequest) (gateway.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.requests)
	r.requests = append(r.requests, req)
	if i < len(r.errs) && r.errs[i] != nil {
		return gateway.Reply{}, r.errs[i]
	}
	if i < len(r.replies) {
		return r.replies[i], nil
	}
	return gateway.Reply{Text: fmt.Sprintf("reply %d", i)}, nil
}

func (r *scriptedResponder) request(i int) gateway.SendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[i]
}

func (r *scriptedResponder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// fakeAnalyzer answers with fn; calls counts invocations.
type fakeAnalyzer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int, req gateway.AnalyzeRequest) (*domain.Message, error)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req gateway.AnalyzeRequest) (*domain.Message, error) {
	n := int(a.calls.Add(1))
	if a.fn == nil {
		return nil, nil
	}
	return a.fn(ctx, n, req)
}

// blockingResponder parks every call until release is closed or the call's
// context ends.
type blockingResponder struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func newBlockingResponder() *blockingResponder {
	return &blockingResponder{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (r *blockingResponder) Send(ctx context.Context, _ gateway.SendRequest) (gateway.Reply, error) {
	r.entered <- struct{}{}
	select {
	case <-r.release:
		return gateway.Reply{Text: "I'm still here with you."}, nil
	case <-ctx.Done():
		r.ctxErr.Store(ctx.Err())
		return gateway.Reply{}, ctx.Err()
	}
}

func newSQLiteChats(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestOrchestrator(chats ChatStore, r gateway.Responder, opts ...Option) *Orchestrator {
	return New(Config{
		UserID:          "u1",
		UserKey:         "asha.rao@campus.edu",
		AgentTimeout:    5 * time.Second,
		ReplyTimeout:    5 * time.Second,
		AvatarIdleDelay: 10 * time.Millisecond,
	}, chats, r, opts...)
}

func messageIDs(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendRejectsEmptyText(t *testing.T) {
	o := newTestOrchestrator(&fakeChatStore{}, &scriptedResponder{})
	defer o.Close()

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := o.Send(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if n := len(o.Snapshot().Messages); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestOverwhelmedScenario(t *testing.T) {
	chats := &fakeChatStore{}
	responder := &scriptedResponder{replies: []gateway.Reply{{
		Text:         "That sounds heavy. Let's slow down together.",
		DetectedMood: domain.MoodStressed,
	}}}

	var o *Orchestrator
	var refreshSawAgent atomic.Bool
	refreshed := make(chan struct{}, 1)
	analyzer := &fakeAnalyzer{fn: func(_ context.Context, _ int, req gateway.AnalyzeRequest) (*domain.Message, error) {
		if len(req.Conversation) != 2 {
			return nil, fmt.Errorf("unexpected conversation length %d", len(req.Conversation))
		}
		return &domain.Message{
			ID:       "agent-1",
			Role:     domain.RoleAgent,
			Text:     "I've added a breathing routine to your tasks.",
			Metadata: &domain.Metadata{Kind: domain.InterventionTask, TaskName: "Box breathing"},
		}, nil
	}}
	o = newTestOrchestrator(chats, responder,
		WithAnalyzer(analyzer),
		WithHooks(Hooks{RefreshTasks: func(context.Context) error {
			for _, m := range o.Snapshot().Messages {
				if m.ID == "agent-1" {
					refreshSawAgent.Store(true)
				}
			}
			refreshed <- struct{}{}
			return nil
		}}),
	)
	defer o.Close()

	snap, err := o.Send(context.Background(), "I feel overwhelmed")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap.Turn != TurnSettled {
		t.Fatalf("turn = %s, want settled", snap.Turn)
	}
	if snap.Mood != domain.MoodStressed {
		t.Fatalf("mood = %q, want stressed", snap.Mood)
	}
	if req := responder.request(0); req.ForceFallback || !req.WithContext || len(req.History) != 0 {
		t.Fatalf("unexpected first request %+v", req)
	}

	o.Wait()
	select {
	case <-refreshed:
	default:
		t.Fatal("task refresh hook was not called")
	}
	if refreshSawAgent.Load() {
		t.Fatal("tasks must be refreshed before the agent message is appended")
	}

	final := o.Snapshot()
	if len(final.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(final.Messages))
	}
	roles := []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleAgent}
	for i, m := range final.Messages {
		if m.Role != roles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, roles[i])
		}
	}
	if !equalStrings(messageIDs(final.Messages), chats.ids()) {
		t.Fatalf("persisted order %v differs from displayed %v", chats.ids(), messageIDs(final.Messages))
	}
}

func TestTokenLimitFallbackRoundTrip(t *testing.T) {
	chats := &fakeChatStore{}
	responder := &scriptedResponder{replies: []gateway.Reply{
		{Text: "Token Limit Reached. Switch to the backup model?", NeedsFallbackConsent: true},
		{Text: "Backup model here. How can I help?"},
		{Text: "Still on the backup model."},
	}}
	bus := events.NewBus(100, nil)
	o := newTestOrchestrator(chats, responder, WithPublisher(bus))
	defer o.Close()

	snap, err := o.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap.Fallback != FallbackAwaitingConsent || snap.Turn != TurnAwaitingConsent {
		t.Fatalf("unexpected states fallback=%s turn=%s", snap.Fallback, snap.Turn)
	}
	if len(snap.Actions) != 2 {
		t.Fatalf("expected consent actions, got %v", snap.Actions)
	}
	if len(snap.Messages) != 2 || !snap.Messages[1].IsQuotaNotice() {
		t.Fatalf("expected user message and quota notice, got %+v", snap.Messages)
	}
	if len(chats.ids()) != 2 {
		t.Fatalf("expected consent prompt persisted, store has %v", chats.ids())
	}

	snap, err = o.ConfirmFallback(context.Background())
	if err != nil {
		t.Fatalf("ConfirmFallback: %v", err)
	}
	if snap.Fallback != FallbackActive || snap.Turn != TurnSettled {
		t.Fatalf("unexpected states fallback=%s turn=%s", snap.Fallback, snap.Turn)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected user message and backup reply, got %d messages", len(snap.Messages))
	}
	users := 0
	for _, m := range snap.Messages {
		if m.IsQuotaNotice() {
			t.Fatal("consent prompt still displayed")
		}
		if m.Role == domain.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("expected exactly one user message, got %d", users)
	}
	if !equalStrings(messageIDs(snap.Messages), chats.ids()) {
		t.Fatalf("store %v differs from display %v", chats.ids(), messageIDs(snap.Messages))
	}

	resend := responder.request(1)
	if !resend.ForceFallback || resend.Text != "hello" {
		t.Fatalf("unexpected resend %+v", resend)
	}
	for _, h := range resend.History {
		if h.Text == "hello" {
			t.Fatal("resent text duplicated in history")
		}
	}

	if _, err := o.Send(context.Background(), "thanks"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !responder.request(2).ForceFallback {
		t.Fatal("sends after confirming fallback must keep forcing it")
	}

	sub, replay := bus.Subscribe("u1", 0)
	defer sub.Close()
	var sawConsent, sawRemoved bool
	for _, ev := range replay {
		switch ev.Type {
		case events.TypeAwaitingConsent:
			sawConsent = true
		case events.TypeMessageRemoved:
			sawRemoved = true
		}
	}
	if !sawConsent || !sawRemoved {
		t.Fatalf("expected consent and removal events, consent=%v removed=%v", sawConsent, sawRemoved)
	}
}

func TestDismissFallbackLeavesHistory(t *testing.T) {
	chats := &fakeChatStore{}
	responder := &scriptedResponder{replies: []gateway.Reply{
		{Text: "Token Limit Reached", NeedsFallbackConsent: true},
	}}
	o := newTestOrchestrator(chats, responder)
	defer o.Close()

	if _, err := o.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := messageIDs(o.Snapshot().Messages)

	snap, err := o.DismissFallback(context.Background())
	if err != nil {
		t.Fatalf("DismissFallback: %v", err)
	}
	if snap.Fallback != FallbackNormal || len(snap.Actions) != 0 {
		t.Fatalf("unexpected state %s actions %v", snap.Fallback, snap.Actions)
	}
	if !equalStrings(before, messageIDs(snap.Messages)) {
		t.Fatal("dismiss changed history")
	}
	if responder.calls() != 1 {
		t.Fatalf("dismiss must not resend, responder calls = %d", responder.calls())
	}

	if _, err := o.DismissFallback(context.Background()); !errors.Is(err, ErrNoPendingConsent) {
		t.Fatalf("second dismiss error = %v", err)
	}
	if _, err := o.ConfirmFallback(context.Background()); !errors.Is(err, ErrNoPendingConsent) {
		t.Fatalf("confirm without offer error = %v", err)
	}
}

func TestSendWhileAwaitingConsentDismissesOffer(t *testing.T) {
	responder := &scriptedResponder{replies: []gateway.Reply{
		{Text: "Token Limit Reached", NeedsFallbackConsent: true},
		{Text: "ok"},
	}}
	o := newTestOrchestrator(&fakeChatStore{}, responder)
	defer o.Close()

	if _, err := o.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	snap, err := o.Send(context.Background(), "second")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap.Fallback != FallbackNormal {
		t.Fatalf("fallback = %s, want normal", snap.Fallback)
	}
	if responder.request(1).ForceFallback {
		t.Fatal("implicit dismissal must not force fallback")
	}
	// The quota notice stays visible but never reaches the model.
	for _, h := range responder.request(1).History {
		if h.IsQuotaNotice() {
			t.Fatal("quota notice sent as model input")
		}
	}
}

func TestAuthErrorIsStickyUntilSuccess(t *testing.T) {
	responder := &scriptedResponder{replies: []gateway.Reply{
		{Text: "API key not valid. Please pass a valid API key."},
		{Text: "Hi again"},
	}}
	analyzer := &fakeAnalyzer{}
	o := newTestOrchestrator(&fakeChatStore{}, responder, WithAnalyzer(analyzer))
	defer o.Close()

	snap, err := o.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !snap.AuthError || snap.Turn != TurnIdle {
		t.Fatalf("expected auth error idle, got auth=%v turn=%s", snap.AuthError, snap.Turn)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("auth error reply must be appended, got %d messages", len(snap.Messages))
	}
	o.Wait()
	if analyzer.calls.Load() != 0 {
		t.Fatal("analyzer must not run after an auth error")
	}

	snap, err = o.Send(context.Background(), "retry")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap.AuthError {
		t.Fatal("auth error flag must clear after a successful reply")
	}
	o.Wait()
	if analyzer.calls.Load() != 1 {
		t.Fatalf("analyzer calls = %d, want 1", analyzer.calls.Load())
	}
}

func TestTransportFailureBecomesSystemErrorReply(t *testing.T) {
	responder := &scriptedResponder{errs: []error{context.DeadlineExceeded}}
	o := newTestOrchestrator(&fakeChatStore{}, responder)
	defer o.Close()

	snap, err := o.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != domain.RoleAssistant || gateway.Classify(gateway.Reply{Text: last.Text}) != gateway.OutcomeAuthError {
		t.Fatalf("unexpected last message %+v", last)
	}
	if !snap.AuthError || responder.calls() != 1 {
		t.Fatalf("expected one unretried call with auth flag, calls=%d", responder.calls())
	}
}

func TestNilResponderReportsSystemError(t *testing.T) {
	o := newTestOrchestrator(&fakeChatStore{}, nil)
	defer o.Close()

	snap, err := o.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !snap.AuthError {
		t.Fatal("expected auth/system error flag")
	}
}

func TestPersistFailureKeepsDisplayInSync(t *testing.T) {
	chats := &fakeChatStore{saveErr: errors.New("disk full")}
	responder := &scriptedResponder{}
	o := newTestOrchestrator(chats, responder)
	defer o.Close()

	if _, err := o.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected persist error")
	}
	if len(o.Snapshot().Messages) != 0 {
		t.Fatal("unpersisted message must not be displayed")
	}
	if responder.calls() != 0 {
		t.Fatal("responder must not be called when the user message was not persisted")
	}
}

func TestLateAgentMergeLandsAfterLaterTurns(t *testing.T) {
	chats := &fakeChatStore{}
	release := make(chan struct{})
	analyzer := &fakeAnalyzer{fn: func(ctx context.Context, call int, _ gateway.AnalyzeRequest) (*domain.Message, error) {
		if call != 1 {
			return nil, nil
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &domain.Message{ID: "late", Role: domain.RoleAgent, Text: "Checking in on you."}, nil
	}}
	o := newTestOrchestrator(chats, &scriptedResponder{}, WithAnalyzer(analyzer))
	defer o.Close()

	// The request context ends with the first turn; the analysis must survive it.
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := o.Send(ctx, "turn 0"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancel()

	const later = 3
	for i := 1; i <= later; i++ {
		if _, err := o.Send(context.Background(), fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	close(release)
	o.Wait()

	snap := o.Snapshot()
	if want := 2*(later+1) + 1; len(snap.Messages) != want {
		t.Fatalf("expected %d messages, got %d", want, len(snap.Messages))
	}
	if snap.Messages[len(snap.Messages)-1].ID != "late" {
		t.Fatalf("late agent message not at tail: %v", messageIDs(snap.Messages))
	}
	if !equalStrings(messageIDs(snap.Messages), chats.ids()) {
		t.Fatalf("persisted order %v differs from displayed %v", chats.ids(), messageIDs(snap.Messages))
	}
}

func TestConcurrentMergesKeepPersistedOrder(t *testing.T) {
	chats := &fakeChatStore{}
	analyzer := &fakeAnalyzer{fn: func(_ context.Context, call int, _ gateway.AnalyzeRequest) (*domain.Message, error) {
		time.Sleep(time.Duration(call%3) * time.Millisecond)
		return &domain.Message{ID: fmt.Sprintf("agent-%d", call), Text: "note"}, nil
	}}
	o := newTestOrchestrator(chats, &scriptedResponder{}, WithAnalyzer(analyzer))
	defer o.Close()

	for i := 0; i < 10; i++ {
		if _, err := o.Send(context.Background(), fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	o.Wait()

	snap := o.Snapshot()
	if len(snap.Messages) != 30 {
		t.Fatalf("expected 30 messages, got %d", len(snap.Messages))
	}
	if !equalStrings(messageIDs(snap.Messages), chats.ids()) {
		t.Fatal("persisted order differs from displayed order")
	}
	for _, m := range snap.Messages {
		if m.Role == "" {
			t.Fatalf("merged message without role: %+v", m)
		}
	}
}

func TestCrisisHooks(t *testing.T) {
	var crises atomic.Int32
	responder := &scriptedResponder{replies: []gateway.Reply{{Text: "Please reach out now.", IsCrisis: true}}}
	analyzer := &fakeAnalyzer{fn: func(context.Context, int, gateway.AnalyzeRequest) (*domain.Message, error) {
		return &domain.Message{
			Text:     "I've alerted your counselor.",
			Metadata: &domain.Metadata{Kind: domain.InterventionCrisis},
		}, nil
	}}
	o := newTestOrchestrator(&fakeChatStore{}, responder,
		WithAnalyzer(analyzer),
		WithHooks(Hooks{OnCrisis: func(context.Context) { crises.Add(1) }}),
	)
	defer o.Close()

	if _, err := o.Send(context.Background(), "I can't do this anymore"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if crises.Load() != 1 {
		t.Fatalf("reply crisis flag must call the hook synchronously, got %d", crises.Load())
	}
	o.Wait()
	if crises.Load() != 2 {
		t.Fatalf("agent crisis trigger must call the hook, got %d", crises.Load())
	}
}

func TestAnalyzerFailureIsSwallowed(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(context.Context, int, gateway.AnalyzeRequest) (*domain.Message, error) {
		return nil, errors.New("guardian offline")
	}}
	o := newTestOrchestrator(&fakeChatStore{}, &scriptedResponder{}, WithAnalyzer(analyzer))
	defer o.Close()

	snap, err := o.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	o.Wait()
	if got := len(o.Snapshot().Messages); got != len(snap.Messages) {
		t.Fatalf("failed analysis changed the conversation: %d -> %d", len(snap.Messages), got)
	}
}

func TestLoadRestoresHistory(t *testing.T) {
	chats := &fakeChatStore{msgs: []domain.Message{
		{ID: "a", Role: domain.RoleUser, Text: "earlier"},
		{ID: "b", Role: domain.RoleAssistant, Text: "reply"},
	}}
	responder := &scriptedResponder{}
	o := newTestOrchestrator(chats, responder)
	defer o.Close()

	if err := o.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := o.Send(context.Background(), "now"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(responder.request(0).History); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestAmbientAvatarCycle(t *testing.T) {
	var mu sync.Mutex
	var states []domain.AvatarState
	a := NewAmbient(5*time.Millisecond, func(_ domain.Mood, s domain.AvatarState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer a.Stop()

	a.Listening()
	a.Speaking()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, s := a.State(); s == domain.AvatarIdle {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, s := a.State(); s != domain.AvatarIdle {
		t.Fatalf("avatar = %s, want idle", s)
	}

	a.SetMood(domain.Mood("confused"))
	if m, _ := a.State(); m != "" {
		t.Fatalf("unknown mood accepted: %q", m)
	}
	a.SetMood(domain.MoodCalm)
	if m, _ := a.State(); m != domain.MoodCalm {
		t.Fatalf("mood = %q, want calm", m)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []domain.AvatarState{domain.AvatarListening, domain.AvatarSpeaking, domain.AvatarIdle}
	for i, s := range want {
		if i >= len(states) || states[i] != s {
			t.Fatalf("avatar transitions = %v, want prefix %v", states, want)
		}
	}
}

func TestAbandonedRequestStillSettlesTurn(t *testing.T) {
	chats := newSQLiteChats(t)
	responder := newBlockingResponder()
	o := newTestOrchestrator(chats, responder)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := o.Send(ctx, "are you there?")
		done <- result{snap, err}
	}()

	<-responder.entered
	cancel()
	// Give a leaked cancellation time to reach the responder.
	time.Sleep(20 * time.Millisecond)
	close(responder.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if err, _ := responder.ctxErr.Load().(error); err != nil {
		t.Fatalf("responder call was cancelled with the request: %v", err)
	}
	if res.snap.Turn != TurnSettled || res.snap.AuthError {
		t.Fatalf("turn=%s auth_error=%v, want settled without auth error", res.snap.Turn, res.snap.AuthError)
	}

	stored, err := chats.GetChatHistory(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(stored) != 2 || stored[1].Text != "I'm still here with you." {
		t.Fatalf("expected user message and reply persisted, got %+v", stored)
	}
	if !equalStrings(messageIDs(stored), messageIDs(res.snap.Messages)) {
		t.Fatal("persisted order differs from displayed order")
	}
}

func TestAuthErrorFlagNeedsPersistedReply(t *testing.T) {
	chats := &fakeChatStore{saveLimit: 1}
	responder := &scriptedResponder{replies: []gateway.Reply{
		{Text: "API key not valid. Please pass a valid API key."},
	}}
	o := newTestOrchestrator(chats, responder)
	defer o.Close()

	if _, err := o.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected the reply persist error")
	}
	snap := o.Snapshot()
	if snap.AuthError {
		t.Fatal("auth error raised for a reply that was never stored")
	}
	if snap.Turn != TurnIdle || len(snap.Messages) != 1 {
		t.Fatalf("turn=%s messages=%d, want idle with only the user message", snap.Turn, len(snap.Messages))
	}
}

func TestStructuredQuotaNoticeNeverReachesModel(t *testing.T) {
	notice := gateway.Reply{Text: "Daily quota used up. Switch to the backup model?", NeedsFallbackConsent: true}

	hasNotice := func(history []domain.Message) bool {
		for _, h := range history {
			if h.Text == notice.Text {
				return true
			}
		}
		return false
	}

	t.Run("dismissed", func(t *testing.T) {
		responder := &scriptedResponder{replies: []gateway.Reply{notice}}
		o := newTestOrchestrator(&fakeChatStore{}, responder)
		defer o.Close()

		snap, err := o.Send(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !snap.Messages[1].IsQuotaNotice() {
			t.Fatalf("consent reply not marked as a notice: %+v", snap.Messages[1])
		}
		if _, err := o.DismissFallback(context.Background()); err != nil {
			t.Fatalf("DismissFallback: %v", err)
		}
		if _, err := o.Send(context.Background(), "never mind"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if hasNotice(responder.request(1).History) {
			t.Fatal("quota notice sent as model input after dismissal")
		}
	})

	t.Run("implicitly declined", func(t *testing.T) {
		responder := &scriptedResponder{replies: []gateway.Reply{notice}}
		o := newTestOrchestrator(&fakeChatStore{}, responder)
		defer o.Close()

		if _, err := o.Send(context.Background(), "hello"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if _, err := o.Send(context.Background(), "something else"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if hasNotice(responder.request(1).History) {
			t.Fatal("quota notice sent as model input after a new message")
		}
	})

	t.Run("reloaded", func(t *testing.T) {
		chats := newSQLiteChats(t)
		first := newTestOrchestrator(chats, &scriptedResponder{replies: []gateway.Reply{notice}})
		if _, err := first.Send(context.Background(), "hello"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		first.Close()

		responder := &scriptedResponder{}
		o := newTestOrchestrator(chats, responder)
		defer o.Close()
		if err := o.Load(context.Background()); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if _, err := o.Send(context.Background(), "back again"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		history := responder.request(0).History
		if hasNotice(history) || len(history) != 1 {
			t.Fatalf("reloaded notice reached the model: %+v", history)
		}
	})
}

func TestCloseDuringTurnStartsNoBackgroundWork(t *testing.T) {
	responder := newBlockingResponder()
	analyzer := &fakeAnalyzer{}
	o := newTestOrchestrator(&fakeChatStore{}, responder, WithAnalyzer(analyzer))

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(context.Background(), "hello")
		done <- err
	}()

	<-responder.entered
	o.Close()
	close(responder.release)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	o.Wait()
	if n := analyzer.calls.Load(); n != 0 {
		t.Fatalf("analysis started after Close, calls = %d", n)
	}
	// The idle reset is not rearmed, so the avatar keeps its last state.
	time.Sleep(50 * time.Millisecond)
	if _, a := o.Ambient().State(); a != domain.AvatarSpeaking {
		t.Fatalf("avatar = %s, want speaking with no idle reset", a)
	}
}
