// Package gateway talks to the primary responder and the guardian analysis agent.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/sparsh/internal/domain"
)

// Markers the responder embeds in reply text. They are only consulted when a
// reply carries no structured Signal.
const (
	AuthFailureMarker = "API key not valid"
	SystemErrorMarker = "System Error"
)

// ErrUnavailable is returned when no responder is configured.
var ErrUnavailable = errors.New("responder unavailable")

// Signal is the structured failure class a responder may attach to a reply.
type Signal string

const (
	SignalNone          Signal = ""
	SignalAuthFailure   Signal = "auth_failure"
	SignalSystemError   Signal = "system_error"
	SignalQuotaExceeded Signal = "quota_exceeded"
)

// SendRequest is one conversational turn sent to the responder.
type SendRequest struct {
	History       []domain.Message
	Text          string
	WithContext   bool
	ForceFallback bool
}

// Reply is the responder's answer to a turn.
type Reply struct {
	Text                 string
	DetectedMood         domain.Mood
	IsCrisis             bool
	NeedsFallbackConsent bool
	Signal               Signal
}

// AnalyzeRequest hands a conversation snapshot to the guardian agent.
type AnalyzeRequest struct {
	UserID       string
	UserKey      string
	Conversation []domain.Message
}

// Responder produces replies for user turns.
type Responder interface {
	Send(ctx context.Context, req SendRequest) (Reply, error)
}

// Analyzer inspects a conversation and may return an intervention message.
// A nil message means the agent has nothing to add.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*domain.Message, error)
}

// Outcome is how the orchestrator must treat a reply.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthError
	OutcomeNeedsConsent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthError:
		return "auth-error"
	case OutcomeNeedsConsent:
		return "needs-consent"
	default:
		return "success"
	}
}

// Classify maps a reply to its outcome. Auth failures win over consent.
func Classify(r Reply) Outcome {
	switch r.Signal {
	case SignalAuthFailure, SignalSystemError:
		return OutcomeAuthError
	case SignalQuotaExceeded:
		return OutcomeNeedsConsent
	}
	if strings.Contains(r.Text, AuthFailureMarker) || strings.Contains(r.Text, SystemErrorMarker) {
		return OutcomeAuthError
	}
	if r.NeedsFallbackConsent || strings.Contains(r.Text, domain.QuotaNoticeMarker) {
		return OutcomeNeedsConsent
	}
	return OutcomeSuccess
}

// SystemErrorReply turns a transport failure into the inline notice shown to
// the student.
func SystemErrorReply(err error) Reply {
	return Reply{
		Text:   SystemErrorMarker + ": I couldn't reach the wellness service right now. " + errText(err),
		Signal: SignalSystemError,
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "(request timed out)"
	}
	return "(" + err.Error() + ")"
}
