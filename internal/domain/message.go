package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks a message typed by the student.
	RoleUser Role = "user"
	// RoleAssistant marks a reply from the primary responder.
	RoleAssistant Role = "assistant"
	// RoleAgent marks a system-initiated intervention from the guardian agent.
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAgent:
		return true
	}
	return false
}

// InterventionKind categorizes structured agent metadata.
type InterventionKind string

const (
	InterventionCrisis  InterventionKind = "crisis_trigger"
	InterventionTask    InterventionKind = "task_assignment"
	InterventionBooking InterventionKind = "booking_suggestion"

	// KindQuotaNotice marks a responder reply that asked for fallback consent.
	KindQuotaNotice InterventionKind = "quota_notice"
)

// Metadata carries intervention details attached to an agent message.
type Metadata struct {
	Kind     InterventionKind `json:"type"`
	SlotID   string           `json:"slot_id,omitempty"`
	SlotTime string           `json:"slot_time,omitempty"`
	TaskName string           `json:"task_name,omitempty"`
}

// QuotaNoticeMarker is the text the responder uses for a quota-limit notice.
const QuotaNoticeMarker = "Token Limit Reached"

// Message is a single conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// IsQuotaNotice reports whether the message is a quota-limit notice.
// Quota notices are UI artifacts and never part of model input. Messages
// stored without the mark are recognized by their text.
func (m Message) IsQuotaNotice() bool {
	if m.Is(KindQuotaNotice) {
		return true
	}
	return m.Metadata == nil && strings.Contains(m.Text, QuotaNoticeMarker)
}

// MarkQuotaNotice tags m as a quota-limit notice.
func (m *Message) MarkQuotaNotice() {
	m.Metadata = &Metadata{Kind: KindQuotaNotice}
}

// Is reports whether the message carries intervention metadata of kind k.
func (m Message) Is(k InterventionKind) bool {
	return m.Metadata != nil && m.Metadata.Kind == k
}

// ModelInput returns the messages that form real dialogue turns,
// dropping quota-limit notices. The input slice is not modified.
func ModelInput(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsQuotaNotice() {
			continue
		}
		out = append(out, m)
	}
	return out
}
