package domain

import "time"

// PeerMessage is one entry of a student/counselor thread.
type PeerMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	Read       bool      `json:"read"`
}

// Between reports whether the message belongs to the thread of a and b,
// in either direction.
func (m PeerMessage) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}
