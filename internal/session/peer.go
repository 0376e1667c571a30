package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/shared"
	"github.com/google/uuid"
)

// PeerStore is the slice of the repository used by the peer thread.
type PeerStore interface {
	GetP2PThread(ctx context.Context, a, b string) ([]domain.PeerMessage, error)
	SendP2PMessage(ctx context.Context, msg domain.PeerMessage) error
}

// PeerThread is the student/counselor message thread.
type PeerThread struct {
	repo      PeerStore
	selfID    string
	peerID    string
	msgs      shared.Latest[[]domain.PeerMessage]
	publisher events.Publisher
}

func newPeerThread(repo PeerStore, selfID, peerID string, pub events.Publisher) *PeerThread {
	return &PeerThread{repo: repo, selfID: selfID, peerID: peerID, publisher: pub}
}

// PeerID returns the counselor on the other side of the thread.
func (p *PeerThread) PeerID() string {
	return p.peerID
}

// Snapshot returns a copy of the cached thread.
func (p *PeerThread) Snapshot() []domain.PeerMessage {
	return append([]domain.PeerMessage(nil), p.msgs.Get()...)
}

// Refresh reloads the thread from the store.
func (p *PeerThread) Refresh(ctx context.Context) error {
	seq := p.msgs.Begin()
	msgs, err := p.repo.GetP2PThread(ctx, p.selfID, p.peerID)
	if err != nil {
		return fmt.Errorf("refresh peer thread: %w", err)
	}
	if p.msgs.Commit(seq, msgs) && p.publisher != nil {
		p.publisher.Publish(p.selfID, events.TypePeerUpdated, nil)
	}
	return nil
}

// Send appends a message to the counselor and refetches the thread.
func (p *PeerThread) Send(ctx context.Context, text string) (domain.PeerMessage, error) {
	if strings.TrimSpace(text) == "" {
		return domain.PeerMessage{}, ErrEmptyText
	}
	msg := domain.PeerMessage{
		ID:         uuid.NewString(),
		SenderID:   p.selfID,
		ReceiverID: p.peerID,
		Text:       text,
		SentAt:     time.Now(),
	}
	if err := p.repo.SendP2PMessage(ctx, msg); err != nil {
		return domain.PeerMessage{}, fmt.Errorf("send peer message: %w", err)
	}
	return msg, p.Refresh(ctx)
}
