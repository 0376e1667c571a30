// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/sparsh/internal/domain"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a slot status change is not
	// allowed from the slot's current state.
	ErrInvalidTransition = errors.New("invalid slot transition")
)

// Repository is the single source of truth for student data.
type Repository interface {
	// GetUser retrieves a student profile. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a student profile.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetChatHistory returns a student's conversation in insertion order.
	GetChatHistory(ctx context.Context, userID string) ([]domain.Message, error)

	// SaveChatMessage appends a message to the student's conversation.
	// Saving a message whose ID is already stored is a no-op.
	SaveChatMessage(ctx context.Context, userID string, msg domain.Message) error

	// DeleteChatMessage removes a message from the student's conversation.
	DeleteChatMessage(ctx context.Context, userID, msgID string) error

	// GetTasks returns the tasks filed under a user key, oldest first.
	GetTasks(ctx context.Context, userKey string) ([]domain.Task, error)

	// CreateTask files a new task under a user key.
	CreateTask(ctx context.Context, userKey string, task domain.Task) error

	// ToggleTaskCompletion flips a task's completion flag.
	ToggleTaskCompletion(ctx context.Context, userKey, taskID string) error

	// GetActiveLeave returns the newest active leave for a user key, or nil.
	GetActiveLeave(ctx context.Context, userKey string) (*domain.Leave, error)

	// GrantLeave records a wellness leave.
	GrantLeave(ctx context.Context, leave domain.Leave) error

	// GetSlots returns all appointment slots ordered by date and time.
	GetSlots(ctx context.Context) ([]domain.Slot, error)

	// CreateSlot adds or replaces an open slot.
	CreateSlot(ctx context.Context, slot domain.Slot) error

	// RequestSlot atomically claims an open slot for a student.
	// It reports false when the slot was not open at the time of the claim.
	RequestSlot(ctx context.Context, slotID, studentID, studentName string) (bool, error)

	// CancelSlotRequest atomically returns a requested slot to open, only if
	// studentID holds it. It reports false when the caller is not the holder.
	CancelSlotRequest(ctx context.Context, slotID, studentID string) (bool, error)

	// UpdateSlotStatus sets a slot status on behalf of a counselor.
	// Setting open clears the student binding.
	UpdateSlotStatus(ctx context.Context, slotID string, status domain.SlotStatus) error

	// SaveJournal stores a journal entry.
	SaveJournal(ctx context.Context, userID string, entry domain.JournalEntry) error

	// ListJournal returns a student's journal entries, newest first.
	ListJournal(ctx context.Context, userID string) ([]domain.JournalEntry, error)

	// GetP2PThread returns the peer messages exchanged between a and b.
	GetP2PThread(ctx context.Context, a, b string) ([]domain.PeerMessage, error)

	// SendP2PMessage appends a peer message.
	SendP2PMessage(ctx context.Context, msg domain.PeerMessage) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
