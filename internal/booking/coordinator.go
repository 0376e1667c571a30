// Package booking coordinates counselor slot reservations against the store.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/shared"
)

var (
	// ErrBookingConflict is returned when a slot was no longer open.
	ErrBookingConflict = errors.New("slot is no longer available")
	// ErrNotHolder is returned when a cancel targets a slot the student does not hold.
	ErrNotHolder = errors.New("slot request is not held by this student")
)

// SlotStore is the slice of the repository used for bookings.
type SlotStore interface {
	GetSlots(ctx context.Context) ([]domain.Slot, error)
	RequestSlot(ctx context.Context, slotID, studentID, studentName string) (bool, error)
	CancelSlotRequest(ctx context.Context, slotID, studentID string) (bool, error)
	UpdateSlotStatus(ctx context.Context, slotID string, status domain.SlotStatus) error
}

// Coordinator mediates every booking call and keeps a refetched view of the
// slot list. The store is authoritative; local edits are only hints.
type Coordinator struct {
	store     SlotStore
	slots     shared.Latest[[]domain.Slot]
	publisher events.Publisher
	audience  string
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher publishes slots-updated events to userID after each commit.
func WithPublisher(p events.Publisher, userID string) Option {
	return func(c *Coordinator) {
		c.publisher = p
		c.audience = userID
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator with an empty view.
func NewCoordinator(store SlotStore, opts ...Option) *Coordinator {
	c := &Coordinator{store: store}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Slots returns a copy of the current view.
func (c *Coordinator) Slots() []domain.Slot {
	return append([]domain.Slot(nil), c.slots.Get()...)
}

// Slot returns the cached slot with the given id.
func (c *Coordinator) Slot(id string) (domain.Slot, bool) {
	for _, s := range c.slots.Get() {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Slot{}, false
}

// Refresh refetches the slot list. A fetch that completes after a newer one
// has already been applied is discarded.
func (c *Coordinator) Refresh(ctx context.Context) error {
	seq := c.slots.Begin()
	slots, err := c.store.GetSlots(ctx)
	if err != nil {
		return fmt.Errorf("refresh slots: %w", err)
	}
	if c.slots.Commit(seq, slots) && c.publisher != nil {
		c.publisher.Publish(c.audience, events.TypeSlotsUpdated, nil)
	}
	return nil
}

// Request asks for slotID on behalf of a student.
func (c *Coordinator) Request(ctx context.Context, slotID, studentID, studentName string) error {
	defer c.reconcile(ctx)

	slot, ok := c.Slot(slotID)
	if !ok || slot.Status != domain.SlotOpen {
		return ErrBookingConflict
	}

	c.hint(slotID, func(s domain.Slot) domain.Slot {
		s.Status = domain.SlotRequested
		s.StudentID = studentID
		s.StudentName = studentName
		return s
	})

	claimed, err := c.store.RequestSlot(ctx, slotID, studentID, studentName)
	if err != nil {
		return fmt.Errorf("request slot %s: %w", slotID, err)
	}
	if !claimed {
		c.logger.Info("booking conflict", "slot_id", slotID, "student_id", studentID)
		return ErrBookingConflict
	}
	return nil
}

// Cancel withdraws a pending request held by studentID.
func (c *Coordinator) Cancel(ctx context.Context, slotID, studentID string) error {
	defer c.reconcile(ctx)

	released, err := c.store.CancelSlotRequest(ctx, slotID, studentID)
	if err != nil {
		return fmt.Errorf("cancel slot %s: %w", slotID, err)
	}
	if !released {
		return ErrNotHolder
	}
	return nil
}

// Confirm approves a pending request on behalf of a counselor.
func (c *Coordinator) Confirm(ctx context.Context, slotID string) error {
	defer c.reconcile(ctx)
	if err := c.store.UpdateSlotStatus(ctx, slotID, domain.SlotConfirmed); err != nil {
		return fmt.Errorf("confirm slot %s: %w", slotID, err)
	}
	return nil
}

// Release reopens a slot on behalf of a counselor.
func (c *Coordinator) Release(ctx context.Context, slotID string) error {
	defer c.reconcile(ctx)
	if err := c.store.UpdateSlotStatus(ctx, slotID, domain.SlotOpen); err != nil {
		return fmt.Errorf("release slot %s: %w", slotID, err)
	}
	return nil
}

// reconcile refetches after a mutation. A failed refetch leaves the previous
// view, which the next poll replaces.
func (c *Coordinator) reconcile(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("slot refetch after mutation failed", "error", err)
	}
}

func (c *Coordinator) hint(slotID string, fn func(domain.Slot) domain.Slot) {
	c.slots.Update(func(cur []domain.Slot) []domain.Slot {
		next := make([]domain.Slot, len(cur))
		copy(next, cur)
		for i := range next {
			if next[i].ID == slotID {
				next[i] = fn(next[i])
			}
		}
		return next
	})
}
