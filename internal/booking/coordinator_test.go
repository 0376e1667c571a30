package booking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/store"
	"github.com/stretchr/testify/require"
)

// memSlots is an in-memory SlotStore with the same atomic claim semantics as
// the SQLite store.
type memSlots struct {
	mu       sync.Mutex
	slots    map[string]domain.Slot
	order    []string
	requests atomic.Int32
	fetches  atomic.Int32
	// fetchHook runs before GetSlots reads state.
	fetchHook func(call int32)
}

func newMemSlots(slots ...domain.Slot) *memSlots {
	m := &memSlots{slots: make(map[string]domain.Slot)}
	for _, s := range slots {
		m.slots[s.ID] = s
		m.order = append(m.order, s.ID)
	}
	return m
}

func (m *memSlots) GetSlots(_ context.Context) ([]domain.Slot, error) {
	n := m.fetches.Add(1)
	if m.fetchHook != nil {
		m.fetchHook(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Slot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.slots[id])
	}
	return out, nil
}

func (m *memSlots) RequestSlot(_ context.Context, slotID, studentID, studentName string) (bool, error) {
	m.requests.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok || s.Status != domain.SlotOpen {
		return false, nil
	}
	s.Status, s.StudentID, s.StudentName = domain.SlotRequested, studentID, studentName
	m.slots[slotID] = s
	return true, nil
}

func (m *memSlots) CancelSlotRequest(_ context.Context, slotID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok || s.Status != domain.SlotRequested || s.StudentID != studentID {
		return false, nil
	}
	s.Status, s.StudentID, s.StudentName = domain.SlotOpen, "", ""
	m.slots[slotID] = s
	return true, nil
}

func (m *memSlots) UpdateSlotStatus(_ context.Context, slotID string, status domain.SlotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return store.ErrNotFound
	}
	if status == domain.SlotOpen {
		s.StudentID, s.StudentName = "", ""
	} else if s.StudentID == "" {
		return store.ErrInvalidTransition
	}
	s.Status = status
	m.slots[slotID] = s
	return nil
}

func openSlot(id string) domain.Slot {
	return domain.Slot{ID: id, CounselorID: "counselor_dimple", CounselorName: "Dr. Dimple", Date: "2026-10-20", Time: "10:00", Status: domain.SlotOpen}
}

func TestRequestSucceedsAndRefetches(t *testing.T) {
	ctx := context.Background()
	mem := newMemSlots(openSlot("S1"))
	bus := events.NewBus(10, nil)
	c := NewCoordinator(mem, WithPublisher(bus, "u1"))
	require.NoError(t, c.Refresh(ctx))

	require.NoError(t, c.Request(ctx, "S1", "u1", "Asha"))
	require.Equal(t, int32(2), mem.fetches.Load())

	slot, ok := c.Slot("S1")
	require.True(t, ok)
	require.Equal(t, domain.SlotRequested, slot.Status)
	require.Equal(t, PendingMine, Display(slot, "u1").State)

	sub, replay := bus.Subscribe("u1", 0)
	defer sub.Close()
	require.Len(t, replay, 2)
	require.Equal(t, events.TypeSlotsUpdated, replay[0].Type)
}

func TestRequestRejectedLocallyWhenCachedNotOpen(t *testing.T) {
	ctx := context.Background()
	taken := openSlot("S1")
	taken.Status, taken.StudentID, taken.StudentName = domain.SlotConfirmed, "u2", "Ravi"
	mem := newMemSlots(taken)
	c := NewCoordinator(mem)
	require.NoError(t, c.Refresh(ctx))

	err := c.Request(ctx, "S1", "u1", "Asha")
	require.ErrorIs(t, err, ErrBookingConflict)
	require.Equal(t, int32(0), mem.requests.Load(), "store must not be called")
	require.Equal(t, int32(2), mem.fetches.Load(), "conflict must still refetch")

	require.ErrorIs(t, c.Request(ctx, "missing", "u1", "Asha"), ErrBookingConflict)
}

func TestStaleViewConflictIsCorrectedByRefetch(t *testing.T) {
	ctx := context.Background()
	mem := newMemSlots(openSlot("S1"))
	c := NewCoordinator(mem)
	require.NoError(t, c.Refresh(ctx))

	// Someone else claims S1 after our last fetch.
	ok, err := mem.RequestSlot(ctx, "S1", "u2", "Ravi")
	require.NoError(t, err)
	require.True(t, ok)

	err = c.Request(ctx, "S1", "u1", "Asha")
	require.ErrorIs(t, err, ErrBookingConflict)

	slot, _ := c.Slot("S1")
	require.Equal(t, "u2", slot.StudentID, "optimistic hint must be replaced by the refetch")
	require.Equal(t, PendingOther, Display(slot, "u1").State)
}

func TestCancelOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	mem := newMemSlots(openSlot("S1"))
	c := NewCoordinator(mem)
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Request(ctx, "S1", "u1", "Asha"))

	require.ErrorIs(t, c.Cancel(ctx, "S1", "u2"), ErrNotHolder)
	require.NoError(t, c.Cancel(ctx, "S1", "u1"))

	slot, _ := c.Slot("S1")
	require.Equal(t, domain.SlotOpen, slot.Status)
	require.Empty(t, slot.StudentID)
}

func TestCounselorConfirmAndRelease(t *testing.T) {
	ctx := context.Background()
	mem := newMemSlots(openSlot("S1"))
	c := NewCoordinator(mem)
	require.NoError(t, c.Refresh(ctx))

	require.ErrorIs(t, c.Confirm(ctx, "S1"), store.ErrInvalidTransition)
	require.NoError(t, c.Request(ctx, "S1", "u1", "Asha"))
	require.NoError(t, c.Confirm(ctx, "S1"))

	slot, _ := c.Slot("S1")
	require.Equal(t, ConfirmedMine, Display(slot, "u1").State)
	require.Equal(t, ConfirmedOther, Display(slot, "u2").State)

	require.NoError(t, c.Release(ctx, "S1"))
	slot, _ = c.Slot("S1")
	require.Equal(t, SelectableOpen, Display(slot, "u1").State)
}

func TestRefreshDiscardsOlderFetch(t *testing.T) {
	ctx := context.Background()
	mem := newMemSlots(openSlot("S1"))

	started := make(chan struct{})
	release := make(chan struct{})
	mem.fetchHook = func(call int32) {
		if call == 1 {
			close(started)
			<-release
		}
	}
	c := NewCoordinator(mem)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-started

	// While the first fetch is stuck, the store changes and a newer fetch applies.
	_, err := mem.RequestSlot(ctx, "S1", "u1", "Asha")
	require.NoError(t, err)
	mem.fetchHook = nil
	require.NoError(t, c.Refresh(ctx))

	close(release)
	require.NoError(t, <-done)

	slot, _ := c.Slot("S1")
	require.Equal(t, domain.SlotRequested, slot.Status, "older fetch must not overwrite newer state")
}

func TestTwoClientRaceOnSQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.CreateSlot(ctx, openSlot("S1")))

	alice := NewCoordinator(repo)
	bob := NewCoordinator(repo)
	require.NoError(t, alice.Refresh(ctx))
	require.NoError(t, bob.Refresh(ctx))

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Coordinator{alice, bob} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			<-start
			errs[i] = c.Request(ctx, "S1", []string{"alice", "bob"}[i], "student")
		}(i, c)
	}
	close(start)
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrBookingConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, conflicts)

	// Both views converge on the store's single state.
	require.NoError(t, alice.Refresh(ctx))
	require.NoError(t, bob.Refresh(ctx))
	a, _ := alice.Slot("S1")
	b, _ := bob.Slot("S1")
	require.Equal(t, a, b)
	require.Equal(t, domain.SlotRequested, a.Status)
	require.NoError(t, a.Validate())

	winner := "alice"
	if errs[0] != nil {
		winner = "bob"
	}
	require.Equal(t, PendingMine, Display(a, winner).State)
	loser := map[string]string{"alice": "bob", "bob": "alice"}[winner]
	require.Equal(t, PendingOther, Display(a, loser).State)
}
