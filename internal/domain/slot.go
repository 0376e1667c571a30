package domain

import (
	"errors"
	"fmt"
)

// SlotStatus is the reservation state of an appointment slot.
type SlotStatus string

const (
	SlotOpen      SlotStatus = "open"
	SlotRequested SlotStatus = "requested"
	SlotConfirmed SlotStatus = "confirmed"
)

// Valid reports whether s is a known status.
func (s SlotStatus) Valid() bool {
	switch s {
	case SlotOpen, SlotRequested, SlotConfirmed:
		return true
	}
	return false
}

var errInvalidSlot = errors.New("invalid slot")

// Slot is a counselor appointment slot.
type Slot struct {
	ID            string     `json:"id" yaml:"id"`
	CounselorID   string     `json:"counselor_id" yaml:"counselor_id"`
	CounselorName string     `json:"counselor_name" yaml:"counselor_name"`
	Date          string     `json:"date" yaml:"date"`
	Time          string     `json:"time" yaml:"time"`
	Status        SlotStatus `json:"status" yaml:"status"`
	StudentID     string     `json:"student_id,omitempty" yaml:"-"`
	StudentName   string     `json:"student_name,omitempty" yaml:"-"`
}

// Validate checks the binding invariant: requested and confirmed slots carry
// a student, open slots never do.
func (s Slot) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", errInvalidSlot)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %s has unknown status %q", errInvalidSlot, s.ID, s.Status)
	}
	if s.Status == SlotOpen && s.StudentID != "" {
		return fmt.Errorf("%w: open slot %s is bound to %s", errInvalidSlot, s.ID, s.StudentID)
	}
	if s.Status != SlotOpen && s.StudentID == "" {
		return fmt.Errorf("%w: %s slot %s has no student", errInvalidSlot, s.Status, s.ID)
	}
	return nil
}

// HeldBy reports whether the slot is bound to studentID.
func (s Slot) HeldBy(studentID string) bool {
	return studentID != "" && s.StudentID == studentID
}

// Label is the "date • time" string shown next to a slot.
func (s Slot) Label() string {
	return s.Date + " • " + s.Time
}
