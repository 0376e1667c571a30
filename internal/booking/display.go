package booking

import "github.com/ashureev/sparsh/internal/domain"

// DisplayState is how a slot is presented to one viewer.
type DisplayState string

const (
	SelectableOpen DisplayState = "selectable-open"
	ConfirmedMine  DisplayState = "confirmed-mine"
	ConfirmedOther DisplayState = "confirmed-other"
	PendingMine    DisplayState = "pending-mine"
	PendingOther   DisplayState = "pending-other"
)

// View is the rendered form of a slot for one viewer.
type View struct {
	Slot        domain.Slot  `json:"slot"`
	State       DisplayState `json:"state"`
	Label       string       `json:"label"`
	StatusText  string       `json:"status_text,omitempty"`
	Interactive bool         `json:"interactive"`
}

// Display derives the view of slot for viewerID. Open slots ignore ownership,
// so the 3x2 status/ownership space maps onto five states.
func Display(slot domain.Slot, viewerID string) View {
	v := View{Slot: slot}
	mine := slot.HeldBy(viewerID)

	switch {
	case slot.Status == domain.SlotConfirmed && mine:
		v.State, v.Label, v.StatusText = ConfirmedMine, "Confirmed", "Slot Confirmed"
	case slot.Status == domain.SlotConfirmed:
		v.State, v.Label = ConfirmedOther, "Taken"
	case slot.Status == domain.SlotRequested && mine:
		v.State, v.Label, v.StatusText = PendingMine, "Cancel Req", "Waiting Approval"
		v.Interactive = true
	case slot.Status == domain.SlotRequested:
		v.State, v.Label = PendingOther, "Pending"
	default:
		v.State, v.Label = SelectableOpen, "Select"
		v.Interactive = true
	}
	return v
}

// DisplayAll renders every slot for viewerID.
func DisplayAll(slots []domain.Slot, viewerID string) []View {
	out := make([]View, 0, len(slots))
	for _, s := range slots {
		out = append(out, Display(s, viewerID))
	}
	return out
}
