package booking

import (
	"testing"

	"github.com/ashureev/sparsh/internal/domain"
)

func TestDisplayCoversStatusOwnershipSpace(t *testing.T) {
	tests := []struct {
		status      domain.SlotStatus
		holder      string
		viewer      string
		want        DisplayState
		label       string
		statusText  string
		interactive bool
	}{
		{domain.SlotOpen, "", "u1", SelectableOpen, "Select", "", true},
		{domain.SlotOpen, "", "", SelectableOpen, "Select", "", true},
		{domain.SlotRequested, "u1", "u1", PendingMine, "Cancel Req", "Waiting Approval", true},
		{domain.SlotRequested, "u2", "u1", PendingOther, "Pending", "", false},
		{domain.SlotConfirmed, "u1", "u1", ConfirmedMine, "Confirmed", "Slot Confirmed", false},
		{domain.SlotConfirmed, "u2", "u1", ConfirmedOther, "Taken", "", false},
		// An anonymous viewer never owns a slot.
		{domain.SlotRequested, "u2", "", PendingOther, "Pending", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.holder+"/"+tt.viewer, func(t *testing.T) {
			slot := domain.Slot{ID: "S1", Status: tt.status, StudentID: tt.holder}
			got := Display(slot, tt.viewer)
			if got.State != tt.want || got.Label != tt.label || got.StatusText != tt.statusText || got.Interactive != tt.interactive {
				t.Fatalf("Display() = %+v, want state=%s label=%q status=%q interactive=%v",
					got, tt.want, tt.label, tt.statusText, tt.interactive)
			}
		})
	}
}

func TestDisplayAllKeepsOrder(t *testing.T) {
	slots := []domain.Slot{{ID: "a", Status: domain.SlotOpen}, {ID: "b", Status: domain.SlotConfirmed, StudentID: "u1"}}
	views := DisplayAll(slots, "u1")
	if len(views) != 2 || views[0].Slot.ID != "a" || views[1].State != ConfirmedMine {
		t.Fatalf("unexpected views %+v", views)
	}
}
