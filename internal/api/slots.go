package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/sparsh/internal/booking"
	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/identity"
	"github.com/ashureev/sparsh/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// GetSlots returns every slot as the caller sees it.
func (h *Handler) GetSlots(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, booking.DisplayAll(sess.Slots.Slots(), sess.User().UserID))
}

// RequestSlot claims an open slot for the caller.
func (h *Handler) RequestSlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	user := sess.User()
	slotID := chi.URLParam(r, "id")

	err := sess.Slots.Request(r.Context(), slotID, user.UserID, user.DisplayName)
	views := booking.DisplayAll(sess.Slots.Slots(), user.UserID)
	if errors.Is(err, booking.ErrBookingConflict) {
		JSON(w, http.StatusConflict, map[string]interface{}{
			"error": "This slot was just taken by someone else.",
			"slots": views,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Slot requested", "user_id", user.UserID, "slot_id", slotID)
	JSON(w, http.StatusOK, views)
}

// CancelSlot withdraws the caller's pending request.
func (h *Handler) CancelSlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	user := sess.User()
	if err := sess.Slots.Cancel(r.Context(), chi.URLParam(r, "id"), user.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, booking.DisplayAll(sess.Slots.Slots(), user.UserID))
}

// CreateSlotRequest is the body of POST /api/slots.
type CreateSlotRequest struct {
	ID            string `json:"id"`
	CounselorID   string `json:"counselor_id"`
	CounselorName string `json:"counselor_name"`
	Date          string `json:"date"`
	Time          string `json:"time"`
}

// CreateSlot publishes a new open slot.
func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	var req CreateSlotRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Date) == "" || strings.TrimSpace(req.Time) == "" {
		Error(w, http.StatusBadRequest, "date and time are required")
		return
	}
	slot := domain.Slot{
		ID:            req.ID,
		CounselorID:   req.CounselorID,
		CounselorName: req.CounselorName,
		Date:          req.Date,
		Time:          req.Time,
		Status:        domain.SlotOpen,
	}
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	if slot.CounselorID == "" {
		slot.CounselorID = session.DefaultCounselorID
	}
	if err := slot.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.CreateSlot(r.Context(), slot); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Slot created", "slot_id", slot.ID, "date", slot.Date, "time", slot.Time)
	h.refreshAllSlots(r.Context())
	JSON(w, http.StatusCreated, slot)
}

// ConfirmSlot approves a pending request.
func (h *Handler) ConfirmSlot(w http.ResponseWriter, r *http.Request) {
	h.counselorAction(w, r, h.counselor.Confirm)
}

// ReleaseSlot reopens a slot.
func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	h.counselorAction(w, r, h.counselor.Release)
}

func (h *Handler) counselorAction(w http.ResponseWriter, r *http.Request, act func(context.Context, string) error) {
	slotID := chi.URLParam(r, "id")
	if err := act(r.Context(), slotID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Counselor updated slot", "slot_id", slotID, "ip", identity.IPFromRequest(r))
	h.refreshAllSlots(r.Context())

	slot, _ := h.counselor.Slot(slotID)
	JSON(w, http.StatusOK, slot)
}

// refreshAllSlots pushes a counselor change to every loaded session instead of
// waiting for their next poll.
func (h *Handler) refreshAllSlots(ctx context.Context) {
	h.sessions.Each(func(s *session.Session) {
		if err := s.Slots.Refresh(ctx); err != nil {
			h.logger.Warn("slot refresh after counselor change failed", "user_id", s.User().UserID, "error", err)
		}
	})
}
