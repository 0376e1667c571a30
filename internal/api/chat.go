package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/sparsh/internal/identity"
	"github.com/ashureev/sparsh/internal/orchestrator"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// GetChat returns the conversation snapshot.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.Chat.Snapshot())
}

// PostChat submits one user turn. The response carries the snapshot after the
// responder's reply was evaluated; guardian interventions arrive later over
// the event stream.
func (h *Handler) PostChat(w http.ResponseWriter, r *http.Request) {
	if !h.opts.ChatEnabled {
		Error(w, http.StatusServiceUnavailable, "chat service is not configured")
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	h.logger.Info("Chat turn", "user_id", userID, "message_length", len(req.Message))
	snap, err := sess.Chat.Send(r.Context(), req.Message)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyMessage) {
			Error(w, http.StatusBadRequest, "message is required")
			return
		}
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// ConfirmFallback accepts the pending fallback offer.
func (h *Handler) ConfirmFallback(w http.ResponseWriter, r *http.Request) {
	if !h.opts.ChatEnabled {
		Error(w, http.StatusServiceUnavailable, "chat service is not configured")
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Chat.ConfirmFallback(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// DismissFallback declines the pending fallback offer.
func (h *Handler) DismissFallback(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Chat.DismissFallback(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}
