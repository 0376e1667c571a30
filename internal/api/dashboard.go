package api

import (
	"net/http"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/session"
	"github.com/go-chi/chi/v5"
)

// GetMe returns the caller's profile and dashboard header data.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	user := sess.User()
	mood, avatar := sess.Chat.Ambient().State()
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"user_key":     user.UserKey,
		"display_name": user.DisplayName,
		"greeting":     user.Greeting(),
		"mood":         mood,
		"avatar":       avatar,
		"leave":        sess.ActiveLeave(),
		"view":         sess.View(),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"chat_enabled": h.opts.ChatEnabled,
		"ai_enabled":   h.opts.AIEnabled,
		"moods":        domain.Moods,
	})
}

// GetView returns the presentation state.
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.View())
}

// PutView switches the dashboard tab.
func (h *Handler) PutView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tab session.Tab `json:"tab"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.SetTab(req.Tab); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess.View())
}

// GetTasks returns the caller's task board.
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.Tasks.Snapshot())
}

// ToggleTask flips a task's completion flag.
func (h *Handler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Tasks.Toggle(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess.Tasks.Snapshot())
}

// GetLeave returns the active wellness leave, refreshed from the store.
func (h *Handler) GetLeave(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.RefreshLeave(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"leave": sess.ActiveLeave()})
}

// PutMood sets the caller's mood.
func (h *Handler) PutMood(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mood domain.Mood `json:"mood"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Mood.Known() {
		h.writeError(w, r, errUnknownMood)
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Chat.SetMood(req.Mood)
	mood, avatar := sess.Chat.Ambient().State()
	JSON(w, http.StatusOK, map[string]interface{}{"mood": mood, "avatar": avatar})
}

// GetJournal lists the caller's journal entries.
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.Journal(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.JournalEntry{}
	}
	JSON(w, http.StatusOK, entries)
}

// PostJournal saves a journal entry stamped with the current mood.
func (h *Handler) PostJournal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	entry, err := sess.SaveJournal(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, entry)
}

// GetPeer returns the counselor thread.
func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, peerResponse(sess))
}

// PostPeer sends a message to the counselor.
func (h *Handler) PostPeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := sess.SendPeer(r.Context(), req.Text); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, peerResponse(sess))
}

// OpenPeer opens the counselor thread and starts polling it.
func (h *Handler) OpenPeer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.OpenPeer(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, peerResponse(sess))
}

// ClosePeer closes the counselor thread.
func (h *Handler) ClosePeer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.ClosePeer(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, peerResponse(sess))
}

func peerResponse(sess *session.Session) map[string]interface{} {
	msgs := sess.Peer.Snapshot()
	if msgs == nil {
		msgs = []domain.PeerMessage{}
	}
	return map[string]interface{}{
		"peer_id":  sess.Peer.PeerID(),
		"open":     sess.View().PeerOpen,
		"messages": msgs,
	}
}
