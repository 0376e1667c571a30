package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/identity"
	"github.com/coder/websocket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 20 * time.Second
)

// StreamEvents upgrades to a websocket and streams the caller's events.
// A reconnecting client passes lastEventId to replay what it missed.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.events == nil {
		Error(w, http.StatusServiceUnavailable, "event stream is not configured")
		return
	}

	lastEventID := int64(0)
	idParam := r.Header.Get("Last-Event-ID")
	if idParam == "" {
		idParam = r.URL.Query().Get("lastEventId")
	}
	if idParam != "" {
		if parsed, err := strconv.ParseInt(idParam, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns()}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sub, replay := h.events.Subscribe(userID, lastEventID)
	defer sub.Close()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	h.logger.Info("Event stream connected", "user_id", userID, "last_event_id", lastEventID, "replayed", len(replay))
	for _, ev := range replay {
		if err := writeEvent(ctx, ws, ev); err != nil {
			h.logger.Debug("event replay write failed", "error", err, "user_id", userID)
			return
		}
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event stream disconnected", "user_id", userID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				h.logger.Debug("event write failed", "error", err, "user_id", userID)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("event stream ping failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *Handler) originPatterns() []string {
	if h.opts.IsDevelopment || len(h.opts.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(h.opts.AllowedOrigins))
	for _, o := range h.opts.AllowedOrigins {
		if u := stripScheme(o); u != "" {
			patterns = append(patterns, u)
		}
	}
	return patterns
}

// stripScheme turns an origin URL into the host pattern websocket.Accept
// matches against.
func stripScheme(origin string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(origin, prefix); ok {
			return rest
		}
	}
	return origin
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
