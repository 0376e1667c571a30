// Package api provides HTTP handlers for the SParsh API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/sparsh/internal/booking"
	"github.com/ashureev/sparsh/internal/events"
	"github.com/ashureev/sparsh/internal/identity"
	"github.com/ashureev/sparsh/internal/orchestrator"
	"github.com/ashureev/sparsh/internal/session"
	"github.com/ashureev/sparsh/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxRequestBodySize = 64 << 10
	healthCheckTimeout        = 5 * time.Second
)

var errUnknownMood = errors.New("unknown mood")

// EventSource is the read side of the event bus.
type EventSource interface {
	Subscribe(userID string, afterID int64) (*events.Subscription, []events.Event)
}

// Options tunes the handler.
type Options struct {
	ChatEnabled    bool
	AIEnabled      bool
	CounselorToken string
	ChatRateLimit  int
	ChatRateWindow time.Duration
	AllowedOrigins []string
	IsDevelopment  bool
	Logger         *slog.Logger
}

// Handler serves the student dashboard API.
type Handler struct {
	repo      store.Repository
	sessions  *session.Manager
	events    EventSource
	counselor *booking.Coordinator
	limiter   *RateLimiter
	opts      Options
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, src EventSource, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChatRateLimit <= 0 {
		opts.ChatRateLimit = 10
	}
	if opts.ChatRateWindow <= 0 {
		opts.ChatRateWindow = time.Minute
	}
	return &Handler{
		repo:      repo,
		sessions:  sessions,
		events:    src,
		counselor: booking.NewCoordinator(repo, booking.WithLogger(opts.Logger)),
		limiter:   NewRateLimiter(opts.ChatRateLimit, opts.ChatRateWindow),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// RegisterRoutes registers every API route. Identity middleware must already
// be installed on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/view", h.GetView)
		r.Put("/view", h.PutView)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Post("/", h.PostChat)
			r.Post("/fallback/confirm", h.ConfirmFallback)
			r.Post("/fallback/dismiss", h.DismissFallback)
		})

		r.Route("/slots", func(r chi.Router) {
			r.Get("/", h.GetSlots)
			r.Post("/{id}/request", h.RequestSlot)
			r.Post("/{id}/cancel", h.CancelSlot)

			r.Group(func(r chi.Router) {
				r.Use(identity.RequireCounselor(h.opts.CounselorToken))
				r.Post("/", h.CreateSlot)
				r.Post("/{id}/confirm", h.ConfirmSlot)
				r.Post("/{id}/release", h.ReleaseSlot)
			})
		})

		r.Get("/tasks", h.GetTasks)
		r.Post("/tasks/{id}/toggle", h.ToggleTask)
		r.Get("/leave", h.GetLeave)
		r.Put("/mood", h.PutMood)
		r.Get("/journal", h.GetJournal)
		r.Post("/journal", h.PostJournal)

		r.Route("/peer", func(r chi.Router) {
			r.Get("/", h.GetPeer)
			r.Post("/", h.PostPeer)
			r.Post("/open", h.OpenPeer)
			r.Post("/close", h.ClosePeer)
		})
	})

	r.Get("/ws/events", h.StreamEvents)
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrBookingConflict),
		errors.Is(err, booking.ErrNotHolder),
		errors.Is(err, orchestrator.ErrNoPendingConsent),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, session.ErrEmptyText),
		errors.Is(err, session.ErrMoodRequired),
		errors.Is(err, session.ErrUnknownTab),
		errors.Is(err, errUnknownMood):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "user_id", identity.UserIDFromContext(r.Context()))
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// session resolves the caller's loaded session, writing the error response
// when it cannot.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok || user.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sess, err := h.sessions.Get(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

// decode reads a size-limited JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}
