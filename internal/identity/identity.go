// Package identity provides per-device student identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/store"
)

const (
	UserCookieName       = "sparsh_uid"
	UserKeyHeaderName    = "X-SParsh-User-Key"
	CounselorTokenHeader = "X-SParsh-Counselor-Token"
	userCookieMaxAge     = 30 * 24 * time.Hour
)

type contextKey int

const (
	userKey contextKey = iota
)

var (
	userIDPattern  = regexp.MustCompile(`^uid_[a-f0-9]{32}$`)
	userKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]{1,64}@[A-Za-z0-9.-]{1,190}$`)
)

// UserFromContext returns the student attached by Middleware.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey).(domain.User)
	return u, ok
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	u, _ := UserFromContext(ctx)
	return u.UserID
}

// WithUser attaches a student to ctx.
func WithUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func generateUserID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate user id: %w", err)
	}
	return "uid_" + hex.EncodeToString(buf), nil
}

func isValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// NormalizeUserKey lowercases and validates an email-like key. It returns ""
// for anything that is not one.
func NormalizeUserKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if !userKeyPattern.MatchString(key) {
		return ""
	}
	return key
}

func fallbackUserKey(userID string) string {
	return "student." + strings.TrimPrefix(userID, "uid_")[:8] + "@sparsh.local"
}

// ensureUser loads or creates the profile. A valid key on the request
// replaces the stored one.
func ensureUser(ctx context.Context, repo store.Repository, userID, requestedKey string) (domain.User, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}

	now := time.Now()
	if user == nil {
		key := requestedKey
		if key == "" {
			key = fallbackUserKey(userID)
		}
		user = &domain.User{
			UserID:    userID,
			UserKey:   key,
			CreatedAt: now,
		}
	} else if requestedKey != "" && requestedKey != user.UserKey {
		user.UserKey = requestedKey
	} else if now.Sub(user.LastSeenAt) < time.Minute {
		return *user, nil
	}

	user.DisplayName = domain.DisplayNameFromKey(user.UserKey)
	user.LastSeenAt = now
	user.UpdatedAt = now
	if err := repo.UpsertUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

func setUserCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     UserCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(userCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(userCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateUserID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(UserCookieName); err == nil && isValidUserID(c.Value) {
		setUserCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateUserID()
	if err != nil {
		return "", err
	}
	setUserCookie(w, id, isDev)
	return id, nil
}

func userKeyFromRequest(r *http.Request) string {
	key := r.Header.Get(UserKeyHeaderName)
	if key == "" {
		key = r.URL.Query().Get("user_key")
	}
	return NormalizeUserKey(key)
}

// Middleware attaches the per-device student to every request.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateUserID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}

			user, err := ensureUser(r.Context(), repo, userID, userKeyFromRequest(r))
			if err != nil {
				http.Error(w, `{"error":"failed to initialize student profile"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireCounselor guards counselor-only routes with a shared token.
// An empty token disables those routes.
func RequireCounselor(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(CounselorTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"counselor access required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
