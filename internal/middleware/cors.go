// Package middleware provides HTTP middleware for the SParsh API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const preflightMaxAge = 10 * time.Minute

var (
	allowedMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")
	allowedHeaders = strings.Join([]string{
		"Content-Type",
		"Last-Event-ID",
		"X-SParsh-User-Key",
		"X-SParsh-Counselor-Token",
	}, ", ")
)

// originPolicy answers whether a browser origin may call the API and whether
// it may send the identity cookie along.
type originPolicy struct {
	explicit map[string]struct{}
	wildcard bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.explicit[o] = struct{}{}
	}
	return p
}

func (p originPolicy) check(origin string) (allowed, credentials bool) {
	if origin == "" {
		return false, false
	}
	if _, ok := p.explicit[origin]; ok {
		return true, true
	}
	// Wildcard origins are echoed without credentials.
	return p.wildcard, false
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// CORS answers preflights and decorates responses for the configured origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	maxAge := strconv.Itoa(int(preflightMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed, creds := policy.check(origin)
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				if creds {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if !isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
