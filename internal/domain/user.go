// Package domain contains core domain types for the SParsh wellness service.
package domain

import (
	"strings"
	"time"
)

// User represents a student known to the service.
// UserKey is the email-like key that task and leave records are filed under.
type User struct {
	UserID      string    `json:"user_id"`
	UserKey     string    `json:"user_key"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DisplayNameFromKey derives a human display name from an email-like key:
// the local part with its first dot replaced by a space.
func DisplayNameFromKey(key string) string {
	local, _, _ := strings.Cut(key, "@")
	return strings.Replace(local, ".", " ", 1)
}

// Greeting returns the short name used in the dashboard header: the second
// dotted segment of the key's local part, or "Student" when there is none.
func (u *User) Greeting() string {
	local, _, _ := strings.Cut(u.UserKey, "@")
	_, name, ok := strings.Cut(local, ".")
	if !ok || name == "" {
		return "Student"
	}
	name, _, _ = strings.Cut(name, ".")
	return name
}
