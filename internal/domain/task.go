package domain

import "time"

// Task is a wellness routine assigned to a student.
type Task struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	AssignedBy string    `json:"assigned_by"`
	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Leave is a wellness leave issued to a student.
type Leave struct {
	ID        string `json:"id"`
	UserKey   string `json:"user_key"`
	IssuedBy  string `json:"issued_by"`
	ExpiresOn string `json:"expires_on"`
	Active    bool   `json:"active"`
}
