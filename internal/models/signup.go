package models

import "time"

// QueuedSignup is a user-creation record accepted while the database was
// unreachable. It is drained into the users table by the signup sync worker.
type QueuedSignup struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	Name         string            `json:"name"`
	PasswordHash string            `json:"passwordHash"`
	Role         string            `json:"role"`
	Extra        map[string]string `json:"extra,omitempty"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// User is a row in the users table.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}
