package models

import "time"

// User is the server-side account record. Password hashes are only set for
// accounts registered with a password; presence-style logins leave it empty.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
