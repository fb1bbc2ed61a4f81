// Package domain contains core domain types for focus-guardian.
package domain

import (
	"time"
)

// User represents a registered user that may open focus sessions.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the authenticated view of the user.
func (u *User) Identity() UserIdentity {
	return UserIdentity{UserID: u.UserID, Username: u.Username}
}

// UserIdentity is what the authentication layer hands to the session engine.
type UserIdentity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
