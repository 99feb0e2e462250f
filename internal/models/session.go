package models

import (
	"fmt"
	"time"
)

// Session is the signed-in state carried in the browser cookie.
// It holds no tokens.
type Session struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	Provider   string    `json:"provider"`
	SignedInAt time.Time `json:"signed_in_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionState represents the current state of a session
type SessionState string

const (
	SessionStateActive  SessionState = "active"
	SessionStateExpired SessionState = "expired"
)

// NewSession builds a session for an authenticated identity
func NewSession(identity *Identity, now time.Time, maxAge time.Duration) *Session {
	return &Session{
		IdentityID: identity.ID,
		Email:      identity.Email,
		Provider:   identity.Provider,
		SignedInAt: now,
		ExpiresAt:  now.Add(maxAge),
	}
}

// Validate checks if the session fields are valid
func (s *Session) Validate() error {
	if s.IdentityID == "" {
		return fmt.Errorf("identity id is required")
	}

	if s.ExpiresAt.IsZero() {
		return fmt.Errorf("expires_at is required")
	}

	return nil
}

// State returns the current state of the session
func (s *Session) State(now time.Time) SessionState {
	if !now.Before(s.ExpiresAt) {
		return SessionStateExpired
	}
	return SessionStateActive
}

// IsActive returns true if the session is currently active
func (s *Session) IsActive(now time.Time) bool {
	return s.State(now) == SessionStateActive
}
