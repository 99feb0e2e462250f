package models

import (
	"fmt"
	"time"
)

// LoginMethod identifies how a sign-in was attempted
type LoginMethod string

const (
	LoginMethodPassword LoginMethod = "password"
	LoginMethodOAuth    LoginMethod = "oauth"
)

// LoginOutcome is how a single sign-in attempt settled
type LoginOutcome string

const (
	LoginOutcomeSucceeded    LoginOutcome = "succeeded"     // identity returned, navigated away
	LoginOutcomeRedirected   LoginOutcome = "redirected"    // sent to the OAuth provider
	LoginOutcomeNoIdentity   LoginOutcome = "no_identity"   // call succeeded without an identity
	LoginOutcomeServiceError LoginOutcome = "service_error" // expected failure, message shown verbatim
	LoginOutcomeUnexpected   LoginOutcome = "unexpected_error"
)

// Failed returns true if the outcome surfaced an error message to the user
func (o LoginOutcome) Failed() bool {
	return o == LoginOutcomeServiceError || o == LoginOutcomeUnexpected
}

// LoginEvent is one settled sign-in attempt, kept for diagnostics
type LoginEvent struct {
	ID        string        `json:"id" db:"id"`
	VisitorID string        `json:"visitor_id" db:"visitor_id"`
	Method    LoginMethod   `json:"method" db:"method"`
	Provider  string        `json:"provider,omitempty" db:"provider"`
	Email     string        `json:"email,omitempty" db:"email"`
	Outcome   LoginOutcome  `json:"outcome" db:"outcome"`
	Message   string        `json:"message,omitempty" db:"message"`
	Duration  time.Duration `json:"duration" db:"duration_ms"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Validate checks if the event fields are valid
func (e *LoginEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}

	switch e.Method {
	case LoginMethodPassword, LoginMethodOAuth:
	default:
		return fmt.Errorf("invalid login method: %q", e.Method)
	}

	switch e.Outcome {
	case LoginOutcomeSucceeded, LoginOutcomeRedirected, LoginOutcomeNoIdentity,
		LoginOutcomeServiceError, LoginOutcomeUnexpected:
	default:
		return fmt.Errorf("invalid login outcome: %q", e.Outcome)
	}

	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	return nil
}
