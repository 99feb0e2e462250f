package models

import (
	"fmt"
	"net/http"
)

// Identity is an authenticated user as reported by the identity service
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Provider string `json:"provider"` // "email" for password sign-in, otherwise the OAuth provider
}

// ServiceError is an expected failure returned by the identity service,
// such as bad credentials or a disabled OAuth provider. Message is shown to
// the user verbatim.
type ServiceError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity service: %s (%s)", e.Message, e.Code)
	}
	return "identity service: " + e.Message
}

// IsClientError reports whether the backend rejected the request itself
// rather than failing to process it.
func (e *ServiceError) IsClientError() bool {
	return e.Status >= http.StatusBadRequest && e.Status < http.StatusInternalServerError
}
