package models

// LoginPageData represents the data passed to the login template for rendering.
// It mirrors the visitor's login flow at the moment the page is rendered.
type LoginPageData struct {
	// Title is the page title displayed in the browser tab and page header
	Title string

	// Error is the single error message from the last failed attempt.
	// Empty string means no error.
	Error string

	// Notice is the one-shot message passed in through ?message=.
	// It disappears once its display window has elapsed.
	Notice string

	// Email repopulates the form after a failed attempt so users don't have to re-type.
	Email string

	// SubmitDisabled is true while a password sign-in is in flight
	SubmitDisabled bool

	// Providers lists the OAuth providers offered as buttons
	Providers []string
}

// DashboardPageData is rendered on the protected dashboard
type DashboardPageData struct {
	Session      *Session
	RecentLogins []LoginEvent
}
