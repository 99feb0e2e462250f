package login

import (
	"context"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
)

// Attempt describes one settled identity service call
type Attempt struct {
	Method   models.LoginMethod
	Provider string
	Email    string
	Outcome  models.LoginOutcome
	Message  string // text shown to the user, empty on success
	Duration time.Duration
}

// Recorder receives attempts after they settle. Implementations must not
// block for long; they run on the submitting goroutine.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt)
}

// RecorderFunc adapts a function to the Recorder interface
type RecorderFunc func(ctx context.Context, attempt Attempt)

// RecordAttempt calls fn(ctx, attempt)
func (fn RecorderFunc) RecordAttempt(ctx context.Context, attempt Attempt) {
	fn(ctx, attempt)
}
