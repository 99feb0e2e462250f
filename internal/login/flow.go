// Package login implements the interaction flow behind the login screen:
// credential entry, the identity service exchange, navigation on success,
// and the transient error and notice messages shown to the user.
//
// A Flow corresponds to one mounted login screen. All of its state is
// private to the instance and guarded by a mutex; collaborators are never
// called with the lock held.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shindakun/pastpapers/internal/models"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	// DefaultOAuthProvider is used when SubmitOAuthLogin is called without a provider
	DefaultOAuthProvider = "google"

	// SuccessPath is where a successful password sign-in navigates
	SuccessPath = "/"

	// OAuthRedirectPath is where the identity service sends the user back after OAuth
	OAuthRedirectPath = "/dashboard"

	// NoticeTTL is how long a notice from ?message= stays visible
	NoticeTTL = 3 * time.Second

	// UnexpectedErrorMessage replaces the detail of any failure that is not a ServiceError
	UnexpectedErrorMessage = "An unexpected error occurred"

	noticeParam = "message"
)

var (
	// ErrSubmissionInFlight is returned when a submission is attempted while
	// the previous one has not settled. It has no side effects.
	ErrSubmissionInFlight = errors.New("login: submission already in flight")

	// ErrFlowClosed is returned once the flow has been unmounted
	ErrFlowClosed = errors.New("login: flow closed")

	// ErrFlowFinished is returned after a successful sign-in; the flow is terminal
	ErrFlowFinished = errors.New("login: already signed in")
)

// OAuthOptions are passed through to the identity service
type OAuthOptions struct {
	RedirectTo string
}

// IdentityService authenticates users. Expected failures are returned as
// *models.ServiceError; any other error is treated as unexpected.
type IdentityService interface {
	SignInWithPassword(ctx context.Context, email, password string) (*models.Identity, error)

	// SignInWithOAuth starts a provider redirect flow and returns the URL
	// the user has to be sent to.
	SignInWithOAuth(ctx context.Context, provider string, opts OAuthOptions) (string, error)
}

// Router navigates between pages and exposes the current query parameters
type Router interface {
	NavigateTo(path string)
	CurrentQueryParameters() url.Values
}

// ContextRouter is a Router that can tie a navigation to the call that
// caused it. Flows prefer it when the router implements it.
type ContextRouter interface {
	Router
	NavigateToContext(ctx context.Context, path string)
}

// Credentials hold the raw form input. Nothing is validated locally.
type Credentials struct {
	Email    string
	Password string
}

// Phase is the position of the flow in its small state machine
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseFailed     Phase = "failed"
	PhaseSucceeded  Phase = "succeeded"
)

// State is a point-in-time copy of everything the login screen renders
type State struct {
	Email           string    `json:"email"`
	Phase           Phase     `json:"phase"`
	Submitting      bool      `json:"submitting"`
	Error           string    `json:"error,omitempty"`
	Notice          string    `json:"notice,omitempty"`
	NoticeExpiresAt time.Time `json:"notice_expires_at,omitzero"`
}

// SubmitDisabled mirrors the disabled state of the submit button
func (s State) SubmitDisabled() bool {
	return s.Submitting
}

// Flow is the state holder for one login screen
type Flow struct {
	identity IdentityService
	router   Router
	clock    clock.WithDelayedExecution
	logger   *zap.Logger
	recorder Recorder

	noticeTTL         time.Duration
	oauthSingleFlight bool

	mu           sync.Mutex
	creds        Credentials
	phase        Phase
	submitting   bool
	oauthPending bool
	errMsg       string
	signedIn     *models.Identity
	closed       bool

	notice      notice
	noticeGen   uint64
	noticeTimer clock.Timer
}

// Option configures a Flow
type Option func(*Flow)

// WithClock replaces the wall clock used for notice expiry
func WithClock(c clock.WithDelayedExecution) Option {
	return func(f *Flow) { f.clock = c }
}

// WithLogger sets the logger used for diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

// WithRecorder receives one Attempt for every settled identity call
func WithRecorder(r Recorder) Option {
	return func(f *Flow) { f.recorder = r }
}

// WithNoticeTTL overrides the notice display window
func WithNoticeTTL(d time.Duration) Option {
	return func(f *Flow) { f.noticeTTL = d }
}

// WithOAuthSingleFlight rejects an OAuth submission while a previous one is
// still waiting on the identity service.
func WithOAuthSingleFlight() Option {
	return func(f *Flow) { f.oauthSingleFlight = true }
}

// NewFlow creates a flow in the idle phase with empty credentials
func NewFlow(identity IdentityService, router Router, opts ...Option) *Flow {
	f := &Flow{
		identity:  identity,
		router:    router,
		clock:     clock.RealClock{},
		logger:    zap.NewNop(),
		noticeTTL: NoticeTTL,
		phase:     PhaseIdle,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// UpdateEmail stores the email field as typed
func (f *Flow) UpdateEmail(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.Email = value
}

// UpdatePassword stores the password field as typed
func (f *Flow) UpdatePassword(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.Password = value
}

// SubmitPasswordLogin signs in with the stored credentials.
//
// The returned error is only non-nil when the submission was refused
// (ErrSubmissionInFlight, ErrFlowClosed, ErrFlowFinished). Identity service
// failures are not returned; they end up in State().Error and the outcome.
func (f *Flow) SubmitPasswordLogin(ctx context.Context) (models.LoginOutcome, error) {
	return f.submitPassword(ctx, nil)
}

// SubmitCredentials stores email and password and submits them in one step.
// A refused submission leaves the stored credentials untouched.
func (f *Flow) SubmitCredentials(ctx context.Context, email, password string) (models.LoginOutcome, error) {
	return f.submitPassword(ctx, &Credentials{Email: email, Password: password})
}

func (f *Flow) submitPassword(ctx context.Context, input *Credentials) (models.LoginOutcome, error) {
	f.mu.Lock()
	if err := f.refuseLocked(); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if f.submitting {
		f.mu.Unlock()
		return "", ErrSubmissionInFlight
	}
	if input != nil {
		f.creds = *input
	}
	f.errMsg = ""
	f.submitting = true
	f.phase = PhaseSubmitting
	creds := f.creds
	f.mu.Unlock()

	start := f.clock.Now()
	identity, err := f.callPassword(ctx, creds)
	elapsed := f.clock.Since(start)

	outcome, message := f.classify(err)
	if err == nil {
		outcome = models.LoginOutcomeNoIdentity
		if identity != nil {
			outcome = models.LoginOutcomeSucceeded
		}
	}

	f.mu.Lock()
	switch outcome {
	case models.LoginOutcomeSucceeded:
		f.signedIn = identity
		f.creds = Credentials{}
	case models.LoginOutcomeServiceError, models.LoginOutcomeUnexpected:
		f.errMsg = message
	}
	f.mu.Unlock()

	if outcome == models.LoginOutcomeSucceeded {
		f.logger.Info("password sign-in succeeded", zap.String("identity_id", identity.ID))
		f.navigate(ctx, SuccessPath)
	}

	// The outcome is fully applied before the submit affordance re-enables.
	f.mu.Lock()
	f.submitting = false
	f.phase = phaseFor(outcome)
	f.mu.Unlock()

	f.record(ctx, Attempt{
		Method:   models.LoginMethodPassword,
		Provider: "email",
		Email:    creds.Email,
		Outcome:  outcome,
		Message:  message,
		Duration: elapsed,
	})

	return outcome, nil
}

// SubmitOAuthLogin starts a provider redirect sign-in. An empty provider
// means DefaultOAuthProvider. The submitting state is left untouched.
func (f *Flow) SubmitOAuthLogin(ctx context.Context, provider string) (models.LoginOutcome, error) {
	if provider == "" {
		provider = DefaultOAuthProvider
	}

	f.mu.Lock()
	if err := f.refuseLocked(); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if f.oauthSingleFlight {
		if f.oauthPending {
			f.mu.Unlock()
			return "", ErrSubmissionInFlight
		}
		f.oauthPending = true
	}
	f.mu.Unlock()

	start := f.clock.Now()
	authURL, err := f.callOAuth(ctx, provider)
	elapsed := f.clock.Since(start)

	outcome, message := f.classify(err)
	if err == nil {
		outcome = models.LoginOutcomeRedirected
		if authURL == "" {
			outcome = models.LoginOutcomeNoIdentity
		}
	}

	if message != "" {
		f.mu.Lock()
		f.errMsg = message
		if !f.submitting {
			f.phase = PhaseFailed
		}
		f.mu.Unlock()
	}

	if outcome == models.LoginOutcomeRedirected {
		f.navigate(ctx, authURL)
	}

	if f.oauthSingleFlight {
		f.mu.Lock()
		f.oauthPending = false
		f.mu.Unlock()
	}

	f.record(ctx, Attempt{
		Method:   models.LoginMethodOAuth,
		Provider: provider,
		Outcome:  outcome,
		Message:  message,
		Duration: elapsed,
	})

	return outcome, nil
}

// State returns a copy of the renderable state. The password is never included.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{
		Email:           f.creds.Email,
		Phase:           f.phase,
		Submitting:      f.submitting,
		Error:           f.errMsg,
		Notice:          f.notice.text,
		NoticeExpiresAt: f.notice.expiresAt,
	}
}

// Phase returns the current phase
func (f *Flow) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// SubmitDisabled reports whether the submit affordance is disabled
func (f *Flow) SubmitDisabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitting
}

// Identity returns the identity of a successful password sign-in
func (f *Flow) Identity() (*models.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signedIn, f.signedIn != nil
}

// Close unmounts the flow. The pending notice timer is cancelled and the
// credentials are dropped. Close is idempotent.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.creds = Credentials{}
	f.noticeGen++
	timer := f.noticeTimer
	f.noticeTimer = nil
	f.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

func (f *Flow) navigate(ctx context.Context, path string) {
	if r, ok := f.router.(ContextRouter); ok {
		r.NavigateToContext(ctx, path)
		return
	}
	f.router.NavigateTo(path)
}

func (f *Flow) refuseLocked() error {
	if f.closed {
		return ErrFlowClosed
	}
	if f.phase == PhaseSucceeded {
		return ErrFlowFinished
	}
	return nil
}

// callPassword converts a panic in the identity service into an error so
// the submitting flag is always released.
func (f *Flow) callPassword(ctx context.Context, creds Credentials) (identity *models.Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("identity service panicked: %v", r)
		}
	}()
	return f.identity.SignInWithPassword(ctx, creds.Email, creds.Password)
}

func (f *Flow) callOAuth(ctx context.Context, provider string) (authURL string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("identity service panicked: %v", r)
		}
	}()
	return f.identity.SignInWithOAuth(ctx, provider, OAuthOptions{RedirectTo: OAuthRedirectPath})
}

// classify maps an identity service error to an outcome and the text shown
// to the user. A nil error yields an empty outcome.
func (f *Flow) classify(err error) (models.LoginOutcome, string) {
	if err == nil {
		return "", ""
	}

	var svcErr *models.ServiceError
	if errors.As(err, &svcErr) {
		f.logger.Debug("identity service rejected sign-in",
			zap.String("code", svcErr.Code),
			zap.Int("status", svcErr.Status),
			zap.String("message", svcErr.Message),
		)
		return models.LoginOutcomeServiceError, svcErr.Message
	}

	f.logger.Error("sign-in failed unexpectedly", zap.Error(err))
	return models.LoginOutcomeUnexpected, UnexpectedErrorMessage
}

func (f *Flow) record(ctx context.Context, a Attempt) {
	if f.recorder == nil {
		return
	}
	f.recorder.RecordAttempt(ctx, a)
}

func phaseFor(outcome models.LoginOutcome) Phase {
	switch outcome {
	case models.LoginOutcomeSucceeded:
		return PhaseSucceeded
	case models.LoginOutcomeServiceError, models.LoginOutcomeUnexpected:
		return PhaseFailed
	default:
		return PhaseIdle
	}
}
