package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shindakun/pastpapers/internal/audit"
	"github.com/shindakun/pastpapers/internal/auth"
	"github.com/shindakun/pastpapers/internal/identity"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/metrics"
	"github.com/shindakun/pastpapers/internal/models"
	"github.com/shindakun/pastpapers/internal/version"
	"go.uber.org/zap"
)

const (
	// LogoutNotice is shown on the login page after signing out
	LogoutNotice = "You have been signed out"

	// OAuthFailedNotice is shown when a provider round trip cannot be completed
	OAuthFailedNotice = "Sign-in could not be completed, please try again"

	recentLoginLimit = 10
)

// IdentityBackend is the part of the identity client used outside the login flow
type IdentityBackend interface {
	ExchangeCode(ctx context.Context, flowID, code string) (*models.Identity, error)
	EnabledProviders(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// Handlers holds dependencies for HTTP handlers
type Handlers struct {
	sessionManager *auth.SessionManager
	flows          *auth.FlowRegistry
	identity       IdentityBackend
	audit          *audit.Log
	providers      []string
	logger         *zap.Logger
	templates      map[string]*template.Template
}

// New creates a new Handlers instance. providers lists the OAuth buttons offered on the login page.
func New(sessionManager *auth.SessionManager, flows *auth.FlowRegistry, backend IdentityBackend, auditLog *audit.Log, providers []string, logger *zap.Logger) (*Handlers, error) {
	tmpls, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		sessionManager: sessionManager,
		flows:          flows,
		identity:       backend,
		audit:          auditLog,
		providers:      providers,
		logger:         logger.Named("web"),
		templates:      tmpls,
	}, nil
}

// Landing renders the landing page
func (h *Handlers) Landing(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessionManager.GetSession(r)

	data := TemplateData{Session: session}
	if err := h.renderTemplate(w, http.StatusOK, "landing", data); err != nil {
		h.logger.Error("failed to render landing template", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// LoginPage renders the login form and shows the ?message= notice, if any
func (h *Handlers) LoginPage(w http.ResponseWriter, r *http.Request) {
	visitor, err := h.visitor(w, r)
	if err != nil {
		h.serverError(w, r, "visitor", err)
		return
	}

	visitor.Navigator.Observe(r)
	if visitor.Flow.Mount() {
		metrics.NoticesShown.Inc()
	}

	h.renderLogin(w, r, http.StatusOK, visitor)
}

// LoginSubmit handles the email and password form
func (h *Handlers) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("failed to parse login form", zap.Error(err))
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ctx := auth.TrackNavigation(r.Context())
	visitor, outcome, err := h.submit(w, r, func(v *auth.Visitor) (models.LoginOutcome, error) {
		return v.Flow.SubmitCredentials(ctx, r.PostFormValue("email"), r.PostFormValue("password"))
	})
	if visitor == nil {
		return
	}
	if errors.Is(err, login.ErrSubmissionInFlight) {
		h.renderLogin(w, r, http.StatusConflict, visitor)
		return
	}
	if err != nil {
		h.serverError(w, r, "login_submit", err)
		return
	}

	if outcome != models.LoginOutcomeSucceeded {
		h.renderLogin(w, r, http.StatusOK, visitor)
		return
	}

	signedIn, _ := visitor.Flow.Identity()
	target, ok := navigationTarget(ctx, visitor)
	if !ok {
		target = login.SuccessPath
	}
	// The login screen is done with; the next visit mounts a fresh one.
	h.flows.Release(visitor.ID)

	if _, err := h.sessionManager.SaveSession(w, r, signedIn); err != nil {
		h.serverError(w, r, "save_session", err)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// OAuthSubmit starts a provider sign-in and redirects to the provider
func (h *Handlers) OAuthSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("failed to parse oauth form", zap.Error(err))
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ctx := auth.TrackNavigation(r.Context())
	visitor, outcome, err := h.submit(w, r, func(v *auth.Visitor) (models.LoginOutcome, error) {
		return v.Flow.SubmitOAuthLogin(ctx, r.PostFormValue("provider"))
	})
	if visitor == nil {
		return
	}
	if errors.Is(err, login.ErrSubmissionInFlight) {
		h.renderLogin(w, r, http.StatusConflict, visitor)
		return
	}
	if err != nil {
		h.serverError(w, r, "oauth_submit", err)
		return
	}

	if outcome == models.LoginOutcomeRedirected {
		if target, ok := navigationTarget(ctx, visitor); ok {
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
	}
	h.renderLogin(w, r, http.StatusOK, visitor)
}

// LoginState returns the visitor's login flow as JSON
func (h *Handlers) LoginState(w http.ResponseWriter, r *http.Request) {
	visitor, err := h.visitor(w, r)
	if err != nil {
		h.serverError(w, r, "visitor", err)
		return
	}

	state := visitor.Flow.State()
	writeJSON(w, http.StatusOK, struct {
		login.State
		SubmitDisabled bool     `json:"submit_disabled"`
		Providers      []string `json:"providers"`
	}{
		State:          state,
		SubmitDisabled: state.SubmitDisabled(),
		Providers:      h.offeredProviders(r.Context()),
	})
}

// CompleteOAuth finishes a provider round trip that lands on the wrapped
// route with ?flow=&code=, then redirects to the same path without them.
func (h *Handlers) CompleteOAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		flowID := q.Get(identity.FlowParam)
		if flowID == "" {
			next.ServeHTTP(w, r)
			return
		}

		if q.Get("error") != "" || q.Get("error_description") != "" {
			message := q.Get("error_description")
			if message == "" {
				message = q.Get("error")
			}
			h.logger.Info("oauth sign-in rejected by provider",
				zap.String("error", q.Get("error")),
				zap.String("description", q.Get("error_description")),
			)
			redirectToLogin(w, r, message)
			return
		}

		visitorID, err := h.sessionManager.VisitorID(w, r)
		if err != nil {
			h.serverError(w, r, "visitor", err)
			return
		}

		start := time.Now()
		signedIn, err := h.identity.ExchangeCode(r.Context(), flowID, q.Get("code"))
		attempt := login.Attempt{
			Method:   models.LoginMethodOAuth,
			Duration: time.Since(start),
		}

		var svcErr *models.ServiceError
		switch {
		case errors.As(err, &svcErr):
			attempt.Outcome = models.LoginOutcomeServiceError
			attempt.Message = svcErr.Message
		case err != nil:
			h.logger.Error("oauth code exchange failed", zap.Error(err))
			attempt.Outcome = models.LoginOutcomeUnexpected
			attempt.Message = OAuthFailedNotice
		case signedIn == nil:
			attempt.Outcome = models.LoginOutcomeNoIdentity
			attempt.Message = OAuthFailedNotice
		default:
			attempt.Outcome = models.LoginOutcomeSucceeded
			attempt.Provider = signedIn.Provider
			attempt.Email = signedIn.Email
		}
		h.audit.Record(r.Context(), visitorID, attempt)

		if attempt.Outcome != models.LoginOutcomeSucceeded {
			redirectToLogin(w, r, attempt.Message)
			return
		}

		h.flows.Release(visitorID)
		if _, err := h.sessionManager.SaveSession(w, r, signedIn); err != nil {
			h.serverError(w, r, "save_session", err)
			return
		}
		h.logger.Info("oauth sign-in succeeded",
			zap.String("identity_id", signedIn.ID),
			zap.String("provider", signedIn.Provider),
		)
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
	})
}

// Dashboard renders the user dashboard (protected route)
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	// Get session from context (set by RequireAuth middleware)
	session, ok := auth.GetSessionFromContext(r.Context())
	if !ok || session == nil {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	recent, err := h.audit.Recent(r.Context(), session.Email, recentLoginLimit)
	if err != nil {
		// Continue anyway, just don't show history
		h.logger.Warn("failed to load recent logins", zap.Error(err))
		metrics.RecordError("recent_logins")
	}

	data := TemplateData{
		Title:   "Dashboard",
		Session: session,
		Dashboard: &models.DashboardPageData{
			Session:      session,
			RecentLogins: recent,
		},
	}
	if err := h.renderTemplate(w, http.StatusOK, "dashboard", data); err != nil {
		h.logger.Error("failed to render dashboard template", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Logout clears the session and returns to the login page with a notice
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionManager.ClearSession(w, r); err != nil {
		// Log error but continue with logout
		h.logger.Warn("failed to clear session", zap.Error(err))
	}
	redirectToLogin(w, r, LogoutNotice)
}

// Healthz reports whether the identity service and the database are reachable
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{
		"status":   "ok",
		"version":  version.GetVersion(),
		"identity": "ok",
		"storage":  "ok",
	}
	if err := h.identity.HealthCheck(ctx); err != nil {
		h.logger.Warn("identity service health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"], body["identity"] = "degraded", "unreachable"
	}
	if err := h.audit.Ping(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"], body["storage"] = "degraded", "unreachable"
	} else if counts, err := h.audit.OutcomesSince(ctx, time.Hour); err == nil {
		body["logins_last_hour"] = counts
	}
	writeJSON(w, status, body)
}

// NotFound renders the 404 error page
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessionManager.GetSession(r)

	data := TemplateData{Title: "Not found", Session: session}
	if err := h.renderTemplate(w, http.StatusNotFound, "404", data); err != nil {
		h.logger.Error("failed to render 404 template", zap.Error(err))
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

// InternalError renders the 500 error page
func (h *Handlers) InternalError(w http.ResponseWriter, r *http.Request) {
	if err := h.renderTemplate(w, http.StatusInternalServerError, "500", TemplateData{Title: "Error"}); err != nil {
		h.logger.Error("failed to render 500 template", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// visitor returns the login flow of the requesting browser
func (h *Handlers) visitor(w http.ResponseWriter, r *http.Request) (*auth.Visitor, error) {
	visitorID, err := h.sessionManager.VisitorID(w, r)
	if err != nil {
		return nil, err
	}
	return h.flows.Acquire(visitorID), nil
}

// submit runs fn against the visitor's flow. A flow that was closed or
// already finished is replaced once. A nil visitor means a response was
// already written.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, fn func(*auth.Visitor) (models.LoginOutcome, error)) (*auth.Visitor, models.LoginOutcome, error) {
	visitor, err := h.visitor(w, r)
	if err != nil {
		h.serverError(w, r, "visitor", err)
		return nil, "", err
	}

	outcome, err := fn(visitor)
	if errors.Is(err, login.ErrFlowClosed) || errors.Is(err, login.ErrFlowFinished) {
		h.flows.Release(visitor.ID)
		visitor = h.flows.Acquire(visitor.ID)
		outcome, err = fn(visitor)
	}
	return visitor, outcome, err
}

// offeredProviders keeps the configured providers the backend has enabled,
// in configured order. The full list is offered when the backend cannot say.
func (h *Handlers) offeredProviders(ctx context.Context) []string {
	enabled, err := h.identity.EnabledProviders(ctx)
	if err != nil {
		h.logger.Warn("failed to load enabled providers", zap.Error(err))
		return h.providers
	}

	offered := make([]string, 0, len(h.providers))
	for _, p := range h.providers {
		if slices.Contains(enabled, p) {
			offered = append(offered, p)
		}
	}
	return offered
}

func (h *Handlers) renderLogin(w http.ResponseWriter, r *http.Request, status int, visitor *auth.Visitor) {
	state := visitor.Flow.State()
	session, _ := h.sessionManager.GetSession(r)

	data := TemplateData{
		Title:   "Sign in",
		Session: session,
		Login: &models.LoginPageData{
			Title:          "Sign in",
			Error:          state.Error,
			Notice:         state.Notice,
			Email:          state.Email,
			SubmitDisabled: state.SubmitDisabled(),
			Providers:      h.offeredProviders(r.Context()),
		},
	}
	if err := h.renderTemplate(w, status, "login", data); err != nil {
		h.logger.Error("failed to render login template", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) serverError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	metrics.RecordError(operation)
	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	h.InternalError(w, r)
}

// navigationTarget returns the redirect owed to the request tracked by ctx,
// falling back to a navigation the visitor's flow made outside any request
func navigationTarget(ctx context.Context, visitor *auth.Visitor) (string, bool) {
	if target, ok := auth.NavigationFrom(ctx); ok {
		return target, true
	}
	return visitor.Navigator.Take()
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, message string) {
	target := "/auth/login?message=" + strings.ReplaceAll(url.QueryEscape(message), "+", "%20")
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
