package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shindakun/pastpapers/internal/audit"
	"github.com/shindakun/pastpapers/internal/auth"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/models"
	"github.com/shindakun/pastpapers/internal/storage"
	"github.com/shindakun/pastpapers/internal/web/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeBackend stands in for the identity service
type fakeBackend struct {
	mu        sync.Mutex
	password  func(ctx context.Context, email, password string) (*models.Identity, error)
	oauth     func(ctx context.Context, provider string, opts login.OAuthOptions) (string, error)
	exchange  func(ctx context.Context, flowID, code string) (*models.Identity, error)
	healthErr error
	providers []string

	enabled    []string
	enabledErr error
}

func (f *fakeBackend) SignInWithPassword(ctx context.Context, email, password string) (*models.Identity, error) {
	f.mu.Lock()
	fn := f.password
	f.mu.Unlock()
	if fn == nil {
		return &models.Identity{ID: "id-1", Email: email, Provider: "email"}, nil
	}
	return fn(ctx, email, password)
}

func (f *fakeBackend) SignInWithOAuth(ctx context.Context, provider string, opts login.OAuthOptions) (string, error) {
	f.mu.Lock()
	f.providers = append(f.providers, provider)
	fn := f.oauth
	f.mu.Unlock()
	if fn == nil {
		return "https://id.example.com/authorize?provider=" + provider + "&redirect_to=" + url.QueryEscape(opts.RedirectTo), nil
	}
	return fn(ctx, provider, opts)
}

func (f *fakeBackend) ExchangeCode(ctx context.Context, flowID, code string) (*models.Identity, error) {
	if f.exchange == nil {
		return &models.Identity{ID: "id-2", Email: "grace@example.com", Provider: "google"}, nil
	}
	return f.exchange(ctx, flowID, code)
}

func (f *fakeBackend) EnabledProviders(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, f.enabledErr
}

func (f *fakeBackend) HealthCheck(ctx context.Context) error {
	return f.healthErr
}

// testEnv is one browser talking to the handlers
type testEnv struct {
	h        *Handlers
	sessions *auth.SessionManager
	flows    *auth.FlowRegistry
	audit    *audit.Log
	backend  *fakeBackend

	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		backend:  &fakeBackend{enabled: []string{"google", "github"}},
		sessions: auth.InitSessions(testSecret, time.Hour, false, http.SameSiteLaxMode),
		audit:    audit.NewLog(db, nil, nil),
		cookies:  make(map[string]*http.Cookie),
	}
	env.flows = auth.NewFlowRegistry(100, time.Hour, func(visitorID string, nav *auth.Navigator) *login.Flow {
		return login.NewFlow(env.backend, nav, login.WithRecorder(env.audit.ForVisitor(visitorID)))
	}, nil)
	t.Cleanup(env.flows.Close)

	env.h, err = New(env.sessions, env.flows, env.backend, env.audit, []string{"google", "github"}, nil)
	require.NoError(t, err)
	return env
}

// serve runs handler with the browser's cookies and keeps the ones it sets
func (e *testEnv) serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	e.mu.Lock()
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	e.mu.Unlock()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	e.mu.Lock()
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(e.cookies, c.Name)
			continue
		}
		e.cookies[c.Name] = c
	}
	e.mu.Unlock()
	return rec
}

func (e *testEnv) get(handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	return e.serve(handler, httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) post(handler http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.serve(handler, req)
}

func (e *testEnv) dashboard() http.Handler {
	return e.h.CompleteOAuth(middleware.RequireAuth(e.sessions)(http.HandlerFunc(e.h.Dashboard)))
}

func credentials(email, password string) url.Values {
	return url.Values{"email": {email}, "password": {password}}
}

func TestLoginPage_ShowsNoticeFromQuery(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(env.h.LoginPage, "/auth/login?message=Check%20your%20inbox")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Check your inbox")
	assert.Contains(t, body, `action="/auth/login"`)
	assert.Contains(t, body, "Continue with Google")
	assert.Contains(t, body, "Continue with GitHub")

	rec = env.get(env.h.LoginState, "/auth/login/state")
	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "Check your inbox", state["notice"])
	assert.Equal(t, false, state["submit_disabled"])
	assert.Equal(t, string(login.PhaseIdle), state["phase"])
}

func TestLoginSubmit_Success(t *testing.T) {
	env := newTestEnv(t)
	env.get(env.h.LoginPage, "/auth/login")

	rec := env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "hunter2"))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Zero(t, env.flows.Len(), "the flow is unmounted after sign-in")

	rec = env.get(env.h.Landing, "/")
	assert.Contains(t, rec.Body.String(), "Signed in as ada@example.com")

	events, err := env.audit.Recent(context.Background(), "ada@example.com", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.LoginOutcomeSucceeded, events[0].Outcome)
}

func TestLoginSubmit_ServiceError(t *testing.T) {
	env := newTestEnv(t)
	env.backend.password = func(ctx context.Context, email, password string) (*models.Identity, error) {
		return nil, &models.ServiceError{Message: "Invalid login credentials", Status: http.StatusBadRequest}
	}

	rec := env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "wrong"))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Invalid login credentials")
	assert.Contains(t, body, `value="ada@example.com"`)
	assert.NotContains(t, body, "wrong", "the password is never rendered")

	// The previous error is cleared by the next attempt.
	env.backend.mu.Lock()
	env.backend.password = nil
	env.backend.mu.Unlock()
	rec = env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "right"))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestLoginSubmit_UnexpectedError(t *testing.T) {
	env := newTestEnv(t)
	env.backend.password = func(ctx context.Context, email, password string) (*models.Identity, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	rec := env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), login.UnexpectedErrorMessage)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestLoginSubmit_RejectedWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.get(env.h.LoginPage, "/auth/login")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.backend.password = func(ctx context.Context, email, password string) (*models.Identity, error) {
		once.Do(func() { close(entered) })
		<-release
		return &models.Identity{ID: "id-1", Email: email}, nil
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))
	}()
	<-entered

	rec := env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Signing in...")
	assert.Contains(t, rec.Body.String(), "disabled")

	close(release)
	first := <-done
	assert.Equal(t, http.StatusSeeOther, first.Code)
}

func TestLoginSubmit_RejectedSubmissionKeepsFirstEmail(t *testing.T) {
	env := newTestEnv(t)
	env.get(env.h.LoginPage, "/auth/login")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.backend.password = func(ctx context.Context, email, password string) (*models.Identity, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, &models.ServiceError{Message: "Invalid login credentials"}
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))
	}()
	<-entered

	rec := env.post(env.h.LoginSubmit, "/auth/login", credentials("mallory@example.com", "guess"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
	body := first.Body.String()
	assert.Contains(t, body, "Invalid login credentials")
	assert.Contains(t, body, `value="ada@example.com"`)
	assert.NotContains(t, body, "mallory@example.com")
}

func TestConcurrentSubmissionsGetTheirOwnRedirects(t *testing.T) {
	env := newTestEnv(t)
	env.get(env.h.LoginPage, "/auth/login")

	entered := make(chan struct{})
	release := make(chan struct{})
	env.backend.password = func(ctx context.Context, email, password string) (*models.Identity, error) {
		close(entered)
		<-release
		return &models.Identity{ID: "id-1", Email: email}, nil
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))
	}()
	<-entered

	rec := env.post(env.h.OAuthSubmit, "/auth/oauth", url.Values{"provider": {"github"}})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "provider=github")

	close(release)
	first := <-done
	assert.Equal(t, http.StatusSeeOther, first.Code)
	assert.Equal(t, "/", first.Header().Get("Location"))
}

func TestLoginPage_OffersOnlyEnabledProviders(t *testing.T) {
	env := newTestEnv(t)
	env.backend.enabled = []string{"google", "gitlab"}

	body := env.get(env.h.LoginPage, "/auth/login").Body.String()
	assert.Contains(t, body, "Continue with Google")
	assert.NotContains(t, body, "Continue with GitHub")
	assert.NotContains(t, body, "gitlab", "providers that are not configured stay hidden")

	rec := env.get(env.h.LoginState, "/auth/login/state")
	var state struct {
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, []string{"google"}, state.Providers)

	// Configured providers are offered when the backend settings are unavailable.
	env.backend.mu.Lock()
	env.backend.enabledErr = errors.New("identity service returned status 502")
	env.backend.mu.Unlock()
	body = env.get(env.h.LoginPage, "/auth/login").Body.String()
	assert.Contains(t, body, "Continue with GitHub")
}

func TestOAuthSubmit_RedirectsToProvider(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post(env.h.OAuthSubmit, "/auth/oauth", url.Values{})
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "id.example.com", location.Host)
	assert.Equal(t, "google", location.Query().Get("provider"))
	assert.Equal(t, login.OAuthRedirectPath, location.Query().Get("redirect_to"))

	env.post(env.h.OAuthSubmit, "/auth/oauth", url.Values{"provider": {"github"}})
	assert.Equal(t, []string{"google", "github"}, env.backend.providers)
}

func TestOAuthSubmit_Error(t *testing.T) {
	env := newTestEnv(t)
	env.backend.oauth = func(ctx context.Context, provider string, opts login.OAuthOptions) (string, error) {
		return "", &models.ServiceError{Message: "Unsupported provider: provider is not enabled"}
	}

	rec := env.post(env.h.OAuthSubmit, "/auth/oauth", url.Values{"provider": {"myspace"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported provider: provider is not enabled")
}

func TestCompleteOAuth(t *testing.T) {
	env := newTestEnv(t)
	var gotFlow, gotCode string
	env.backend.exchange = func(ctx context.Context, flowID, code string) (*models.Identity, error) {
		gotFlow, gotCode = flowID, code
		return &models.Identity{ID: "id-2", Email: "grace@example.com", Provider: "google"}, nil
	}

	rec := env.serve(env.dashboard(), httptest.NewRequest(http.MethodGet, "/dashboard?flow=f-1&code=c-1", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
	assert.Equal(t, "f-1", gotFlow)
	assert.Equal(t, "c-1", gotCode)

	rec = env.serve(env.dashboard(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Signed in as grace@example.com via Google")
	assert.Contains(t, body, "succeeded")
}

func TestCompleteOAuth_Failures(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		exchange func(ctx context.Context, flowID, code string) (*models.Identity, error)
		want     string
	}{
		{
			name:   "provider error",
			target: "/dashboard?flow=f&error=access_denied&error_description=User%20denied%20access",
			want:   "User denied access",
		},
		{
			name:   "service error",
			target: "/dashboard?flow=f&code=c",
			exchange: func(ctx context.Context, flowID, code string) (*models.Identity, error) {
				return nil, &models.ServiceError{Message: "Code verifier does not match"}
			},
			want: "Code verifier does not match",
		},
		{
			name:   "unexpected error",
			target: "/dashboard?flow=f&code=c",
			exchange: func(ctx context.Context, flowID, code string) (*models.Identity, error) {
				return nil, errors.New("timeout")
			},
			want: OAuthFailedNotice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.backend.exchange = tt.exchange

			rec := env.serve(env.dashboard(), httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, http.StatusSeeOther, rec.Code)

			location, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "/auth/login", location.Path)
			assert.Equal(t, tt.want, location.Query().Get("message"))
			assert.NotContains(t, env.cookies, "pastpapers-session")
		})
	}
}

func TestDashboard_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serve(env.dashboard(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "pw"))

	rec := env.get(env.h.Logout, "/auth/logout")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login?message=You%20have%20been%20signed%20out", rec.Header().Get("Location"))

	rec = env.get(env.h.LoginPage, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), LogoutNotice)
	assert.NotContains(t, rec.Body.String(), "Sign out")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	env.post(env.h.LoginSubmit, "/auth/login", credentials("ada@example.com", "hunter2"))

	rec := env.get(env.h.Healthz, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"logins_last_hour":{"succeeded":1}`)

	env.backend.healthErr = errors.New("connection refused")
	rec = env.get(env.h.Healthz, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"identity":"unreachable"`)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(env.h.NotFound, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Page not found")
}
