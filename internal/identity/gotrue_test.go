package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testAPIKey = "anon-key"

// newTestClient starts a fake identity backend. handler receives every
// request under /auth/v1.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/auth/v1/", http.StripPrefix("/auth/v1", handler))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := New(Options{
		URL:        srv.URL + "/auth/v1",
		APIKey:     testAPIKey,
		SiteURL:    "https://papers.example.com",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNew_RejectsRelativeURLs(t *testing.T) {
	_, err := New(Options{URL: "/auth/v1", SiteURL: "https://papers.example.com"})
	assert.Error(t, err)

	_, err = New(Options{URL: "https://id.example.com/auth/v1", SiteURL: ""})
	assert.Error(t, err)
}

func TestSignInWithPassword_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, testAPIKey, r.Header.Get("apikey"))
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["email"])
		assert.Equal(t, "hunter2", body["password"])

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "jwt",
			"user": map[string]any{
				"id":           "5b0c",
				"email":        "ada@example.com",
				"app_metadata": map[string]any{"provider": "email"},
			},
		})
	})

	identity, err := client.SignInWithPassword(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, &models.Identity{ID: "5b0c", Email: "ada@example.com", Provider: "email"}, identity)
}

func TestSignInWithPassword_NoUser(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "jwt"})
	})

	identity, err := client.SignInWithPassword(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Nil(t, identity)
}

func TestSignInWithPassword_ServiceErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        map[string]any
		wantMessage string
		wantCode    string
	}{
		{
			name:        "current error format",
			status:      http.StatusBadRequest,
			body:        map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"},
			wantMessage: "Invalid login credentials",
			wantCode:    "invalid_credentials",
		},
		{
			name:        "oauth style error",
			status:      http.StatusBadRequest,
			body:        map[string]any{"error": "invalid_grant", "error_description": "Email not confirmed"},
			wantMessage: "Email not confirmed",
			wantCode:    "invalid_grant",
		},
		{
			name:        "gateway message",
			status:      http.StatusUnauthorized,
			body:        map[string]any{"message": "No API key found in request"},
			wantMessage: "No API key found in request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "pw")
			var svcErr *models.ServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, tt.wantMessage, svcErr.Message)
			assert.Equal(t, tt.wantCode, svcErr.Code)
			assert.Equal(t, tt.status, svcErr.Status)
			assert.True(t, svcErr.IsClientError())
		})
	}
}

func TestSignInWithPassword_UnexpectedErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusBadGateway, map[string]any{"msg": "upstream down"})
			},
		},
		{
			name: "client error without message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("<html>bad request</html>"))
			},
		},
		{
			name: "garbage success body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)

			_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "pw")
			require.Error(t, err)
			var svcErr *models.ServiceError
			assert.False(t, errors.As(err, &svcErr), "got %v", err)
		})
	}
}

func TestSignInWithPassword_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := New(Options{URL: srv.URL + "/auth/v1", SiteURL: "https://papers.example.com"})
	require.NoError(t, err)

	_, err = client.SignInWithPassword(context.Background(), "ada@example.com", "pw")
	require.Error(t, err)
	var svcErr *models.ServiceError
	assert.False(t, errors.As(err, &svcErr))
}

func TestSignInWithOAuth_BuildsAuthorizeURL(t *testing.T) {
	var settingsCalls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settings", r.URL.Path)
		settingsCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"external": map[string]bool{"google": true, "github": false, "email": true},
		})
	})

	authURL, err := client.SignInWithOAuth(context.Background(), "google", login.OAuthOptions{RedirectTo: "/dashboard"})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/auth/v1/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, "s256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	redirect, err := url.Parse(q.Get("redirect_to"))
	require.NoError(t, err)
	assert.Equal(t, "papers.example.com", redirect.Host)
	assert.Equal(t, "/dashboard", redirect.Path)
	flowID := redirect.Query().Get(FlowParam)
	require.NotEmpty(t, flowID)
	assert.Equal(t, 1, client.PendingFlows())

	verifier, ok := client.flows.Get(flowID)
	require.True(t, ok)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))

	// Settings are cached between flows.
	_, err = client.SignInWithOAuth(context.Background(), "google", login.OAuthOptions{RedirectTo: "/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), settingsCalls.Load())
}

func TestSignInWithOAuth_DisabledProvider(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"external": map[string]bool{"google": true, "github": false},
		})
	})

	for _, provider := range []string{"github", "myspace"} {
		_, err := client.SignInWithOAuth(context.Background(), provider, login.OAuthOptions{RedirectTo: "/dashboard"})
		var svcErr *models.ServiceError
		require.ErrorAs(t, err, &svcErr, provider)
		assert.Equal(t, "Unsupported provider: provider is not enabled", svcErr.Message)
	}
	assert.Zero(t, client.PendingFlows())
}

func TestExchangeCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/settings":
			writeJSON(w, http.StatusOK, map[string]any{"external": map[string]bool{"google": true}})
		case "/token":
			assert.Equal(t, "pkce", r.URL.Query().Get("grant_type"))
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "code-123", body["auth_code"])
			assert.NotEmpty(t, body["code_verifier"])
			writeJSON(w, http.StatusOK, map[string]any{
				"user": map[string]any{
					"id":           "9f1e",
					"email":        "grace@example.com",
					"app_metadata": map[string]any{"provider": "google"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	authURL, err := client.SignInWithOAuth(context.Background(), "google", login.OAuthOptions{RedirectTo: "/dashboard"})
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	redirect, _ := url.Parse(u.Query().Get("redirect_to"))
	flowID := redirect.Query().Get(FlowParam)

	identity, err := client.ExchangeCode(context.Background(), flowID, "code-123")
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", identity.Email)
	assert.Equal(t, "google", identity.Provider)

	// A flow id is single use.
	_, err = client.ExchangeCode(context.Background(), flowID, "code-123")
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestHealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": "GoTrue"})
	})

	assert.NoError(t, client.HealthCheck(context.Background()))
	unhealthy.Store(true)
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestSettings_EnabledProviders(t *testing.T) {
	s := &Settings{External: map[string]bool{"google": true, "github": false, "email": true, "phone": true}}
	assert.Equal(t, []string{"google"}, s.EnabledProviders())
}

func TestClient_EnabledProviders(t *testing.T) {
	var fail atomic.Bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"external": map[string]bool{"google": true, "github": true, "gitlab": false, "email": true},
		})
	})

	providers, err := client.EnabledProviders(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"google", "github"}, providers)

	// Served from the settings cache.
	fail.Store(true)
	_, err = client.EnabledProviders(context.Background())
	assert.NoError(t, err)
}
