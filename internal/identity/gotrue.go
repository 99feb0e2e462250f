// Package identity talks to a GoTrue (Supabase Auth) compatible identity
// service over its REST API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// FlowParam carries the PKCE flow id on the OAuth redirect target
	FlowParam = "flow"

	maxErrorBody     = 64 << 10
	maxPendingFlows  = 10000
	settingsCacheKey = "settings"
)

// ErrUnknownFlow is returned by ExchangeCode when the flow id was never
// issued or has expired.
var ErrUnknownFlow = errors.New("identity: unknown or expired oauth flow")

// Options configures a Client
type Options struct {
	URL         string        // e.g. https://project.supabase.co/auth/v1
	APIKey      string        // anon key, sent as apikey and bearer token
	SiteURL     string        // public base URL of this site, used for redirect_to
	Timeout     time.Duration // per request
	FlowTTL     time.Duration // how long an OAuth flow may take
	SettingsTTL time.Duration // how long provider settings are cached
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client is a GoTrue REST client. It satisfies login.IdentityService.
type Client struct {
	baseURL    *url.URL
	siteURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	flows    *expirable.LRU[string, string] // flow id -> PKCE verifier
	settings *expirable.LRU[string, *Settings]
}

var _ login.IdentityService = (*Client)(nil)

// Settings is the subset of GET /settings the client uses
type Settings struct {
	External map[string]bool `json:"external"`
}

// EnabledProviders lists the OAuth providers switched on in the backend
func (s *Settings) EnabledProviders() []string {
	var providers []string
	for name, enabled := range s.External {
		if enabled && name != "email" && name != "phone" {
			providers = append(providers, name)
		}
	}
	return providers
}

// New creates a client. The identity URL and site URL must be absolute.
func New(opts Options) (*Client, error) {
	baseURL, err := parseAbsoluteURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity url: %w", err)
	}
	siteURL, err := parseAbsoluteURL(opts.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid site url: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		if opts.Timeout > 0 {
			httpClient.Timeout = opts.Timeout
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	flowTTL := opts.FlowTTL
	if flowTTL <= 0 {
		flowTTL = 10 * time.Minute
	}
	settingsTTL := opts.SettingsTTL
	if settingsTTL <= 0 {
		settingsTTL = time.Minute
	}

	return &Client{
		baseURL:    baseURL,
		siteURL:    siteURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger.Named("identity"),
		flows:      expirable.NewLRU[string, string](maxPendingFlows, nil, flowTTL),
		settings:   expirable.NewLRU[string, *Settings](1, nil, settingsTTL),
	}, nil
}

// SignInWithPassword exchanges an email and password for an identity
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*models.Identity, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "token", url.Values{"grant_type": {"password"}}, body, &resp); err != nil {
		return nil, err
	}
	return resp.identity(), nil
}

// SignInWithOAuth starts a PKCE authorization code flow and returns the
// provider authorization URL. Disabled or unknown providers are rejected
// with a ServiceError before the user is sent anywhere.
func (c *Client) SignInWithOAuth(ctx context.Context, provider string, opts login.OAuthOptions) (string, error) {
	settings, err := c.Settings(ctx)
	if err != nil {
		return "", err
	}
	if !settings.External[provider] {
		return "", &models.ServiceError{
			Message: "Unsupported provider: provider is not enabled",
			Code:    "validation_failed",
			Status:  http.StatusBadRequest,
		}
	}

	flowID := uuid.New().String()
	verifier := oauth2.GenerateVerifier()
	c.flows.Add(flowID, verifier)

	redirectTo, err := c.redirectTarget(opts.RedirectTo, flowID)
	if err != nil {
		c.flows.Remove(flowID)
		return "", err
	}

	authorize := c.endpoint("authorize", url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectTo},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"s256"},
	})

	c.logger.Debug("oauth flow started", zap.String("provider", provider), zap.String("flow_id", flowID))
	return authorize, nil
}

// ExchangeCode completes an OAuth flow started by SignInWithOAuth. The flow
// id can only be used once.
func (c *Client) ExchangeCode(ctx context.Context, flowID, code string) (*models.Identity, error) {
	verifier, ok := c.flows.Get(flowID)
	if !ok {
		return nil, ErrUnknownFlow
	}
	c.flows.Remove(flowID)

	body := map[string]string{
		"auth_code":     code,
		"code_verifier": verifier,
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "token", url.Values{"grant_type": {"pkce"}}, body, &resp); err != nil {
		return nil, err
	}
	return resp.identity(), nil
}

// Settings returns the backend settings, cached for SettingsTTL
func (c *Client) Settings(ctx context.Context) (*Settings, error) {
	if s, ok := c.settings.Get(settingsCacheKey); ok {
		return s, nil
	}

	var s Settings
	if err := c.do(ctx, http.MethodGet, "settings", nil, nil, &s); err != nil {
		return nil, fmt.Errorf("failed to load identity settings: %w", err)
	}
	c.settings.Add(settingsCacheKey, &s)
	return &s, nil
}

// EnabledProviders lists the OAuth providers the backend currently accepts
func (c *Client) EnabledProviders(ctx context.Context) ([]string, error) {
	settings, err := c.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return settings.EnabledProviders(), nil
}

// HealthCheck checks if the identity service is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.do(ctx, http.MethodGet, "health", nil, nil, nil); err != nil {
		return fmt.Errorf("identity service unhealthy: %w", err)
	}
	return nil
}

// PendingFlows returns the number of OAuth flows waiting for a callback
func (c *Client) PendingFlows() int {
	return c.flows.Len()
}

func (c *Client) redirectTarget(path, flowID string) (string, error) {
	target, err := c.siteURL.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid redirect path %q: %w", path, err)
	}
	q := target.Query()
	q.Set(FlowParam, flowID)
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func (c *Client) endpoint(name string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + name
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends a request and decodes a 2xx JSON response into out. Rejections
// with a readable message become *models.ServiceError; everything else is
// returned as a wrapped error.
func (c *Client) do(ctx context.Context, method, name string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(name, query), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.decodeError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("failed to read error response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var body apiError
	if err := json.Unmarshal(raw, &body); err != nil || body.message() == "" {
		c.logger.Warn("unreadable identity service error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		return fmt.Errorf("identity service returned status %d without a message", resp.StatusCode)
	}

	return &models.ServiceError{
		Message: body.message(),
		Code:    body.code(),
		Status:  resp.StatusCode,
	}
}

// apiError covers both the current and the OAuth-style error bodies
type apiError struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e apiError) message() string {
	for _, m := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

func (e apiError) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Error
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	User        *struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		AppMetadata struct {
			Provider string `json:"provider"`
		} `json:"app_metadata"`
	} `json:"user"`
}

// identity returns nil when the response carries no user
func (t *tokenResponse) identity() *models.Identity {
	if t.User == nil || t.User.ID == "" {
		return nil
	}
	return &models.Identity{
		ID:       t.User.ID,
		Email:    t.User.Email,
		Provider: t.User.AppMetadata.Provider,
	}
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	return u, nil
}
