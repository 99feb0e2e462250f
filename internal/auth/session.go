package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/shindakun/pastpapers/internal/models"
	"k8s.io/utils/clock"
)

const (
	sessionName = "pastpapers-session"
	visitorName = "pastpapers-visitor"

	sessionKeyIdentityID = "identity_id"
	sessionKeyEmail      = "email"
	sessionKeyProvider   = "provider"
	sessionKeySignedInAt = "signed_in_at"
	sessionKeyExpiresAt  = "expires_at"
	visitorKeyID         = "visitor_id"
)

var (
	// ErrNoSession is returned by GetSession when the request carries no valid session
	ErrNoSession = errors.New("no session found in cookie")

	// ErrSessionExpired is returned by GetSession for a session past its expiry
	ErrSessionExpired = errors.New("session has expired")
)

type contextKey struct{}

// SessionManager handles the signed-in cookie and the anonymous visitor cookie
type SessionManager struct {
	store  *sessions.CookieStore
	maxAge time.Duration
	clock  clock.PassiveClock
}

// InitSessions creates a session manager with HTTP-only cookies signed by secret
func InitSessions(secret string, maxAge time.Duration, secure bool, sameSite http.SameSite) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))

	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true, // Prevent JavaScript access
		Secure:   secure,
		SameSite: sameSite,
	}

	return &SessionManager{
		store:  store,
		maxAge: maxAge,
		clock:  clock.RealClock{},
	}
}

// SetClock replaces the clock used for session expiry
func (sm *SessionManager) SetClock(c clock.PassiveClock) {
	sm.clock = c
}

// SaveSession writes the cookie for a freshly signed-in identity
func (sm *SessionManager) SaveSession(w http.ResponseWriter, r *http.Request, identity *models.Identity) (*models.Session, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity is required")
	}

	session := models.NewSession(identity, sm.clock.Now(), sm.maxAge)
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}

	// A stale or tampered cookie still yields a fresh session to write into
	cookieSession, _ := sm.store.Get(r, sessionName)

	cookieSession.Values[sessionKeyIdentityID] = session.IdentityID
	cookieSession.Values[sessionKeyEmail] = session.Email
	cookieSession.Values[sessionKeyProvider] = session.Provider
	cookieSession.Values[sessionKeySignedInAt] = session.SignedInAt.Unix()
	cookieSession.Values[sessionKeyExpiresAt] = session.ExpiresAt.Unix()

	if err := cookieSession.Save(r, w); err != nil {
		return nil, fmt.Errorf("failed to save cookie session: %w", err)
	}

	return session, nil
}

// GetSession reads the signed-in session from the request cookie
func (sm *SessionManager) GetSession(r *http.Request) (*models.Session, error) {
	cookieSession, err := sm.store.Get(r, sessionName)
	if err != nil {
		return nil, fmt.Errorf("failed to get cookie session: %w", err)
	}

	identityID, ok := cookieSession.Values[sessionKeyIdentityID].(string)
	if !ok || identityID == "" {
		return nil, ErrNoSession
	}

	email, _ := cookieSession.Values[sessionKeyEmail].(string)
	provider, _ := cookieSession.Values[sessionKeyProvider].(string)
	signedInAt, _ := cookieSession.Values[sessionKeySignedInAt].(int64)
	expiresAt, _ := cookieSession.Values[sessionKeyExpiresAt].(int64)

	session := &models.Session{
		IdentityID: identityID,
		Email:      email,
		Provider:   provider,
		SignedInAt: time.Unix(signedInAt, 0),
		ExpiresAt:  time.Unix(expiresAt, 0),
	}

	if !session.IsActive(sm.clock.Now()) {
		return nil, ErrSessionExpired
	}

	return session, nil
}

// ClearSession expires the signed-in cookie (logout)
func (sm *SessionManager) ClearSession(w http.ResponseWriter, r *http.Request) error {
	cookieSession, err := sm.store.Get(r, sessionName)
	if err != nil && cookieSession == nil {
		// If we can't get the session, it might already be cleared
		return nil
	}

	cookieSession.Values = make(map[interface{}]interface{})
	cookieSession.Options.MaxAge = -1
	if err := cookieSession.Save(r, w); err != nil {
		return fmt.Errorf("failed to clear cookie session: %w", err)
	}
	return nil
}

// VisitorID returns the anonymous visitor id of the browser, issuing a new
// one when the request carries none. The visitor cookie lives for the
// browser session only.
func (sm *SessionManager) VisitorID(w http.ResponseWriter, r *http.Request) (string, error) {
	visitor, _ := sm.store.Get(r, visitorName)
	if id, ok := visitor.Values[visitorKeyID].(string); ok && id != "" {
		return id, nil
	}

	id := uuid.New().String()
	visitor.Values[visitorKeyID] = id
	opts := *sm.store.Options
	opts.MaxAge = 0
	visitor.Options = &opts

	if err := visitor.Save(r, w); err != nil {
		return "", fmt.Errorf("failed to save visitor cookie: %w", err)
	}
	return id, nil
}

// GetSessionFromContext retrieves session from request context
func GetSessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(contextKey{}).(*models.Session)
	return session, ok
}

// SetSessionInContext stores session in request context
func SetSessionInContext(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, contextKey{}, session)
}
