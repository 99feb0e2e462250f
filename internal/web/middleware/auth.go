package middleware

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/shindakun/pastpapers/internal/auth"
)

// SessionExpiredNotice is shown on the login page after an expired session is turned away
const SessionExpiredNotice = "Your session has expired, please sign in again"

const loginPath = "/auth/login"

// RequireAuth puts the signed-in session into the request context. Browsers
// without one are sent to the login page; JSON clients get a 401.
func RequireAuth(sessionManager *auth.SessionManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := sessionManager.GetSession(r)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(auth.SetSessionInContext(r.Context(), session)))
				return
			}

			if strings.Contains(r.Header.Get("Accept"), "application/json") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			target := loginPath
			if errors.Is(err, auth.ErrSessionExpired) {
				target += "?" + url.Values{"message": {SessionExpiredNotice}}.Encode()
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
		})
	}
}
