package auth

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/shindakun/pastpapers/internal/login"
)

// Navigator is the login.Router of one visitor. A flow outlives the HTTP
// request that drives it, so navigation is recorded here and turned into a
// redirect by whichever handler submitted.
type Navigator struct {
	mu      sync.Mutex
	query   url.Values
	pending string
	hasNav  bool
}

var _ login.ContextRouter = (*Navigator)(nil)

type navigationKey struct{}

// navigation is the redirect owed by one request
type navigation struct {
	mu   sync.Mutex
	path string
	ok   bool
}

// TrackNavigation returns a context under which navigations are kept for
// the calling request alone. Read them back with NavigationFrom.
func TrackNavigation(ctx context.Context) context.Context {
	return context.WithValue(ctx, navigationKey{}, &navigation{})
}

// NavigationFrom returns the navigation recorded under ctx
func NavigationFrom(ctx context.Context) (string, bool) {
	nav, ok := ctx.Value(navigationKey{}).(*navigation)
	if !ok {
		return "", false
	}
	nav.mu.Lock()
	defer nav.mu.Unlock()
	return nav.path, nav.ok
}

// Observe makes the query parameters of r current
func (n *Navigator) Observe(r *http.Request) {
	q := r.URL.Query()
	n.mu.Lock()
	n.query = q
	n.mu.Unlock()
}

// NavigateTo records path as the pending navigation
func (n *Navigator) NavigateTo(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = path
	n.hasNav = true
}

// NavigateToContext records path for the request tracking ctx, or as the
// shared pending navigation when ctx is untracked
func (n *Navigator) NavigateToContext(ctx context.Context, path string) {
	nav, ok := ctx.Value(navigationKey{}).(*navigation)
	if !ok {
		n.NavigateTo(path)
		return
	}
	nav.mu.Lock()
	defer nav.mu.Unlock()
	nav.path, nav.ok = path, true
}

// CurrentQueryParameters returns a copy of the last observed query
func (n *Navigator) CurrentQueryParameters() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(url.Values, len(n.query))
	for k, v := range n.query {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Take returns and clears the pending navigation
func (n *Navigator) Take() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	path, ok := n.pending, n.hasNav
	n.pending, n.hasNav = "", false
	return path, ok
}
