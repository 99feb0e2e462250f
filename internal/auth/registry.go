package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/metrics"
	"go.uber.org/zap"
)

// Visitor is the login screen of one browser
type Visitor struct {
	ID        string
	Flow      *login.Flow
	Navigator *Navigator
}

// FlowFactory builds the flow for a new visitor around its navigator
type FlowFactory func(visitorID string, nav *Navigator) *login.Flow

// FlowRegistry keeps one login flow per visitor. Flows idle for longer than
// the configured timeout, or pushed out by capacity, are closed.
type FlowRegistry struct {
	mu       sync.Mutex // serialises lookup-or-create
	visitors *expirable.LRU[string, *Visitor]
	newFlow  FlowFactory
	logger   *zap.Logger
}

// NewFlowRegistry creates a registry holding at most size visitors
func NewFlowRegistry(size int, idleTimeout time.Duration, newFlow FlowFactory, logger *zap.Logger) *FlowRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &FlowRegistry{
		newFlow: newFlow,
		logger:  logger.Named("flows"),
	}
	r.visitors = expirable.NewLRU[string, *Visitor](size, r.onEvict, idleTimeout)
	return r
}

// Acquire returns the visitor's flow, creating and mounting a new one when
// there is none. Every call restarts the idle timeout.
func (r *FlowRegistry) Acquire(visitorID string) *Visitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.visitors.Get(visitorID); ok {
		r.visitors.Add(visitorID, v)
		return v
	}
	// An expired entry may linger until the next sweep; closing it here
	// keeps the old flow from being overwritten without its eviction.
	r.visitors.Remove(visitorID)

	nav := &Navigator{}
	v := &Visitor{
		ID:        visitorID,
		Flow:      r.newFlow(visitorID, nav),
		Navigator: nav,
	}
	r.visitors.Add(visitorID, v)
	metrics.ActiveLoginFlows.Inc()
	r.logger.Debug("login flow created", zap.String("visitor_id", visitorID))
	return v
}

// Release closes and forgets the visitor's flow
func (r *FlowRegistry) Release(visitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visitors.Remove(visitorID)
}

// Len returns the number of live flows
func (r *FlowRegistry) Len() int {
	return r.visitors.Len()
}

// Close closes every flow
func (r *FlowRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visitors.Purge()
}

// onEvict runs under the LRU lock and must not call back into the registry
func (r *FlowRegistry) onEvict(visitorID string, v *Visitor) {
	v.Flow.Close()
	metrics.ActiveLoginFlows.Dec()
	r.logger.Debug("login flow closed", zap.String("visitor_id", visitorID))
}
