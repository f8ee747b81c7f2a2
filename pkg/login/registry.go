package login

import (
	"sync"
	"time"

	"github.com/faros/cockpit-gateway/pkg/federation"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// Strategy is one provisioned login attempt: the OIDC parameters fetched
// for a single browser session and provider pair.
type Strategy struct {
	SessionID  string
	Provider   session.Provider
	Connector  federation.ConnectorID
	Parameters *federation.OIDCParameters
	CreatedAt  time.Time
}

type registryKey struct {
	sessionID string
	provider  session.Provider
}

// Registry holds the strategies of in-flight logins. Entries are removed
// when a login finishes and swept by age otherwise.
type Registry struct {
	mu         sync.RWMutex
	strategies map[registryKey]*Strategy
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[registryKey]*Strategy)}
}

// Register stores a strategy, replacing any previous one for the same
// session and provider. Re-provisioning a login restarts it.
func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.strategies[registryKey{s.SessionID, s.Provider}] = s
}

// Lookup returns the strategy for a session and provider
func (r *Registry) Lookup(sessionID string, provider session.Provider) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[registryKey{sessionID, provider}]
	return s, ok
}

// Unregister removes the strategy for a session and provider
func (r *Registry) Unregister(sessionID string, provider session.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, registryKey{sessionID, provider})
}

// UnregisterAll removes every strategy of a session
func (r *Registry) UnregisterAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.strategies {
		if key.sessionID == sessionID {
			delete(r.strategies, key)
		}
	}
}

// Sweep removes strategies older than maxAge and returns how many it
// removed. Abandoned logins never complete, so their strategies would
// otherwise accumulate forever.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, s := range r.strategies {
		if s.CreatedAt.Before(cutoff) {
			delete(r.strategies, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered strategies
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}
