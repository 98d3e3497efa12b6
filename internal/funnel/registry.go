package funnel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSessionTTL is how long an untouched session is kept.
const DefaultSessionTTL = 2 * time.Hour

// Registry keeps live sessions in memory and evicts idle ones.
type Registry struct {
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*registryEntry
}

type registryEntry struct {
	ctrl     Controller
	lastSeen time.Time
}

// NewRegistry returns an empty registry. A zero ttl selects DefaultSessionTTL.
func NewRegistry(ttl time.Duration, clock func() time.Time, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*registryEntry),
	}
}

// Put stores ctrl under its id.
func (r *Registry) Put(ctrl Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ctrl.ID()] = &registryEntry{ctrl: ctrl, lastSeen: r.clock()}
}

// Get returns the session and marks it as recently used.
func (r *Registry) Get(id string) (Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	entry.lastSeen = r.clock()
	return entry.ctrl, true
}

// Delete removes the session if present.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle for longer than the ttl and returns how many were removed.
// Sessions with a payment call in flight are kept.
func (r *Registry) Sweep() int {
	cutoff := r.clock().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.sessions {
		if !entry.lastSeen.Before(cutoff) || entry.ctrl.Busy() {
			continue
		}
		delete(r.sessions, id)
		removed++
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Info("evicted idle wizard sessions", zap.Int("count", n), zap.Int("remaining", r.Len()))
			}
		}
	}
}
