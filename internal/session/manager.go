package session

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Runner is the part of Pipeline the manager needs.
type Runner interface {
	Run(ctx context.Context, req Request) (*Context, error)
}

// Manager caches the active context per profile and collapses concurrent
// re-acquisitions for the same profile into one pipeline run.
type Manager struct {
	runner Runner

	mu     sync.RWMutex
	active map[string]*Context
	// runs maps the run id of each active context to its profile key.
	runs map[string]string
	// replaced holds, per profile key, the run id of the context the active
	// one superseded, so late callers holding it still find their key.
	replaced map[string]string
	group    singleflight.Group
}

func NewManager(runner Runner) *Manager {
	return &Manager{
		runner:   runner,
		active:   make(map[string]*Context),
		runs:     make(map[string]string),
		replaced: make(map[string]string),
	}
}

// Get returns the active context for profile, acquiring one when absent.
func (m *Manager) Get(ctx context.Context, profile string) (*Context, error) {
	if sc := m.current(profile); sc != nil {
		return sc, nil
	}
	return m.acquire(ctx, profile, nil)
}

// Reacquire replaces stale. When another caller already swapped in a fresh
// context for the profile, that one is returned without a new run.
func (m *Manager) Reacquire(ctx context.Context, profile string, stale *Context) (*Context, error) {
	if sc := m.current(profile); sc != nil && stale != nil && !sc.SameTokens(stale) {
		return sc, nil
	}
	return m.acquire(ctx, profile, stale)
}

// ReacquireStale re-acquires under whichever profile key stale was handed
// out for. It has the shape of a transport re-acquisition hook.
func (m *Manager) ReacquireStale(ctx context.Context, stale *Context) (*Context, error) {
	key := ""
	if stale != nil {
		if k, ok := m.keyForRun(stale.RunID); ok {
			key = k
		} else {
			key = stale.Profile
		}
	}
	return m.Reacquire(ctx, key, stale)
}

func (m *Manager) keyForRun(runID string) (string, bool) {
	if runID == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.runs[runID]; ok {
		return k, true
	}
	for k, id := range m.replaced {
		if id == runID {
			return k, true
		}
	}
	return "", false
}

func (m *Manager) acquire(ctx context.Context, profile string, stale *Context) (*Context, error) {
	v, err, _ := m.group.Do(profile, func() (interface{}, error) {
		if sc := m.current(profile); sc != nil && (stale == nil || !sc.SameTokens(stale)) {
			return sc, nil
		}
		sc, err := m.runner.Run(ctx, Request{Profile: profile, Stale: stale})
		m.mu.Lock()
		defer m.mu.Unlock()
		old := m.active[profile]
		if err != nil {
			// The server rejected the stale context; never hand it out again.
			if old != nil && stale != nil && old.SameTokens(stale) {
				m.forget(profile, old)
			}
			return nil, err
		}
		if old != nil {
			delete(m.runs, old.RunID)
			m.replaced[profile] = old.RunID
		}
		m.active[profile] = sc
		m.runs[sc.RunID] = profile
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// Invalidate forgets the active context for profile.
func (m *Manager) Invalidate(profile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.active[profile]; old != nil {
		m.forget(profile, old)
	}
}

// forget drops the active context for profile. Callers hold m.mu.
func (m *Manager) forget(profile string, sc *Context) {
	delete(m.runs, sc.RunID)
	delete(m.active, profile)
	m.replaced[profile] = sc.RunID
}

// Active lists profiles that currently hold a context.
func (m *Manager) Active() map[string]*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Context, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

func (m *Manager) current(profile string) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[profile]
}
