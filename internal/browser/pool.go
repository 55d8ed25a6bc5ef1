package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"askbridge/internal/metrics"

	"github.com/sirupsen/logrus"
)

// DefaultMaxCreateFailures bounds consecutive factory failures inside one
// Acquire before the error reaches the caller.
const DefaultMaxCreateFailures = 3

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("tab pool closed")

// Tab is one browser tab as the pool sees it.
type Tab interface {
	// Reset returns the tab to a blank state.
	Reset(ctx context.Context) error
	Close() error
}

// TabFactory opens new tabs.
type TabFactory interface {
	NewTab(ctx context.Context) (Tab, error)
}

// TabState is the lifecycle state of a pooled tab.
type TabState string

const (
	TabIdle   TabState = "idle"
	TabActive TabState = "active"
	TabBroken TabState = "broken"
)

// TabHandle is exclusive ownership of one tab between Acquire and Release.
// A reclaimed handle has its context cancelled and its Release is a no-op.
type TabHandle struct {
	ID         int
	tab        Tab
	ctx        context.Context
	cancel     context.CancelFunc
	acquiredAt time.Time

	// guarded by Pool.mu
	done  bool
	state TabState
}

// Tab returns the underlying tab.
func (h *TabHandle) Tab() Tab { return h.tab }

// Context is cancelled when the handle is reclaimed or the pool closes.
func (h *TabHandle) Context() context.Context { return h.ctx }

type pooledTab struct {
	id  int
	tab Tab
}

// PoolStats is a point-in-time view.
type PoolStats struct {
	Size      int `json:"size"`
	Live      int `json:"live"`
	Idle      int `json:"idle"`
	Active    int `json:"active"`
	Created   int `json:"created"`
	Broken    int `json:"broken"`
	Reclaimed int `json:"reclaimed"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithPoolLogger(log logrus.FieldLogger) PoolOption { return func(p *Pool) { p.log = log } }

func WithPoolMetrics(m *metrics.Metrics) PoolOption { return func(p *Pool) { p.metrics = m } }

func WithResetTimeout(d time.Duration) PoolOption { return func(p *Pool) { p.resetTimeout = d } }

func WithMaxCreateFailures(n int) PoolOption { return func(p *Pool) { p.maxCreateFailures = n } }

// Pool bounds the number of live tabs. One mutex guards bookkeeping; reset,
// create and close run outside it on slots that are already reserved, so
// live never exceeds size.
type Pool struct {
	factory           TabFactory
	size              int
	resetTimeout      time.Duration
	maxCreateFailures int
	log               logrus.FieldLogger
	metrics           *metrics.Metrics

	mu      sync.Mutex
	idle    []pooledTab
	active  []*TabHandle // oldest first
	live    int          // idle + active + reserved
	nextID  int
	closed  bool
	changed chan struct{}

	created, broken, reclaimed int
}

// NewPool creates an empty pool; tabs are opened lazily.
func NewPool(factory TabFactory, size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 5
	}
	p := &Pool{
		factory:           factory,
		size:              size,
		resetTimeout:      2 * time.Second,
		maxCreateFailures: DefaultMaxCreateFailures,
		log:               logrus.StandardLogger(),
		changed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("component", "tabpool")
	return p
}

// Acquire hands out a tab: an idle one after reset, a new one while under
// capacity, or the oldest active one reclaimed from its holder.
func (p *Pool) Acquire(ctx context.Context) (*TabHandle, error) {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		switch {
		case len(p.idle) > 0:
			pt := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()
			if h, err := p.prepare(ctx, pt); h != nil || err != nil {
				return h, err
			}

		case p.live < p.size:
			p.live++
			p.nextID++
			id := p.nextID
			p.mu.Unlock()

			tab, err := p.factory.NewTab(ctx)
			if err != nil {
				p.releaseSlot()
				failures++
				p.log.WithError(err).WithField("tab", id).Warn("open tab failed")
				if failures >= p.maxCreateFailures {
					return nil, fmt.Errorf("open tab: %w", err)
				}
				continue
			}
			failures = 0
			p.mu.Lock()
			p.created++
			p.mu.Unlock()
			return p.activate(pooledTab{id: id, tab: tab})

		case len(p.active) > 0:
			victim := p.active[0]
			p.active = p.active[1:]
			victim.done = true
			victim.cancel()
			p.reclaimed++
			p.mu.Unlock()
			p.log.WithField("tab", victim.ID).Info("reclaimed oldest active tab")
			if h, err := p.prepare(ctx, pooledTab{id: victim.ID, tab: victim.tab}); h != nil || err != nil {
				return h, err
			}

		default:
			// Every slot is reserved by an Acquire still in flight.
			wait := p.changed
			p.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// prepare resets a tab whose slot is already reserved. A tab that fails the
// reset is closed and its slot freed; the caller then gets (nil, nil) and
// tries again.
func (p *Pool) prepare(ctx context.Context, pt pooledTab) (*TabHandle, error) {
	rctx, cancel := context.WithTimeout(ctx, p.resetTimeout)
	err := pt.tab.Reset(rctx)
	cancel()
	if err != nil {
		p.log.WithError(err).WithField("tab", pt.id).Warn("tab reset failed, replacing")
		p.discard(pt.tab, true)
		return nil, nil
	}
	return p.activate(pt)
}

func (p *Pool) activate(pt pooledTab) (*TabHandle, error) {
	hctx, cancel := context.WithCancel(context.Background())
	h := &TabHandle{ID: pt.id, tab: pt.tab, ctx: hctx, cancel: cancel, acquiredAt: time.Now(), state: TabActive}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		p.discard(pt.tab, false)
		return nil, ErrPoolClosed
	}
	p.active = append(p.active, h)
	p.publish()
	p.mu.Unlock()
	return h, nil
}

// Release returns a tab. With reuse=false the tab is closed.
func (p *Pool) Release(h *TabHandle, reuse bool) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.done {
		p.mu.Unlock()
		return
	}
	h.done = true
	h.cancel()
	p.removeActive(h)
	if reuse && !p.closed {
		h.state = TabIdle
		p.idle = append(p.idle, pooledTab{id: h.ID, tab: h.tab})
		p.publish()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(h.tab, false)
}

// MarkBroken closes the tab and frees its slot.
func (p *Pool) MarkBroken(h *TabHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.done {
		p.mu.Unlock()
		return
	}
	h.done = true
	h.state = TabBroken
	h.cancel()
	p.removeActive(h)
	p.mu.Unlock()
	p.discard(h.tab, true)
}

// Close revokes every handle and closes every tab.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tabs := make([]Tab, 0, len(p.idle)+len(p.active))
	for _, pt := range p.idle {
		tabs = append(tabs, pt.tab)
	}
	for _, h := range p.active {
		h.done = true
		h.cancel()
		tabs = append(tabs, h.tab)
	}
	p.idle = nil
	p.active = nil
	p.live -= len(tabs)
	p.publish()
	p.mu.Unlock()

	var errs []error
	for _, t := range tabs {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:      p.size,
		Live:      p.live,
		Idle:      len(p.idle),
		Active:    len(p.active),
		Created:   p.created,
		Broken:    p.broken,
		Reclaimed: p.reclaimed,
	}
}

func (p *Pool) discard(t Tab, broken bool) {
	if err := t.Close(); err != nil {
		p.log.WithError(err).Debug("close tab failed")
	}
	p.mu.Lock()
	if broken {
		p.broken++
	}
	p.live--
	p.publish()
	p.mu.Unlock()
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.live--
	p.publish()
	p.mu.Unlock()
}

func (p *Pool) removeActive(h *TabHandle) {
	for i, a := range p.active {
		if a == h {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// publish wakes waiters and updates gauges. Caller holds p.mu.
func (p *Pool) publish() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.metrics.PoolTabs(len(p.idle), len(p.active))
}
