// Package session acquires a usable SessionContext by walking a chain of
// strategies: cached profiles, challenge solving, browser cookie extraction,
// manual cookie files and finally interactive browser login.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/cookies"
	"askbridge/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context is one acquired session. It is never mutated after a pipeline run
// returns it; re-acquisition produces a new value.
type Context struct {
	Tokens     cookies.TokenSet
	UserAgent  string
	Strategy   string
	Profile    string
	AcquiredAt time.Time
	RunID      string
}

// SameTokens reports whether c carries exactly the tokens of other.
func (c *Context) SameTokens(other *Context) bool {
	if c == nil || other == nil {
		return false
	}
	return c.Tokens.Equal(other.Tokens)
}

// Request parameterizes one pipeline run.
type Request struct {
	// Profile is tried first by the cached strategy.
	Profile string
	// Stale is the context that just failed; its tokens are never re-offered.
	Stale *Context
}

// Strategy is one state of the acquisition chain.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, req Request) (*Context, error)
}

// Attempt is one logged transition.
type Attempt struct {
	Strategy string        `json:"strategy"`
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
}

// AttemptLog is the connection-attempt record of one run.
type AttemptLog struct {
	RunID    string    `json:"run_id"`
	Attempts []Attempt `json:"attempts"`
	Active   string    `json:"active,omitempty"`
}

// Succeeded counts successful attempts.
func (l *AttemptLog) Succeeded() int {
	n := 0
	for _, a := range l.Attempts {
		if a.OK {
			n++
		}
	}
	return n
}

// Summary renders the human-readable connection summary.
func (l *AttemptLog) Summary() string {
	if l == nil {
		return "Connection Summary: no attempts"
	}
	ok := l.Succeeded()
	var b strings.Builder
	fmt.Fprintf(&b, "Connection Summary: %d successful, %d failed\n", ok, len(l.Attempts)-ok)
	for _, a := range l.Attempts {
		mark := "FAIL"
		if a.OK {
			mark = "OK"
		}
		fmt.Fprintf(&b, "  [%s] %s: %s\n", mark, a.Strategy, a.Reason)
	}
	if l.Active != "" {
		fmt.Fprintf(&b, "Active method: %s", l.Active)
	} else {
		b.WriteString("Active method: none")
	}
	return b.String()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

func WithLedger(l *Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline runs strategies in order until one yields a context.
type Pipeline struct {
	strategies []Strategy
	log        logrus.FieldLogger
	ledger     *Ledger
	metrics    *metrics.Metrics

	mu   sync.Mutex
	last *AttemptLog
}

// NewPipeline keeps the given order.
func NewPipeline(strategies []Strategy, opts ...Option) *Pipeline {
	p := &Pipeline{
		strategies: strategies,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("component", "session")
	return p
}

// Strategies returns the configured strategy names in order.
func (p *Pipeline) Strategies() []string {
	names := make([]string, 0, len(p.strategies))
	for _, s := range p.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Run walks the chain. Exhaustion returns a NoSession error carrying the
// connection summary in Attempts.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Context, error) {
	log := &AttemptLog{RunID: uuid.NewString()}
	defer p.remember(log)

	for _, s := range p.strategies {
		if err := ctx.Err(); err != nil {
			return nil, apierr.Wrap(apierr.KindNoSession, "session.run", err)
		}

		start := time.Now()
		sc, err := s.Acquire(ctx, req)
		attempt := Attempt{Strategy: s.Name(), Duration: time.Since(start)}
		switch {
		case err != nil:
			attempt.Reason = err.Error()
		case sc == nil || sc.Tokens.Empty():
			attempt.Reason = "no tokens"
		default:
			attempt.OK = true
			attempt.Reason = fmt.Sprintf("%d tokens (%s)", sc.Tokens.Len(), sc.Tokens.Origin)
		}
		log.Attempts = append(log.Attempts, attempt)
		p.record(log.RunID, attempt, req.Profile)

		if attempt.OK {
			log.Active = s.Name()
			out := *sc
			out.Strategy = s.Name()
			out.RunID = log.RunID
			if out.AcquiredAt.IsZero() {
				out.AcquiredAt = time.Now()
			}
			return &out, nil
		}
	}

	return nil, &apierr.Error{
		Kind:     apierr.KindNoSession,
		Op:       "session.run",
		Msg:      fmt.Sprintf("no usable session after %d strategies", len(log.Attempts)),
		Attempts: log.Summary(),
	}
}

func (p *Pipeline) record(runID string, a Attempt, profile string) {
	entry := p.log.WithFields(logrus.Fields{
		"run":      runID,
		"strategy": a.Strategy,
		"success":  a.OK,
		"profile":  profile,
	})
	if a.OK {
		entry.Info(a.Reason)
	} else {
		entry.Debug(a.Reason)
	}
	p.metrics.Attempt(a.Strategy, a.OK)
	if p.ledger != nil {
		if err := p.ledger.Record(runID, a); err != nil {
			p.log.WithError(err).Warn("ledger record failed")
		}
	}
}

func (p *Pipeline) remember(l *AttemptLog) {
	p.mu.Lock()
	p.last = l
	p.mu.Unlock()
}

// LastLog returns the attempt log of the most recent run.
func (p *Pipeline) LastLog() *AttemptLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	cp.Attempts = append([]Attempt(nil), p.last.Attempts...)
	return &cp
}
