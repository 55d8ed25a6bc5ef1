// Package bridge answers queries over the streaming endpoint and falls back to
// driving the browser UI when the HTTP path is blocked or comes back empty.
package bridge

import (
	"context"
	"strings"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/browser"
	"askbridge/internal/correlation"
	"askbridge/internal/query"
	"askbridge/internal/session"
	"askbridge/internal/stream"
	"askbridge/internal/transport"

	"github.com/sirupsen/logrus"
)

// Paths an answer can come from.
const (
	PathHTTP    = "http"
	PathBrowser = "browser"
)

// Sessions hands out per-profile session contexts.
type Sessions interface {
	Get(ctx context.Context, profile string) (*session.Context, error)
}

// Sender is the HTTP transport.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// BrowserAsker is the browser automation path.
type BrowserAsker interface {
	Ask(ctx context.Context, req browser.AskRequest) (*browser.AskResult, error)
}

// AskRequest is one query with its options.
type AskRequest struct {
	Query   string
	Options query.Options
	Profile string

	// Conversation state; empty for standalone queries.
	ContextUUID     string
	LastBackendUUID string
	Related         bool

	// BrowserOnly skips the HTTP path.
	BrowserOnly bool
}

// Result is an answer and how it was obtained.
type Result struct {
	Query    string        `json:"query"`
	Answer   stream.Answer `json:"answer"`
	Path     string        `json:"path"`
	Profile  string        `json:"profile,omitempty"`
	Strategy string        `json:"strategy,omitempty"`

	Status   int             `json:"status,omitempty"`
	IDs      correlation.IDs `json:"ids,omitempty"`
	Attempts int             `json:"attempts,omitempty"`

	Tier           browser.ExportTier `json:"tier,omitempty"`
	ScreenshotPath string             `json:"screenshot_path,omitempty"`
	ExportPath     string             `json:"export_path,omitempty"`

	// FallbackReason is why the HTTP path was abandoned.
	FallbackReason string        `json:"fallback_reason,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Option configures a Service.
type Option func(*Service)

// WithBrowser enables the browser fallback.
func WithBrowser(b BrowserAsker) Option { return func(s *Service) { s.browser = b } }

func WithLogger(log logrus.FieldLogger) Option { return func(s *Service) { s.log = log } }

// WithDefaultProfile names the profile used when a request names none.
func WithDefaultProfile(name string) Option { return func(s *Service) { s.defaultProfile = name } }

// Service is the top-level ask entry point.
type Service struct {
	sessions       Sessions
	sender         Sender
	browser        BrowserAsker
	log            logrus.FieldLogger
	defaultProfile string
}

func NewService(sessions Sessions, sender Sender, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		sender:   sender,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "bridge")
	return s
}

// HasBrowser reports whether the browser fallback is wired.
func (s *Service) HasBrowser() bool { return s.browser != nil }

// Ask validates, obtains a session, tries HTTP and falls back to the browser
// on bot protection, exhausted retries, session failures or an empty answer.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, apierr.New(apierr.KindInvalidParameter, "bridge.ask", "empty query")
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	req.Options = req.Options.Normalize()
	profile := req.Profile
	if profile == "" {
		profile = s.defaultProfile
	}
	log := s.log.WithField("profile", profile)

	if req.BrowserOnly {
		sc, err := s.sessions.Get(ctx, profile)
		if err != nil {
			log.WithError(err).Debug("no session for browser ask, relying on the browser profile")
			sc = nil
		}
		return s.viaBrowser(ctx, req, sc, "browser requested", start)
	}

	sc, err := s.sessions.Get(ctx, profile)
	if err != nil {
		if s.browser == nil || !apierr.Escalatable(err) {
			return nil, err
		}
		log.WithError(err).Warn("session acquisition failed, falling back to browser")
		return s.viaBrowser(ctx, req, nil, err.Error(), start)
	}

	resp, err := s.sender.Send(ctx, transport.Request{
		Query:           req.Query,
		Options:         req.Options,
		Session:         sc,
		ContextUUID:     req.ContextUUID,
		LastBackendUUID: req.LastBackendUUID,
		Related:         req.Related,
	})
	if err == nil && !resp.Answer.Empty() {
		res := &Result{
			Query:    req.Query,
			Answer:   resp.Answer,
			Path:     PathHTTP,
			Status:   resp.Status,
			IDs:      resp.IDs,
			Attempts: resp.Attempts,
			Elapsed:  time.Since(start),
		}
		if resp.Session != nil {
			res.Profile, res.Strategy = resp.Session.Profile, resp.Session.Strategy
		}
		return res, nil
	}

	reason := "empty answer"
	if err != nil {
		if !apierr.Escalatable(err) {
			return nil, err
		}
		reason = err.Error()
	}
	if s.browser == nil {
		if err != nil {
			return nil, err
		}
		return nil, apierr.New(apierr.KindUpstream, "bridge.ask", "stream produced no answer text")
	}
	if resp != nil && resp.Session != nil {
		sc = resp.Session
	}
	log.WithField("reason", reason).Warn("http path failed, falling back to browser")
	return s.viaBrowser(ctx, req, sc, reason, start)
}

func (s *Service) viaBrowser(ctx context.Context, req AskRequest, sc *session.Context, reason string, start time.Time) (*Result, error) {
	if s.browser == nil {
		return nil, apierr.New(apierr.KindInvalidParameter, "bridge.ask", "browser path is not configured")
	}
	br, err := s.browser.Ask(ctx, browser.AskRequest{Query: req.Query, Options: req.Options, Session: sc})
	if err != nil {
		return nil, err
	}
	res := &Result{
		Query:          req.Query,
		Answer:         br.Answer,
		Path:           PathBrowser,
		Tier:           br.Tier,
		ScreenshotPath: br.ScreenshotPath,
		ExportPath:     br.ExportPath,
		FallbackReason: reason,
		Elapsed:        time.Since(start),
	}
	if sc != nil {
		res.Profile, res.Strategy = sc.Profile, sc.Strategy
	}
	return res, nil
}
