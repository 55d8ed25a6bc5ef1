package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/metrics"
	"askbridge/internal/query"
	"askbridge/internal/session"
	"askbridge/internal/stream"

	"github.com/sirupsen/logrus"
)

// State is a step of one browser ask.
type State string

const (
	StateLaunched           State = "launched"
	StateNavigated          State = "navigated"
	StateLoginVerified      State = "login_verified"
	StateInputEntered       State = "input_entered"
	StateSubmitted          State = "submitted"
	StateAwaitingCompletion State = "awaiting_completion"
	StateExtracted          State = "extracted"
)

// ExportTier names how the answer was obtained.
type ExportTier string

const (
	TierNative     ExportTier = "native"
	TierDOM        ExportTier = "dom"
	TierScreenshot ExportTier = "screenshot"
)

// Page is what the automation needs from a tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	SetCookies(ts cookies.TokenSet) error
	// Visible reports whether selector matches a visible element.
	Visible(selector string) bool
	// Enabled additionally requires the element not to be disabled.
	Enabled(selector string) bool
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// ClickText clicks the first selector match whose text matches pattern.
	ClickText(ctx context.Context, selector, pattern string) error
	PressEnter(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Download runs trigger and waits for the file it starts.
	Download(ctx context.Context, dir string, trigger func() error) (string, error)
}

// AnswerExtractor isolates the DOM heuristic that finds the answer text.
type AnswerExtractor interface {
	ExtractVisibleAnswerText(ctx context.Context, page Page) (string, error)
}

// PageOpener turns a pooled tab into a Page.
type PageOpener func(h *TabHandle) (Page, error)

// AskRequest is one browser ask.
type AskRequest struct {
	Query   string
	Options query.Options
	Session *session.Context
}

// AskResult is what the browser path produced.
type AskResult struct {
	Answer         stream.Answer `json:"answer"`
	Tier           ExportTier    `json:"tier"`
	States         []State       `json:"states"`
	URL            string        `json:"url,omitempty"`
	ExportPath     string        `json:"export_path,omitempty"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
}

// AutomationOption configures an Automation.
type AutomationOption func(*Automation)

func WithExtractor(x AnswerExtractor) AutomationOption {
	return func(a *Automation) { a.extractor = x }
}

func WithAutomationLogger(log logrus.FieldLogger) AutomationOption {
	return func(a *Automation) { a.log = log }
}

func WithAutomationMetrics(m *metrics.Metrics) AutomationOption {
	return func(a *Automation) { a.metrics = m }
}

// WithMinDwell sets how long generation must have run before completion is
// accepted.
func WithMinDwell(d time.Duration) AutomationOption {
	return func(a *Automation) { a.minDwell = d }
}

// Automation drives the chat UI in a pooled tab.
type Automation struct {
	pool      *Pool
	open      PageOpener
	target    config.TargetConfig
	cfg       config.BrowserConfig
	selectors Selectors
	extractor AnswerExtractor
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	minDwell  time.Duration
	settle    time.Duration
}

func NewAutomation(pool *Pool, open PageOpener, target config.TargetConfig, cfg config.BrowserConfig, opts ...AutomationOption) *Automation {
	sel := DefaultSelectors().Override(cfg.Selectors)
	a := &Automation{
		pool:      pool,
		open:      open,
		target:    target,
		cfg:       cfg,
		selectors: sel,
		extractor: &DOMExtractor{Selectors: sel},
		log:       logrus.StandardLogger(),
		minDwell:  2 * time.Second,
		settle:    300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithField("component", "automation")
	return a
}

// Ask runs the full state machine. The tab goes back to the pool on success
// and is discarded on failure.
func (a *Automation) Ask(ctx context.Context, req AskRequest) (res *AskResult, err error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apierr.New(apierr.KindInvalidParameter, "browser.ask", "empty query")
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	h, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire tab: %w", err)
	}
	defer func() {
		if err != nil {
			a.pool.MarkBroken(h)
		} else {
			a.pool.Release(h, true)
		}
	}()

	// Reclaiming the tab cancels the ask.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.Context(), cancel)
	defer stop()

	res = &AskResult{}
	log := a.log.WithField("tab", h.ID)
	enter := func(s State) {
		res.States = append(res.States, s)
		log.WithField("state", s).Debug("browser ask transition")
	}

	page, err := a.open(h)
	if err != nil {
		return nil, err
	}
	enter(StateLaunched)

	if req.Session != nil && !req.Session.Tokens.Empty() {
		if err := page.SetCookies(req.Session.Tokens); err != nil {
			log.WithError(err).Warn("cookie injection failed")
		}
	}

	if err := page.Navigate(ctx, a.target.BaseURL); err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, "browser.navigate", err)
	}
	enter(StateNavigated)

	if err := a.waitLogin(ctx, page); err != nil {
		return nil, err
	}
	enter(StateLoginVerified)

	if err := page.Type(ctx, a.selectors.QueryInput, req.Query); err != nil {
		return nil, fmt.Errorf("enter query: %w", err)
	}
	enter(StateInputEntered)

	if page.Enabled(a.selectors.SubmitButton) {
		err = page.Click(ctx, a.selectors.SubmitButton)
	} else {
		err = page.PressEnter(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("submit query: %w", err)
	}
	enter(StateSubmitted)

	enter(StateAwaitingCompletion)
	rec := stream.NewReconstructor()
	if err := a.awaitCompletion(ctx, page, req.Query, rec); err != nil {
		return nil, err
	}

	a.extract(ctx, page, req.Query, rec, res)
	enter(StateExtracted)
	res.URL = page.URL()
	a.metrics.Fallback(string(res.Tier))
	return res, nil
}

func (a *Automation) loggedIn(page Page) bool {
	if !page.Enabled(a.selectors.QueryInput) {
		return false
	}
	if isLoginURL(page.URL()) {
		return false
	}
	return !page.Visible(a.selectors.LoginMarker)
}

func isLoginURL(u string) bool {
	lower := strings.ToLower(u)
	for _, m := range []string{"/login", "/signin", "/sign-in", "/auth/"} {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (a *Automation) waitLogin(ctx context.Context, page Page) error {
	if a.poll(ctx, a.cfg.GetLoginTimeout(), func() bool { return a.loggedIn(page) }) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.cfg.IsHeadless() {
		return apierr.New(apierr.KindAuthentication, "browser.login", "not logged in and headless; refresh the session first")
	}
	wait := a.cfg.GetManualLoginWait()
	a.log.WithField("wait", wait).Warn("log in manually in the opened browser window")
	if a.poll(ctx, wait, func() bool { return a.loggedIn(page) }) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return apierr.New(apierr.KindAuthentication, "browser.login", "manual login timed out")
}

// awaitCompletion samples the answer until generation stops. A timeout is
// not fatal; extraction proceeds with what was rendered.
func (a *Automation) awaitCompletion(ctx context.Context, page Page, q string, rec *stream.Reconstructor) error {
	start := time.Now()
	sample := func() {
		text, err := a.extractor.ExtractVisibleAnswerText(ctx, page)
		if err != nil {
			return
		}
		rec.AddSnapshot(stream.CleanDOMText(text, q))
	}
	done := a.poll(ctx, a.cfg.GetCompletionTimeout(), func() bool {
		sample()
		if time.Since(start) < a.minDwell {
			return false
		}
		return !page.Visible(a.selectors.StopButton) && page.Visible(a.selectors.SubmitButton)
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if !done {
		a.log.Warn("completion wait timed out, extracting partial answer")
	}
	if err := sleepCtx(ctx, a.settle); err != nil {
		return err
	}
	sample()
	return nil
}

// poll checks cond every poll interval until it holds or d elapses.
func (a *Automation) poll(ctx context.Context, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	interval := a.cfg.GetPollInterval()
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false
		}
	}
}

func (a *Automation) extract(ctx context.Context, page Page, q string, rec *stream.Reconstructor, res *AskResult) {
	var citations []stream.Citation
	if html, err := page.HTML(ctx); err == nil {
		citations = ExtractSources(html, a.selectors.Sources, a.target.BaseURL)
	}

	if text, path, err := a.nativeExport(ctx, page); err == nil && strings.TrimSpace(text) != "" {
		ans := rec.Answer()
		ans.Text = strings.TrimSpace(text)
		ans.Citations = mergeCitations(ans.Citations, citations)
		res.Answer, res.Tier, res.ExportPath = ans, TierNative, path
		return
	} else if err != nil {
		a.log.WithError(err).Debug("native export unavailable")
	}

	if text, err := a.extractor.ExtractVisibleAnswerText(ctx, page); err == nil {
		rec.AddSnapshot(stream.CleanDOMText(text, q))
	}
	if ans := rec.Answer(); !ans.Empty() {
		ans.Citations = mergeCitations(ans.Citations, citations)
		res.Answer, res.Tier = ans, TierDOM
		return
	}

	res.Tier = TierScreenshot
	res.Answer = rec.Answer()
	shot, err := page.Screenshot(ctx)
	if err != nil {
		a.log.WithError(err).Warn("screenshot failed")
		return
	}
	path, err := a.writeArtifact(fmt.Sprintf("answer_%d.png", time.Now().UnixNano()), shot)
	if err != nil {
		a.log.WithError(err).Warn("write screenshot failed")
		return
	}
	res.ScreenshotPath = path
}

func (a *Automation) nativeExport(ctx context.Context, page Page) (string, string, error) {
	if a.cfg.ArtifactDir == "" {
		return "", "", fmt.Errorf("no artifact dir")
	}
	if !page.Visible(a.selectors.ThreadActions) {
		return "", "", fmt.Errorf("thread actions menu not present")
	}
	if err := os.MkdirAll(a.cfg.ArtifactDir, 0o755); err != nil {
		return "", "", err
	}
	path, err := page.Download(ctx, a.cfg.ArtifactDir, func() error {
		if err := page.Click(ctx, a.selectors.ThreadActions); err != nil {
			return err
		}
		return page.ClickText(ctx, a.selectors.MenuItem, "(?i)markdown")
	})
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return string(data), path, nil
}

func (a *Automation) writeArtifact(name string, data []byte) (string, error) {
	dir := a.cfg.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func mergeCitations(a, b []stream.Citation) []stream.Citation {
	seen := make(map[string]bool, len(a))
	out := append([]stream.Citation(nil), a...)
	for _, c := range a {
		seen[c.URL] = true
	}
	for _, c := range b {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}
	if out == nil {
		out = []stream.Citation{}
	}
	return out
}
