// Package browser drives a real Chrome through rod: the shared engine, the
// bounded tab pool, the ask automation state machine, answer export, browser
// cookie extraction and interactive login.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"askbridge/internal/config"
	"askbridge/internal/cookies"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
)

// Engine owns one Chrome instance, launched or attached over the debugger URL.
type Engine struct {
	cfg config.BrowserConfig
	log logrus.FieldLogger

	mu         sync.RWMutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	controlURL string
}

func NewEngine(cfg config.BrowserConfig, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, log: log.WithField("component", "browser")}
}

// Start connects to an existing Chrome or launches a new one. A healthy
// connection is reused.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		if _, err := e.browser.Version(); err == nil {
			return nil
		}
		e.log.Warn("stale browser connection detected, reconnecting")
		_ = e.browser.Close()
		e.browser = nil
		e.controlURL = ""
	}

	controlURL := e.cfg.DebuggerURL
	if controlURL == "" {
		l := e.newLauncher()
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		e.launch = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	e.browser = b
	e.controlURL = controlURL
	e.log.WithField("control_url", controlURL).Info("browser connected")
	return nil
}

func (e *Engine) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(e.cfg.IsHeadless())
	if len(e.cfg.Launch) > 0 {
		l = l.Bin(e.cfg.Launch[0])
		for _, raw := range e.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	if e.cfg.UserDataDir != "" {
		l = l.UserDataDir(e.cfg.UserDataDir)
	}
	return l
}

// ControlURL returns the DevTools websocket URL.
func (e *Engine) ControlURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controlURL
}

func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.browser != nil
}

// Browser returns the connected browser or an error.
func (e *Engine) Browser() (*rod.Browser, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.browser == nil {
		return nil, errors.New("browser not connected")
	}
	return e.browser, nil
}

// UserAgent reports the browser's own user agent.
func (e *Engine) UserAgent() string {
	b, err := e.Browser()
	if err != nil {
		return ""
	}
	v, err := b.Version()
	if err != nil {
		return ""
	}
	return strings.Replace(v.UserAgent, "HeadlessChrome", "Chrome", 1)
}

// Shutdown closes the browser and, when launched here, cleans up its profile.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.browser != nil {
		err = e.browser.Close()
		e.browser = nil
	}
	if e.launch != nil {
		e.launch.Kill()
		if e.cfg.UserDataDir == "" {
			e.launch.Cleanup()
		}
		e.launch = nil
	}
	e.controlURL = ""
	e.log.Info("browser shutdown complete")
	return err
}

// NewPage opens a blank tab with stealth patches and the configured viewport.
func (e *Engine) NewPage(ctx context.Context) (*rod.Page, error) {
	b, err := e.Browser()
	if err != nil {
		return nil, err
	}
	var page *rod.Page
	if e.cfg.UseStealth() {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             e.cfg.GetViewportWidth(),
		Height:            e.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		e.log.WithError(err).Debug("set viewport failed")
	}
	return page.Context(ctx), nil
}

// NewTab satisfies TabFactory. The browser is started on first use.
func (e *Engine) NewTab(ctx context.Context) (Tab, error) {
	if !e.IsConnected() {
		// The browser outlives the request that happened to launch it.
		if err := e.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
	}
	page, err := e.NewPage(context.Background())
	if err != nil {
		return nil, err
	}
	return &PageTab{Page: page}, nil
}

// InjectCookies sets the token set on the page for the target site.
func InjectCookies(page *rod.Page, ts cookies.TokenSet, baseURL, domain string) error {
	cs := ts.Cookies(domain)
	params := make([]*proto.NetworkCookieParam, 0, len(cs))
	for _, c := range cs {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSiteLax,
		}
		if c.Domain == "" {
			p.URL = baseURL
		} else {
			p.Domain = c.Domain
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil
	}
	if err := page.SetCookies(params); err != nil {
		return fmt.Errorf("inject cookies: %w", err)
	}
	return nil
}

// PageCookies reads the cookies the page holds for domain.
func PageCookies(page *rod.Page, baseURL, domain string) (cookies.TokenSet, error) {
	res, err := proto.NetworkGetCookies{Urls: []string{baseURL}}.Call(page)
	if err != nil {
		return cookies.TokenSet{}, fmt.Errorf("get cookies: %w", err)
	}
	return filterCookies(res.Cookies, domain), nil
}

func filterCookies(cs []*proto.NetworkCookie, domain string) cookies.TokenSet {
	ts := cookies.TokenSet{Tokens: make(map[string]string), Origin: cookies.OriginBrowserExtracted}
	want := strings.TrimPrefix(domain, ".")
	for _, c := range cs {
		d := strings.TrimPrefix(c.Domain, ".")
		if want != "" && d != want && !strings.HasSuffix(d, "."+want) {
			continue
		}
		ts.Tokens[c.Name] = c.Value
	}
	return ts
}

// PageTab adapts a rod page to the pool's Tab.
type PageTab struct {
	Page *rod.Page
}

func (t *PageTab) Reset(ctx context.Context) error {
	return t.Page.Context(ctx).Navigate("about:blank")
}

func (t *PageTab) Close() error {
	return t.Page.Close()
}

// hostOf is the bare host of a base URL.
func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
