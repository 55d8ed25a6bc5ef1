// Package challenge adapts a bot-protection bypass capability into a
// bounded, verifiable solve operation that yields reusable tokens.
package challenge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is presented by the built-in engine and reused by the
// HTTP transport so both paths share one identity.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Engine is the black-box bypass capability. Implementations keep their own
// cookie jar across calls.
type Engine interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
	Cookies(u *url.URL) []*http.Cookie
	SetCookies(u *url.URL, cs []*http.Cookie)
	UserAgent() string
}

// HTTPEngine is a plain browser-shaped HTTP client with a public-suffix
// aware cookie jar.
type HTTPEngine struct {
	client    *http.Client
	jar       http.CookieJar
	userAgent string
}

// NewHTTPEngine builds an engine with its own jar. A zero timeout means 30s.
func NewHTTPEngine(userAgent string, timeout time.Duration) (*HTTPEngine, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		client:    &http.Client{Jar: jar, Timeout: timeout},
		jar:       jar,
		userAgent: userAgent,
	}, nil
}

// Get issues a navigation-shaped GET.
func (e *HTTPEngine) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Sec-Fetch-User", "?1")
	return e.client.Do(req)
}

func (e *HTTPEngine) Cookies(u *url.URL) []*http.Cookie { return e.jar.Cookies(u) }

func (e *HTTPEngine) SetCookies(u *url.URL, cs []*http.Cookie) { e.jar.SetCookies(u, cs) }

func (e *HTTPEngine) UserAgent() string { return e.userAgent }
