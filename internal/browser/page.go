package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"askbridge/internal/cookies"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage implements Page over a rod tab.
type RodPage struct {
	page     *rod.Page
	browser  *rod.Browser
	baseURL  string
	domain   string
	navLimit time.Duration
}

// Opener returns a PageOpener for tabs made by e.
func (e *Engine) Opener(baseURL, domain string) PageOpener {
	return func(h *TabHandle) (Page, error) {
		pt, ok := h.Tab().(*PageTab)
		if !ok {
			return nil, fmt.Errorf("tab %d is not a browser page", h.ID)
		}
		b, err := e.Browser()
		if err != nil {
			return nil, err
		}
		return &RodPage{
			page:     pt.Page.Context(h.Context()),
			browser:  b,
			baseURL:  baseURL,
			domain:   domain,
			navLimit: e.cfg.NavigationTimeout(),
		}, nil
	}
}

func (p *RodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.navLimit)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *RodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *RodPage) SetCookies(ts cookies.TokenSet) error {
	return InjectCookies(p.page, ts, p.baseURL, p.domain)
}

func (p *RodPage) element(selector string) *rod.Element {
	has, el, err := p.page.Has(selector)
	if err != nil || !has {
		return nil
	}
	return el
}

func (p *RodPage) Visible(selector string) bool {
	el := p.element(selector)
	if el == nil {
		return false
	}
	ok, err := el.Visible()
	return err == nil && ok
}

func (p *RodPage) Enabled(selector string) bool {
	el := p.element(selector)
	if el == nil {
		return false
	}
	if ok, err := el.Visible(); err != nil || !ok {
		return false
	}
	disabled, err := el.Disabled()
	return err == nil && !disabled
}

func (p *RodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *RodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *RodPage) ClickText(ctx context.Context, selector, pattern string) error {
	el, err := p.page.Context(ctx).ElementR(selector, pattern)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *RodPage) PressEnter(ctx context.Context) error {
	return p.page.Context(ctx).Keyboard.Press(input.Enter)
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *RodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *RodPage) Download(ctx context.Context, dir string, trigger func() error) (string, error) {
	wait := p.browser.Context(ctx).WaitDownload(dir)
	if err := trigger(); err != nil {
		return "", err
	}
	info := wait()
	if info == nil || info.GUID == "" {
		return "", errors.New("download did not start")
	}
	return filepath.Join(dir, info.GUID), nil
}
