package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"askbridge/internal/config"
	"askbridge/internal/cookies"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// TerminalAvailable reports whether stdin is an interactive terminal.
func TerminalAvailable() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// InteractiveLogin opens a headed browser on the target and waits until a
// session-token cookie appears or the user presses Enter.
type InteractiveLogin struct {
	Target  config.TargetConfig
	Browser config.BrowserConfig
	// Prompt receives instructions; Input is read for the Enter key.
	Prompt io.Writer
	Input  io.Reader
	Log    logrus.FieldLogger
}

// Login blocks until the session cookie shows up, the user presses Enter,
// the manual login wait runs out or ctx is done.
func (l *InteractiveLogin) Login(ctx context.Context) (cookies.TokenSet, string, error) {
	cfg := l.Browser
	headed := false
	cfg.Headless = &headed
	cfg.DebuggerURL = ""

	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	engine := NewEngine(cfg, log)
	if err := engine.Start(ctx); err != nil {
		return cookies.TokenSet{}, "", err
	}
	defer func() {
		if err := engine.Shutdown(context.Background()); err != nil {
			log.WithError(err).Debug("close login browser failed")
		}
	}()

	page, err := engine.NewPage(ctx)
	if err != nil {
		return cookies.TokenSet{}, "", err
	}
	if err := page.Timeout(cfg.NavigationTimeout()).Navigate(l.Target.BaseURL); err != nil {
		return cookies.TokenSet{}, "", fmt.Errorf("open login page: %w", err)
	}

	if l.Prompt != nil {
		fmt.Fprintln(l.Prompt, "Log in in the opened browser window. Press Enter here when done.")
	}
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	var entered <-chan error
	if l.Input != nil {
		entered = awaitEnter(waitCtx, l.Input)
	}

	deadline := time.After(cfg.GetManualLoginWait())
	tick := time.NewTicker(cfg.GetPollInterval())
	defer tick.Stop()
	for {
		ts, err := PageCookies(page, l.Target.BaseURL, l.Target.Domain())
		if err == nil && ts.HasSession() {
			log.Info("session cookie detected")
			return ts, engine.UserAgent(), nil
		}
		select {
		case <-ctx.Done():
			return cookies.TokenSet{}, "", ctx.Err()
		case <-deadline:
			return cookies.TokenSet{}, "", fmt.Errorf("login not completed within %s", cfg.GetManualLoginWait())
		case <-entered:
			ts, err := PageCookies(page, l.Target.BaseURL, l.Target.Domain())
			if err != nil {
				return cookies.TokenSet{}, "", err
			}
			return ts, engine.UserAgent(), nil
		case <-tick.C:
		}
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// awaitEnter reads one line from r in the background. The result is nil for
// a line and the read error otherwise. When ctx ends first, readers with
// read deadlines (pipes, sockets, pollable files) are unblocked so the
// goroutine exits; a plain blocking stdin keeps it parked until the next line.
func awaitEnter(ctx context.Context, r io.Reader) <-chan error {
	out := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := bufio.NewReader(r).ReadString('\n')
		out <- err
	}()
	if d, ok := r.(readDeadliner); ok {
		go func() {
			select {
			case <-done:
			case <-ctx.Done():
				_ = d.SetReadDeadline(time.Unix(1, 0))
				<-done
				_ = d.SetReadDeadline(time.Time{})
			}
		}()
	}
	return out
}
