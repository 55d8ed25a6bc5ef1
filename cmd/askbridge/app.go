package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"askbridge/internal/bridge"
	"askbridge/internal/browser"
	"askbridge/internal/challenge"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/metrics"
	"askbridge/internal/recorder"
	"askbridge/internal/session"
	"askbridge/internal/transport"

	"github.com/sirupsen/logrus"
)

// app is the wired object graph behind every command.
type app struct {
	cfg      config.Config
	log      logrus.FieldLogger
	store    credstore.Store
	ledger   *session.Ledger
	pipeline *session.Pipeline
	sessions *session.Manager
	metrics  *metrics.Metrics
	engine   *browser.Engine
	pool     *browser.Pool
	service  *bridge.Service
}

// appOptions adjusts wiring per command.
type appOptions struct {
	// NoBrowser leaves the browser fallback and its pool unwired.
	NoBrowser bool
	// Prompt and Input serve the interactive login strategy.
	Prompt io.Writer
	Input  io.Reader
	// Interactive is consulted before each interactive login.
	Interactive func() bool
}

func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger, opts appOptions) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	if cfg.Metrics.Enable {
		a.metrics = metrics.New()
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Ledger.Enable {
		ledger, err := session.NewLedger(cfg.Ledger)
		if err != nil {
			return nil, fmt.Errorf("attempt ledger: %w", err)
		}
		a.ledger = ledger
	}

	strategies, err := buildStrategies(cfg, store, log, opts)
	if err != nil {
		return nil, err
	}
	pipeOpts := []session.Option{session.WithLogger(log), session.WithMetrics(a.metrics)}
	if a.ledger != nil {
		pipeOpts = append(pipeOpts, session.WithLedger(a.ledger))
	}
	a.pipeline = session.NewPipeline(strategies, pipeOpts...)
	a.sessions = session.NewManager(a.pipeline)

	clientOpts := []transport.Option{
		transport.WithLogger(log),
		transport.WithMetrics(a.metrics),
		transport.WithReacquire(a.sessions.ReacquireStale),
	}
	if cfg.Trace.Enable {
		rec, err := recorder.NewRecorder(cfg.Trace.Dir, cfg.Trace.GetKeep())
		if err != nil {
			return nil, fmt.Errorf("stream trace: %w", err)
		}
		clientOpts = append(clientOpts, transport.WithRecorder(rec))
	}
	client := transport.New(cfg.Target, cfg.Transport, clientOpts...)

	svcOpts := []bridge.Option{
		bridge.WithLogger(log),
		bridge.WithDefaultProfile(cfg.Session.DefaultProfile),
	}
	if !opts.NoBrowser && cfg.Pool.GetSize() > 0 {
		a.engine = browser.NewEngine(cfg.Browser, log)
		a.pool = browser.NewPool(a.engine, cfg.Pool.GetSize(),
			browser.WithPoolLogger(log),
			browser.WithPoolMetrics(a.metrics),
			browser.WithResetTimeout(cfg.Pool.GetResetTimeout()),
		)
		automation := browser.NewAutomation(a.pool, a.engine.Opener(cfg.Target.BaseURL, cfg.Target.Domain()), cfg.Target, cfg.Browser,
			browser.WithAutomationLogger(log),
			browser.WithAutomationMetrics(a.metrics),
		)
		svcOpts = append(svcOpts, bridge.WithBrowser(automation))
	}
	a.service = bridge.NewService(a.sessions, client, svcOpts...)
	return a, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (credstore.Store, error) {
	if sc.Backend == "redis" {
		rs, err := credstore.DialRedis(ctx, sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB, sc.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		return rs, nil
	}
	fs, err := credstore.NewFileStore(sc.Dir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// buildStrategies assembles the acquisition chain in its fixed order,
// skipping strategies the config disables.
func buildStrategies(cfg config.Config, store credstore.Store, log logrus.FieldLogger, opts appOptions) ([]session.Strategy, error) {
	sc := cfg.Session
	ua := cfg.Solver.UserAgent
	if ua == "" {
		ua = challenge.DefaultUserAgent
	}

	var out []session.Strategy
	if sc.Enabled(config.StrategyCached) {
		out = append(out, &session.Cached{Store: store, DefaultProfile: sc.DefaultProfile, UserAgent: ua, Log: log})
	}
	if sc.Enabled(config.StrategySolve) {
		policy, err := cookies.ParsePolicy(sc.MergePolicy)
		if err != nil {
			return nil, err
		}
		engine, err := challenge.NewHTTPEngine(ua, cfg.Solver.GetRequestTimeout())
		if err != nil {
			return nil, err
		}
		solver := challenge.NewSolver(engine, challenge.Options{
			MaxAttempts:    cfg.Solver.GetMaxAttempts(),
			BlockThreshold: cfg.Solver.GetBlockThreshold(),
			MaxWait:        cfg.Solver.GetMaxWait(),
			ContentMarkers: cfg.Solver.ContentMarkers,
			MergePolicy:    policy,
		}, log)
		out = append(out, &session.Solve{Solver: solver, Target: cfg.Target.BaseURL, Store: store, DefaultProfile: sc.DefaultProfile, Log: log})
	}
	if sc.Enabled(config.StrategyBrowser) {
		out = append(out, &session.BrowserExtract{
			Extractor: &browser.CookieExtractor{Domain: cfg.Target.Domain(), Log: log},
			Browsers:  sc.Browsers,
			Store:     store,
			UserAgent: ua,
			Log:       log,
		})
	}
	if sc.Enabled(config.StrategyManual) {
		out = append(out, &session.ManualFile{
			Files:     sc.ManualFiles,
			Dirs:      sc.ManualDirs,
			Domain:    cfg.Target.Domain(),
			Store:     store,
			UserAgent: ua,
			Log:       log,
		})
	}
	if sc.Enabled(config.StrategyInteractive) && sc.IsInteractive() {
		prompt, input := opts.Prompt, opts.Input
		if prompt == nil {
			prompt = os.Stderr
		}
		if input == nil {
			input = os.Stdin
		}
		allowed := opts.Interactive
		if allowed == nil {
			allowed = browser.TerminalAvailable
		}
		out = append(out, &session.Interactive{
			Runner: &browser.InteractiveLogin{
				Target:  cfg.Target,
				Browser: cfg.Browser,
				Prompt:  prompt,
				Input:   input,
				Log:     log,
			},
			Store:   store,
			Allowed: allowed,
			Timeout: cfg.Browser.GetManualLoginWait(),
			Log:     log,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("session.strategies enables no strategy")
	}
	return out, nil
}

// browserAvailable reports whether the browser fallback is wired.
func (a *app) browserAvailable() bool { return a.pool != nil }

// Close releases the tab pool and the browser.
func (a *app) Close(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.WithError(err).Debug("close tab pool")
		}
	}
	if a.engine != nil && a.engine.IsConnected() {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.log.WithError(err).Debug("browser shutdown")
		}
	}
}
