package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/challenge"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"

	"github.com/sirupsen/logrus"
)

// Profile names written by the non-cached strategies.
const (
	AutoProfilePrefix   = "auto_"
	ManualProfilePrefix = "manual_"
	AutomationProfile   = "automation_profile"
)

var errNoCandidates = errors.New("no candidates")

// Cached offers persisted profiles: the requested one first, then the
// default, then the rest by most recent use.
type Cached struct {
	Store          credstore.Store
	DefaultProfile string
	UserAgent      string
	Log            logrus.FieldLogger
}

func (s *Cached) Name() string { return config.StrategyCached }

func (s *Cached) Acquire(ctx context.Context, req Request) (*Context, error) {
	log := strategyLog(s.Log, s.Name())
	profiles, err := credstore.LoadAll(ctx, s.Store, log)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("credential store is empty")
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return s.rank(profiles[i], req.Profile) < s.rank(profiles[j], req.Profile) ||
			(s.rank(profiles[i], req.Profile) == s.rank(profiles[j], req.Profile) &&
				profiles[i].LastUsed.After(profiles[j].LastUsed))
	})

	skipped := 0
	for _, p := range profiles {
		if p.Tokens.Empty() {
			continue
		}
		if req.Stale != nil && p.Tokens.Equal(req.Stale.Tokens) {
			skipped++
			continue
		}
		if err := s.Store.Touch(ctx, p.Name); err != nil {
			log.WithError(err).WithField("profile", p.Name).Debug("touch profile failed")
		}
		return &Context{
			Tokens:    p.Tokens,
			UserAgent: userAgentOr(s.UserAgent),
			Profile:   p.Name,
		}, nil
	}
	if skipped > 0 {
		return nil, fmt.Errorf("only stale profiles cached (%d skipped)", skipped)
	}
	return nil, fmt.Errorf("no usable cached profile")
}

func (s *Cached) rank(p *credstore.Profile, requested string) int {
	switch {
	case requested != "" && p.Name == requested:
		return 0
	case p.Name == s.DefaultProfile:
		return 1
	default:
		return 2
	}
}

// Solver is the challenge solver as seen by the pipeline.
type Solver interface {
	Solve(ctx context.Context, target string, existing *cookies.TokenSet) (*challenge.Result, error)
}

// Solve runs the challenge solver against the target and stores the result
// in the requested (or default) profile.
type Solve struct {
	Solver         Solver
	Target         string
	Store          credstore.Store
	DefaultProfile string
	Log            logrus.FieldLogger
}

func (s *Solve) Name() string { return config.StrategySolve }

func (s *Solve) Acquire(ctx context.Context, req Request) (*Context, error) {
	profile := req.Profile
	if profile == "" {
		profile = s.DefaultProfile
	}

	var existing *cookies.TokenSet
	if profile != "" {
		if p, err := s.Store.Load(ctx, profile); err == nil {
			existing = &p.Tokens
		} else if !credstore.IsNotFound(err) {
			return nil, err
		}
	}

	res, err := s.Solver.Solve(ctx, s.Target, existing)
	if err != nil {
		return nil, err
	}
	if profile != "" {
		if err := s.Store.Save(ctx, profile, res.Tokens); err != nil {
			strategyLog(s.Log, s.Name()).WithError(err).WithField("profile", profile).Warn("persist solved tokens failed")
		}
	}
	return &Context{Tokens: res.Tokens, UserAgent: res.UserAgent, Profile: profile}, nil
}

// Extractor reads cookies for the target out of a locally installed browser.
type Extractor interface {
	Extract(ctx context.Context, browserName string) (cookies.TokenSet, error)
}

// BrowserExtract tries each configured browser in turn.
type BrowserExtract struct {
	Extractor Extractor
	Browsers  []string
	Store     credstore.Store
	UserAgent string
	Log       logrus.FieldLogger
}

func (s *BrowserExtract) Name() string { return config.StrategyBrowser }

func (s *BrowserExtract) Acquire(ctx context.Context, req Request) (*Context, error) {
	if len(s.Browsers) == 0 {
		return nil, errNoCandidates
	}
	log := strategyLog(s.Log, s.Name())
	var reasons []string
	for _, name := range s.Browsers {
		ts, err := s.Extractor.Extract(ctx, name)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		safe, dropped := ts.Injectable()
		if len(dropped) > 0 {
			log.WithFields(logrus.Fields{"browser": name, "tokens": dropped}).Warn("dropped oversized extracted tokens")
		}
		if safe.Empty() {
			reasons = append(reasons, name+": no cookies for target")
			continue
		}
		if req.Stale != nil && safe.Equal(req.Stale.Tokens) {
			reasons = append(reasons, name+": same tokens as stale session")
			continue
		}
		safe.Origin = cookies.OriginBrowserExtracted
		profile := AutoProfilePrefix + name
		if err := s.Store.Save(ctx, profile, safe); err != nil {
			log.WithError(err).WithField("profile", profile).Warn("persist extracted tokens failed")
		}
		return &Context{Tokens: safe, UserAgent: userAgentOr(s.UserAgent), Profile: profile}, nil
	}
	return nil, errors.New(strings.Join(reasons, "; "))
}

// ManualFile loads the first valid cookie file found among the candidates.
type ManualFile struct {
	Files     []string
	Dirs      []string
	Domain    string
	Store     credstore.Store
	UserAgent string
	Log       logrus.FieldLogger
}

func (s *ManualFile) Name() string { return config.StrategyManual }

// Candidates expands file names against the search dirs, keeping order.
func (s *ManualFile) Candidates() []string {
	dirs := s.Dirs
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range s.Files {
		paths := []string{f}
		if !filepath.IsAbs(f) {
			paths = paths[:0]
			for _, d := range dirs {
				paths = append(paths, filepath.Join(d, f))
			}
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *ManualFile) Acquire(ctx context.Context, req Request) (*Context, error) {
	log := strategyLog(s.Log, s.Name())
	var reasons []string
	for _, path := range s.Candidates() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		ts, err := cookies.ParseFile(path, cookies.OriginManual, s.Domain)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		safe, dropped := ts.Injectable()
		if len(dropped) > 0 {
			log.WithFields(logrus.Fields{"file": path, "tokens": dropped}).Warn("dropped oversized tokens")
		}
		if safe.Empty() {
			reasons = append(reasons, path+": no usable tokens")
			continue
		}
		if req.Stale != nil && safe.Equal(req.Stale.Tokens) {
			reasons = append(reasons, path+": same tokens as stale session")
			continue
		}
		profile := ManualProfilePrefix + fileStem(path)
		if credstore.ValidateName(profile) == nil {
			if err := s.Store.Save(ctx, profile, safe); err != nil {
				log.WithError(err).WithField("profile", profile).Warn("persist manual tokens failed")
			}
		}
		return &Context{Tokens: safe, UserAgent: userAgentOr(s.UserAgent), Profile: profile}, nil
	}
	if len(reasons) == 0 {
		return nil, fmt.Errorf("no manual cookie file found")
	}
	return nil, errors.New(strings.Join(reasons, "; "))
}

// LoginRunner performs a headed login and returns the resulting cookies.
type LoginRunner interface {
	Login(ctx context.Context) (cookies.TokenSet, string, error)
}

// Interactive is the last resort: a real browser the user logs in with.
type Interactive struct {
	Runner LoginRunner
	Store  credstore.Store
	// Allowed is consulted per run; interactive login needs a human.
	Allowed func() bool
	Timeout time.Duration
	Log     logrus.FieldLogger
}

func (s *Interactive) Name() string { return config.StrategyInteractive }

func (s *Interactive) Acquire(ctx context.Context, req Request) (*Context, error) {
	if s.Allowed != nil && !s.Allowed() {
		return nil, fmt.Errorf("interactive login unavailable (headless or no terminal)")
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	ts, ua, err := s.Runner.Login(ctx)
	if err != nil {
		return nil, err
	}
	if ts.Empty() {
		return nil, apierr.New(apierr.KindAuthentication, "session.interactive", "login produced no cookies")
	}
	if err := s.Store.Save(ctx, AutomationProfile, ts); err != nil {
		strategyLog(s.Log, s.Name()).WithError(err).Warn("persist automation profile failed")
	}
	return &Context{Tokens: ts, UserAgent: userAgentOr(ua), Profile: AutomationProfile}, nil
}

func strategyLog(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithFields(logrus.Fields{"component": "session", "strategy": name})
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func userAgentOr(ua string) string {
	if ua == "" {
		return challenge.DefaultUserAgent
	}
	return ua
}
