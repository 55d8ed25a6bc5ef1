package challenge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/cookies"

	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 2 << 20

var challengeMarkers = [][]byte{
	[]byte("just a moment"),
	[]byte("checking your browser"),
	[]byte("please wait"),
	[]byte("cf-browser-verification"),
}

// DefaultContentMarkers identify a real product page: the first marker is
// required and at least one of the rest must also appear.
var DefaultContentMarkers = []string{"perplexity", "ask anything", "search", "home"}

// Verdict is the classification of one solve attempt.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictChallenge
	VerdictTransient
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictChallenge:
		return "challenge"
	default:
		return "transient"
	}
}

// IsChallengePage reports whether body looks like an anti-bot interstitial.
func IsChallengePage(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify decides what a response means for the solve loop.
func Classify(status int, body []byte, contentMarkers []string) Verdict {
	if IsChallengePage(body) {
		return VerdictChallenge
	}
	if status != http.StatusOK {
		return VerdictTransient
	}
	if hasContent(body, contentMarkers) {
		return VerdictSuccess
	}
	// A 200 without product content is an unverified interstitial.
	return VerdictChallenge
}

func hasContent(body []byte, markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	if !bytes.Contains(lower, bytes.ToLower([]byte(markers[0]))) {
		return false
	}
	if len(markers) == 1 {
		return true
	}
	for _, m := range markers[1:] {
		if bytes.Contains(lower, bytes.ToLower([]byte(m))) {
			return true
		}
	}
	return false
}

// Options bounds the solve loop.
type Options struct {
	MaxAttempts int
	// BlockThreshold is the number of consecutive plain 403s treated as an
	// IP-level block.
	BlockThreshold int
	MaxWait        time.Duration
	ContentMarkers []string
	// MergePolicy resolves ordinary names present in both the solved jar
	// and the carried profile.
	MergePolicy cookies.Policy
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BlockThreshold <= 0 {
		o.BlockThreshold = 5
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 3 * time.Second
	}
	if len(o.ContentMarkers) == 0 {
		o.ContentMarkers = DefaultContentMarkers
	}
	if o.MergePolicy == "" {
		o.MergePolicy = cookies.PolicyFirstWins
	}
	return o
}

// Result is a verified session.
type Result struct {
	Tokens    cookies.TokenSet
	UserAgent string
	Attempts  int
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Solver wraps an Engine with retry, verification and token extraction.
type Solver struct {
	engine Engine
	opts   Options
	log    logrus.FieldLogger
	sleep  SleepFunc
}

// NewSolver builds a solver. A nil logger uses the standard logger.
func NewSolver(engine Engine, opts Options, log logrus.FieldLogger) *Solver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Solver{
		engine: engine,
		opts:   opts.withDefaults(),
		log:    log.WithField("component", "challenge"),
		sleep:  sleepCtx,
	}
}

// WithSleep replaces the wait function; tests pass a no-op.
func (s *Solver) WithSleep(fn SleepFunc) *Solver {
	s.sleep = fn
	return s
}

// UserAgent is the fingerprint downstream requests must present.
func (s *Solver) UserAgent() string { return s.engine.UserAgent() }

func (s *Solver) challengeWait(attempt int) time.Duration {
	return minDuration(time.Duration(attempt+1)*time.Second, s.opts.MaxWait)
}

func (s *Solver) transientWait(attempt int) time.Duration {
	return minDuration(time.Second+time.Duration(attempt)*500*time.Millisecond, s.opts.MaxWait)
}

// Solve fetches target until it serves real content, then returns the
// accumulated tokens. existing tokens seed the jar; their ordinary names are
// kept, but protection names always come from this solve.
func (s *Solver) Solve(ctx context.Context, target string, existing *cookies.TokenSet) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, apierr.Newf(apierr.KindInvalidParameter, "challenge.solve", "invalid url %q", target)
	}

	var carried cookies.TokenSet
	if existing != nil {
		carried = withoutProtection(*existing)
		s.engine.SetCookies(u, seedCookies(u, carried))
	}

	headerTokens := make(map[string]string)
	lastStatus := 0
	plain403 := 0

	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		log := s.log.WithField("attempt", attempt+1)

		status, body, err := s.fetch(ctx, target, headerTokens)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apierr.Wrap(apierr.KindNetwork, "challenge.solve", ctx.Err())
			}
			log.WithError(err).Warn("solve request failed")
			if err := s.sleep(ctx, s.transientWait(attempt)); err != nil {
				return nil, apierr.Wrap(apierr.KindNetwork, "challenge.solve", err)
			}
			continue
		}
		lastStatus = status

		verdict := Classify(status, body, s.opts.ContentMarkers)
		log.WithFields(logrus.Fields{"status": status, "verdict": verdict}).Debug("solve attempt")

		switch verdict {
		case VerdictSuccess:
			tokens := s.finish(ctx, u, target, headerTokens, carried)
			return &Result{Tokens: tokens, UserAgent: s.engine.UserAgent(), Attempts: attempt + 1}, nil

		case VerdictChallenge:
			plain403 = 0
			if err := s.sleep(ctx, s.challengeWait(attempt)); err != nil {
				return nil, apierr.Wrap(apierr.KindNetwork, "challenge.solve", err)
			}

		case VerdictTransient:
			if status == http.StatusForbidden {
				plain403++
				if plain403 >= s.opts.BlockThreshold {
					return nil, &apierr.Error{
						Kind:   apierr.KindChallengeUnsolved,
						Op:     "challenge.solve",
						Msg:    "persistent 403, likely an IP-level block",
						Status: status,
					}
				}
			} else {
				plain403 = 0
			}
			if err := s.sleep(ctx, s.transientWait(attempt)); err != nil {
				return nil, apierr.Wrap(apierr.KindNetwork, "challenge.solve", err)
			}
		}
	}

	return nil, &apierr.Error{
		Kind:   apierr.KindChallengeUnsolved,
		Op:     "challenge.solve",
		Msg:    "still challenged after retries",
		Status: lastStatus,
	}
}

func (s *Solver) fetch(ctx context.Context, target string, headerTokens map[string]string) (int, []byte, error) {
	resp, err := s.engine.Get(ctx, target)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	for _, c := range resp.Cookies() {
		if c.Name != "" && c.Value != "" {
			headerTokens[c.Name] = c.Value
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// finish lets delayed cookies land, then assembles the token set.
func (s *Solver) finish(ctx context.Context, u *url.URL, target string, headerTokens map[string]string, carried cookies.TokenSet) cookies.TokenSet {
	_ = s.sleep(ctx, 300*time.Millisecond)
	if _, _, err := s.fetch(ctx, target, headerTokens); err != nil {
		s.log.WithError(err).Debug("confirmatory request failed")
	}
	_ = s.sleep(ctx, 200*time.Millisecond)

	// Jar first; raw Set-Cookie headers fill names the jar did not keep.
	solved := cookies.FromHTTP(cookies.OriginChallengeSolved, s.engine.Cookies(u))
	for name, value := range headerTokens {
		if _, ok := solved.Tokens[name]; !ok {
			solved.Tokens[name] = value
		}
	}

	merged := cookies.MergeWithPolicy(s.opts.MergePolicy, solved, carried)
	merged.Origin = cookies.OriginChallengeSolved

	if missing := merged.Missing(cookies.ClearanceName, cookies.BotManagementName); len(missing) > 0 {
		s.log.WithField("missing", missing).Warn("solved session lacks protection tokens")
	}
	return merged
}

func withoutProtection(ts cookies.TokenSet) cookies.TokenSet {
	out := cookies.TokenSet{Tokens: make(map[string]string, ts.Len()), Origin: ts.Origin}
	for k, v := range ts.Tokens {
		if !cookies.IsProtectionName(k) {
			out.Tokens[k] = v
		}
	}
	return out
}

// seedCookies builds host-only cookies so the jar accepts them for u.
func seedCookies(u *url.URL, ts cookies.TokenSet) []*http.Cookie {
	safe, _ := ts.Injectable()
	out := make([]*http.Cookie, 0, safe.Len())
	for _, name := range safe.Names() {
		out = append(out, &http.Cookie{
			Name:   name,
			Value:  safe.Tokens[name],
			Path:   "/",
			Secure: u.Scheme == "https",
		})
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
