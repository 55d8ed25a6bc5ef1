package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/challenge"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeStrategy struct {
	name  string
	calls int32
	fn    func(req Request) (*Context, error)
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Acquire(_ context.Context, req Request) (*Context, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(req)
}

func failing(name, reason string) *fakeStrategy {
	return &fakeStrategy{name: name, fn: func(Request) (*Context, error) { return nil, errors.New(reason) }}
}

type fakeLogin struct{ calls int32 }

func (f *fakeLogin) Login(context.Context) (cookies.TokenSet, string, error) {
	atomic.AddInt32(&f.calls, 1)
	return cookies.New(cookies.OriginBrowserExtracted, map[string]string{"a": "b"}), "", nil
}

type fakeSolver struct {
	res *challenge.Result
	err error
	got *cookies.TokenSet
}

func (f *fakeSolver) Solve(_ context.Context, _ string, existing *cookies.TokenSet) (*challenge.Result, error) {
	f.got = existing
	return f.res, f.err
}

type fakeExtractor map[string]cookies.TokenSet

func (f fakeExtractor) Extract(_ context.Context, name string) (cookies.TokenSet, error) {
	ts, ok := f[name]
	if !ok {
		return cookies.TokenSet{}, errors.New("browser not installed")
	}
	return ts, nil
}

func newStore(t *testing.T) credstore.Store {
	t.Helper()
	s, err := credstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestManualFileWinsBeforeInteractive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cookies.json"),
		[]byte(`{"__Secure-next-auth.session-token":"tok","cf_clearance":"clr"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	store := newStore(t)
	login := &fakeLogin{}

	p := NewPipeline([]Strategy{
		&Cached{Store: store},
		&Solve{Solver: &fakeSolver{err: apierr.New(apierr.KindChallengeUnsolved, "solve", "blocked")}, Store: store},
		&BrowserExtract{Extractor: fakeExtractor{}, Browsers: []string{"chrome"}, Store: store},
		&ManualFile{Files: []string{"cookies.json"}, Dirs: []string{dir}, Store: store},
		&Interactive{Runner: login, Store: store},
	})

	sc, err := p.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sc.Strategy != config.StrategyManual {
		t.Errorf("strategy = %q", sc.Strategy)
	}
	if sc.Profile != "manual_cookies" {
		t.Errorf("profile = %q", sc.Profile)
	}
	if atomic.LoadInt32(&login.calls) != 0 {
		t.Error("interactive login must not run after a manual file succeeded")
	}
	if sc.RunID == "" || sc.AcquiredAt.IsZero() {
		t.Error("run metadata not stamped")
	}

	log := p.LastLog()
	if len(log.Attempts) != 4 || log.Succeeded() != 1 || log.Active != config.StrategyManual {
		t.Fatalf("unexpected log %+v", log)
	}

	// The manual tokens were persisted and the next run is served from cache.
	sc2, err := p.Run(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if sc2.Strategy != config.StrategyCached || !sc2.SameTokens(sc) {
		t.Errorf("second run = %+v", sc2)
	}
}

func TestPipelineExhaustion(t *testing.T) {
	p := NewPipeline([]Strategy{failing("one", "nope"), failing("two", "still no")})

	_, err := p.Run(context.Background(), Request{})
	if !apierr.Is(err, apierr.KindNoSession) {
		t.Fatalf("expected NoSession, got %v", err)
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatal("not an apierr.Error")
	}
	for _, want := range []string{
		"Connection Summary: 0 successful, 2 failed",
		"  [FAIL] one: nope",
		"  [FAIL] two: still no",
		"Active method: none",
	} {
		if !strings.Contains(ae.Attempts, want) {
			t.Errorf("summary missing %q:\n%s", want, ae.Attempts)
		}
	}
}

func TestPipelineCancelled(t *testing.T) {
	s := failing("one", "x")
	p := NewPipeline([]Strategy{s})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, Request{}); !apierr.Is(err, apierr.KindNoSession) {
		t.Fatalf("got %v", err)
	}
	if s.calls != 0 {
		t.Error("strategy ran after cancellation")
	}
}

func TestEmptyContextCountsAsFailure(t *testing.T) {
	empty := &fakeStrategy{name: "empty", fn: func(Request) (*Context, error) { return &Context{}, nil }}
	good := &fakeStrategy{name: "good", fn: func(Request) (*Context, error) {
		return &Context{Tokens: cookies.New(cookies.OriginManual, map[string]string{"k": "v"})}, nil
	}}
	p := NewPipeline([]Strategy{empty, good})
	sc, err := p.Run(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Strategy != "good" {
		t.Errorf("strategy = %s", sc.Strategy)
	}
	if got := p.LastLog().Attempts[0].Reason; got != "no tokens" {
		t.Errorf("reason = %q", got)
	}
}

func TestCachedSkipsStaleAndPrefersRequested(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	stale := cookies.New(cookies.OriginManual, map[string]string{"s": "old"})
	_ = store.Save(ctx, "default", stale)
	_ = store.Save(ctx, "work", cookies.New(cookies.OriginManual, map[string]string{"s": "work"}))
	_ = store.Save(ctx, "other", cookies.New(cookies.OriginManual, map[string]string{"s": "other"}))

	c := &Cached{Store: store, DefaultProfile: "default"}

	sc, err := c.Acquire(ctx, Request{Profile: "work"})
	if err != nil || sc.Profile != "work" {
		t.Fatalf("requested profile not preferred: %+v %v", sc, err)
	}
	sc, err = c.Acquire(ctx, Request{})
	if err != nil || sc.Profile != "default" {
		t.Fatalf("default profile not preferred: %+v %v", sc, err)
	}
	sc, err = c.Acquire(ctx, Request{Stale: &Context{Tokens: stale}})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Tokens.Equal(stale) {
		t.Error("stale tokens re-offered")
	}
	if sc.UserAgent != challenge.DefaultUserAgent {
		t.Errorf("ua = %q", sc.UserAgent)
	}
}

func TestSolvePersistsToRequestedProfile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_ = store.Save(ctx, "work", cookies.New(cookies.OriginManual, map[string]string{"session": "x"}))
	solved := cookies.New(cookies.OriginChallengeSolved, map[string]string{"session": "x", "cf_clearance": "new"})
	fs := &fakeSolver{res: &challenge.Result{Tokens: solved, UserAgent: "UA/1", Attempts: 2}}

	s := &Solve{Solver: fs, Store: store, DefaultProfile: "default"}
	sc, err := s.Acquire(ctx, Request{Profile: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if fs.got == nil || fs.got.Tokens["session"] != "x" {
		t.Error("existing profile not handed to solver")
	}
	if sc.UserAgent != "UA/1" {
		t.Errorf("ua = %q", sc.UserAgent)
	}
	p, err := store.Load(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	if p.Tokens.Tokens["cf_clearance"] != "new" {
		t.Error("solved tokens not persisted")
	}
}

func TestBrowserExtractTriesInOrder(t *testing.T) {
	store := newStore(t)
	ex := fakeExtractor{"edge": cookies.New("", map[string]string{"k": "v"})}
	s := &BrowserExtract{Extractor: ex, Browsers: []string{"chrome", "edge"}, Store: store}

	sc, err := s.Acquire(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Profile != "auto_edge" || sc.Tokens.Origin != cookies.OriginBrowserExtracted {
		t.Errorf("got %+v", sc)
	}

	_, err = (&BrowserExtract{Extractor: ex, Browsers: []string{"chrome"}, Store: store}).Acquire(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "chrome: browser not installed") {
		t.Errorf("err = %v", err)
	}
}

func TestManualFileDropsOversized(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", cookies.MaxValueSize+1)
	if err := os.WriteFile(filepath.Join(dir, "c.json"), []byte(`{"big":"`+big+`","ok":"1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	s := &ManualFile{Files: []string{"c.json"}, Dirs: []string{dir}, Store: newStore(t)}
	sc, err := s.Acquire(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sc.Tokens.Get("big"); ok {
		t.Error("oversized token kept")
	}
	if sc.Tokens.Len() != 1 {
		t.Errorf("tokens = %v", sc.Tokens.Tokens)
	}
}

func TestInteractiveDisallowed(t *testing.T) {
	login := &fakeLogin{}
	s := &Interactive{Runner: login, Store: newStore(t), Allowed: func() bool { return false }}
	if _, err := s.Acquire(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if login.calls != 0 {
		t.Error("login ran while disallowed")
	}
}

func TestLedgerDerivesHealth(t *testing.T) {
	l, err := NewLedger(config.LedgerConfig{Enable: true})
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline([]Strategy{
		failing("cached", "empty"),
		&fakeStrategy{name: "solve", fn: func(Request) (*Context, error) {
			return &Context{Tokens: cookies.New(cookies.OriginChallengeSolved, map[string]string{"a": "1"})}, nil
		}},
	}, WithLedger(l))

	sc, err := p.Run(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Record("manual-run", Attempt{Strategy: "solve", OK: false, Reason: "blocked"})

	h := l.Health()
	if strings.Join(h.Succeeded, ",") != "solve" {
		t.Errorf("succeeded = %v", h.Succeeded)
	}
	if strings.Join(h.Failed, ",") != "cached,solve" {
		t.Errorf("failed = %v", h.Failed)
	}
	if strings.Join(h.Flaky, ",") != "solve" {
		t.Errorf("flaky = %v", h.Flaky)
	}
	if h.Attempts != 3 {
		t.Errorf("attempts = %d", h.Attempts)
	}
	if s, ok := l.ResolvedBy(sc.RunID); !ok || s != "solve" {
		t.Errorf("resolved_by = %q %v", s, ok)
	}
}

func TestLedgerBufferLimit(t *testing.T) {
	l, err := NewLedger(config.LedgerConfig{Enable: true, FactBufferLimit: 2})
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Record("r1", Attempt{Strategy: "cached", OK: true})
	_ = l.Record("r2", Attempt{Strategy: "solve", OK: false})
	_ = l.Record("r3", Attempt{Strategy: "solve", OK: false})

	h := l.Health()
	if h.Attempts != 2 || len(h.Succeeded) != 0 {
		t.Errorf("old facts survived trim: %+v", h)
	}
}

func TestLedgerExtraRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.mg")
	rule := "never_works(S) :- strategy_failed(S), !strategy_succeeded(S).\n"
	if err := os.WriteFile(path, []byte(rule), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := NewLedger(config.LedgerConfig{Enable: true, RulesPath: path})
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Record("r", Attempt{Strategy: "browser_extract"})
	if got := l.Strategies("never_works"); len(got) != 1 || got[0] != "browser_extract" {
		t.Errorf("never_works = %v", got)
	}
}

type countingRunner struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (r *countingRunner) Run(_ context.Context, req Request) (*Context, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	time.Sleep(r.delay)
	return &Context{
		Tokens:  cookies.New(cookies.OriginPersisted, map[string]string{"gen": string(rune('a' + n))}),
		Profile: "stored_" + req.Profile,
		RunID:   "run-" + string(rune('a'+n)),
	}, nil
}

func TestManagerCollapsesConcurrentReacquire(t *testing.T) {
	r := &countingRunner{delay: 50 * time.Millisecond}
	m := NewManager(r)
	ctx := context.Background()

	first, err := m.Get(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]*Context, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := m.Reacquire(ctx, "default", first)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = sc
		}(i)
	}
	wg.Wait()

	if r.calls != 2 {
		t.Errorf("runner calls = %d, want 2", r.calls)
	}
	for _, sc := range results {
		if sc == nil || sc.SameTokens(first) {
			t.Fatal("stale context returned")
		}
	}

	// A late caller holding the stale context gets the fresh one for free.
	late, err := m.Reacquire(ctx, "default", first)
	if err != nil || !late.SameTokens(results[0]) || r.calls != 2 {
		t.Errorf("late reacquire ran the pipeline again: calls=%d", r.calls)
	}

	m.Invalidate("default")
	if len(m.Active()) != 0 {
		t.Error("invalidate kept context")
	}
}

func TestManagerReacquireStaleFindsProfileKey(t *testing.T) {
	r := &countingRunner{}
	m := NewManager(r)
	ctx := context.Background()

	first, err := m.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.ReacquireStale(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.SameTokens(first) {
		t.Fatal("got the stale context back")
	}
	// Stored under the requested key, not the resolved profile name.
	if got := m.Active()[""]; got != fresh {
		t.Errorf("active[\"\"] = %+v", got)
	}
	if _, ok := m.Active()[first.Profile]; ok {
		t.Error("reacquire keyed by the resolved profile")
	}
}

func TestCachedIgnoresCorruptNeighbour(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := credstore.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Save(ctx, "work", cookies.New(cookies.OriginManual, map[string]string{cookies.SessionTokenName: "tok"}))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`[{"name":"a","value":"b"}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	sc, err := (&Cached{Store: store}).Acquire(ctx, Request{Profile: "work"})
	if err != nil {
		t.Fatalf("corrupt neighbour broke cached acquisition: %v", err)
	}
	if sc.Profile != "work" {
		t.Errorf("profile = %s", sc.Profile)
	}
}

type scriptedRunner struct {
	results []error
	calls   int
}

func (r *scriptedRunner) Run(_ context.Context, req Request) (*Context, error) {
	n := r.calls
	r.calls++
	if n < len(r.results) && r.results[n] != nil {
		return nil, r.results[n]
	}
	id := string(rune('a' + n))
	return &Context{
		Tokens:  cookies.New(cookies.OriginPersisted, map[string]string{"gen": id}),
		Profile: "default",
		RunID:   "run-" + id,
	}, nil
}

func TestManagerFailedReacquireDropsRejectedContext(t *testing.T) {
	r := &scriptedRunner{results: []error{nil, apierr.New(apierr.KindNoSession, "session", "exhausted")}}
	m := NewManager(r)
	ctx := context.Background()

	first, err := m.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReacquireStale(ctx, first); err == nil {
		t.Fatal("expected reacquire error")
	}
	if len(m.Active()) != 0 {
		t.Error("rejected context still active")
	}

	next, err := m.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next.SameTokens(first) || r.calls != 3 {
		t.Errorf("Get after failure returned the rejected context (calls=%d)", r.calls)
	}
}

func TestManagerRunIndexStaysBounded(t *testing.T) {
	r := &scriptedRunner{}
	m := NewManager(r)
	ctx := context.Background()

	first, err := m.Get(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	cur := first
	for i := 0; i < 5; i++ {
		if cur, err = m.ReacquireStale(ctx, cur); err != nil {
			t.Fatal(err)
		}
	}
	m.mu.RLock()
	runs, replaced := len(m.runs), len(m.replaced)
	m.mu.RUnlock()
	if runs != 1 || replaced != 1 {
		t.Errorf("runs=%d replaced=%d, want 1 and 1", runs, replaced)
	}

	// The previous context still resolves to its key after being replaced.
	prev := &Context{Tokens: cookies.New(cookies.OriginPersisted, map[string]string{"gen": "e"}), Profile: "default", RunID: "run-e"}
	late, err := m.ReacquireStale(ctx, prev)
	if err != nil || late != cur || r.calls != 6 {
		t.Errorf("late caller: %+v %v calls=%d", late, err, r.calls)
	}
}

func TestStrategiesLogThroughInjectedLogger(t *testing.T) {
	dir := t.TempDir()
	body := `{"` + cookies.SessionTokenName + `":"tok","huge":"` + strings.Repeat("x", 5000) + `"}`
	if err := os.WriteFile(filepath.Join(dir, "c.json"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	log, hook := logtest.NewNullLogger()
	s := &ManualFile{Files: []string{"c.json"}, Dirs: []string{dir}, Store: newStore(t), Log: log}
	if _, err := s.Acquire(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("nothing logged on the injected logger")
	}
	if entry.Data["component"] != "session" || entry.Data["strategy"] != config.StrategyManual {
		t.Errorf("fields = %v", entry.Data)
	}
}
