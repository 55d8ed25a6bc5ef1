package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/cookies"
)

const productPage = `<html><head><title>Perplexity</title></head><body>Ask anything</body></html>`
const challengePage = `<html><title>Just a moment...</title><body>Checking your browser</body></html>`

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSolver(t *testing.T, opts Options) *Solver {
	t.Helper()
	engine, err := NewHTTPEngine("", 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}
	return NewSolver(engine, opts, nil).WithSleep(noSleep)
}

func TestSolveAfterTwoChallenges(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(challengePage))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: cookies.ClearanceName, Value: "clear", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: cookies.BotManagementName, Value: "bm", Path: "/"})
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	res, err := newTestSolver(t, Options{}).Solve(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if v, ok := res.Tokens.Get(cookies.ClearanceName); !ok || v != "clear" {
		t.Errorf("expected clearance token, got %v", res.Tokens.Tokens)
	}
	if res.Tokens.Origin != cookies.OriginChallengeSolved {
		t.Errorf("expected challenge-solved origin, got %q", res.Tokens.Origin)
	}
	if res.UserAgent != DefaultUserAgent {
		t.Errorf("unexpected user agent %q", res.UserAgent)
	}
	// Three attempts plus one confirmatory request.
	if got := atomic.LoadInt32(&hits); got != 4 {
		t.Errorf("expected 4 requests, got %d", got)
	}
}

func TestSolveHeaderOnlyCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A domain the jar will refuse still reaches the token set via headers.
		w.Header().Add("Set-Cookie", "cf_clearance=hdr; Domain=elsewhere.example; Path=/")
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	res, err := newTestSolver(t, Options{}).Solve(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if v, _ := res.Tokens.Get(cookies.ClearanceName); v != "hdr" {
		t.Errorf("expected header-only clearance, got %v", res.Tokens.Tokens)
	}
}

func TestSolvePersistent403FailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	_, err := newTestSolver(t, Options{MaxAttempts: 10, BlockThreshold: 5}).Solve(context.Background(), srv.URL, nil)
	if !apierr.Is(err, apierr.KindChallengeUnsolved) {
		t.Fatalf("expected challenge-unsolved, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Errorf("expected fail-fast after 5 requests, got %d", got)
	}
}

func TestSolveExhaustsAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(challengePage))
	}))
	defer srv.Close()

	_, err := newTestSolver(t, Options{MaxAttempts: 4}).Solve(context.Background(), srv.URL, nil)
	if !apierr.Is(err, apierr.KindChallengeUnsolved) {
		t.Fatalf("expected challenge-unsolved, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 4 {
		t.Errorf("expected 4 requests, got %d", got)
	}
}

func TestSolveKeepsExistingOrdinaryTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "mine" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: cookies.ClearanceName, Value: "fresh", Path: "/"})
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	existing := cookies.New(cookies.OriginManual, map[string]string{
		"session":             "mine",
		cookies.ClearanceName: "stale",
	})
	res, err := newTestSolver(t, Options{MaxAttempts: 2}).Solve(context.Background(), srv.URL, &existing)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if v, _ := res.Tokens.Get("session"); v != "mine" {
		t.Errorf("expected existing session kept, got %v", res.Tokens.Tokens)
	}
	if v, _ := res.Tokens.Get(cookies.ClearanceName); v != "fresh" {
		t.Errorf("expected solved clearance to win, got %q", v)
	}
}

func TestSolveInvalidURL(t *testing.T) {
	_, err := newTestSolver(t, Options{}).Solve(context.Background(), "not a url", nil)
	if !apierr.Is(err, apierr.KindInvalidParameter) {
		t.Errorf("expected invalid parameter, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Verdict
	}{
		{200, productPage, VerdictSuccess},
		{403, challengePage, VerdictChallenge},
		{200, "<html>blank</html>", VerdictChallenge},
		{502, "bad gateway", VerdictTransient},
		{200, "perplexity only", VerdictChallenge},
	}
	for _, c := range cases {
		if got := Classify(c.status, []byte(c.body), DefaultContentMarkers); got != c.want {
			t.Errorf("Classify(%d, %q) = %v, want %v", c.status, c.body, got, c.want)
		}
	}
}

func TestWaitsAreCapped(t *testing.T) {
	s := newTestSolver(t, Options{MaxWait: 3 * time.Second})
	if got := s.challengeWait(0); got != time.Second {
		t.Errorf("first challenge wait %v", got)
	}
	if got := s.challengeWait(9); got != 3*time.Second {
		t.Errorf("challenge wait not capped: %v", got)
	}
	if got := s.transientWait(1); got != 1500*time.Millisecond {
		t.Errorf("transient wait %v", got)
	}
	if got := s.transientWait(20); got != 3*time.Second {
		t.Errorf("transient wait not capped: %v", got)
	}
}
