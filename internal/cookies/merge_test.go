package cookies

import (
	"strings"
	"testing"
)

func TestIsProtectionName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"cf_clearance", true},
		{"__cf_bm", true},
		{"__cflb", true},
		{"__Secure-cf_token", true},
		{"cf_chl_rc", true},
		{"__Secure-next-auth.session-token", false},
		{"pplx.visitor-id", false},
		{"cfx", false},
	}
	for _, tt := range tests {
		if got := IsProtectionName(tt.name); got != tt.want {
			t.Errorf("IsProtectionName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMergeEmpty(t *testing.T) {
	got := Merge()
	if !got.Empty() {
		t.Errorf("expected empty set, got %v", got.Tokens)
	}
	got = Merge(TokenSet{}, TokenSet{Tokens: map[string]string{}})
	if !got.Empty() {
		t.Errorf("expected empty set, got %v", got.Tokens)
	}
}

func TestMergeProtectionLastWins(t *testing.T) {
	manual := New(OriginManual, map[string]string{"cf_clearance": "old", "__cf_bm": "bm-old", "session": "s1"})
	solved := New(OriginChallengeSolved, map[string]string{"cf_clearance": "new", "session": "s2"})
	refreshed := New(OriginChallengeSolved, map[string]string{"__cf_bm": "bm-new"})

	got := Merge(manual, solved, refreshed)

	if got.Tokens["cf_clearance"] != "new" {
		t.Errorf("expected later cf_clearance to win, got %q", got.Tokens["cf_clearance"])
	}
	if got.Tokens["__cf_bm"] != "bm-new" {
		t.Errorf("expected latest __cf_bm, got %q", got.Tokens["__cf_bm"])
	}
	if got.Tokens["session"] != "s1" {
		t.Errorf("expected ordinary name to keep first value, got %q", got.Tokens["session"])
	}
	if got.Origin != OriginChallengeSolved {
		t.Errorf("expected origin of last source, got %q", got.Origin)
	}
}

func TestMergeNeverOverridesOrdinaryNames(t *testing.T) {
	// Every permutation of three sources: the first source defining an
	// ordinary name keeps it; the last defining a protection name wins.
	sources := []TokenSet{
		New(OriginManual, map[string]string{"a": "1", "cf_clearance": "x"}),
		New(OriginBrowserExtracted, map[string]string{"a": "2", "b": "2"}),
		New(OriginChallengeSolved, map[string]string{"b": "3", "cf_clearance": "z"}),
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		ordered := []TokenSet{sources[p[0]], sources[p[1]], sources[p[2]]}
		got := Merge(ordered...)

		for _, name := range []string{"a", "b", "cf_clearance"} {
			var first, last string
			for _, s := range ordered {
				if v, ok := s.Tokens[name]; ok {
					if first == "" {
						first = v
					}
					last = v
				}
			}
			want := first
			if IsProtectionName(name) {
				want = last
			}
			if got.Tokens[name] != want {
				t.Errorf("perm %v name %s: got %q want %q", p, name, got.Tokens[name], want)
			}
		}
	}
}

func TestMergeLastWinsPolicy(t *testing.T) {
	a := New(OriginManual, map[string]string{"session": "s1"})
	b := New(OriginBrowserExtracted, map[string]string{"session": "s2"})
	got := MergeWithPolicy(PolicyLastWins, a, b)
	if got.Tokens["session"] != "s2" {
		t.Errorf("expected last-wins policy to overwrite, got %q", got.Tokens["session"])
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyFirstWins {
		t.Errorf("expected first-wins default, got %q %v", p, err)
	}
	if p, err := ParsePolicy("Last-Wins"); err != nil || p != PolicyLastWins {
		t.Errorf("expected last-wins, got %q %v", p, err)
	}
	if _, err := ParsePolicy("random"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	a := New(OriginManual, map[string]string{"x": "1"})
	got := Merge(a)
	got.Tokens["x"] = "changed"
	if a.Tokens["x"] != "1" {
		t.Error("merge result must not alias source maps")
	}
}

func TestInjectableDropsOversized(t *testing.T) {
	big := strings.Repeat("v", MaxValueSize+1)
	ts := New(OriginManual, map[string]string{"ok": "1", "huge": big})

	if err := ts.Validate(); err == nil {
		t.Error("expected validation error for oversized value")
	}
	safe, dropped := ts.Injectable()
	if len(dropped) != 1 || dropped[0] != "huge" {
		t.Errorf("expected huge to be dropped, got %v", dropped)
	}
	if _, ok := safe.Tokens["huge"]; ok {
		t.Error("oversized value should not be injectable")
	}
	if strings.Contains(ts.Header(), "huge=") {
		t.Error("header must skip oversized values")
	}
}

func TestCookiesHostPrefix(t *testing.T) {
	ts := New(OriginManual, map[string]string{"__Host-csrf": "c", "__Secure-next-auth.session-token": "s", "plain": "p"})
	cs := ts.Cookies(".perplexity.ai")
	if len(cs) != 3 {
		t.Fatalf("expected 3 cookies, got %d", len(cs))
	}
	for _, c := range cs {
		switch c.Name {
		case "__Host-csrf":
			if c.Domain != "" || c.Path != "/" {
				t.Errorf("host cookie must be host-only with path /, got domain=%q path=%q", c.Domain, c.Path)
			}
		case "plain":
			if c.Domain != ".perplexity.ai" || c.HTTPOnly {
				t.Errorf("unexpected attributes for plain cookie: %+v", c)
			}
		}
	}
}

func TestHeaderSorted(t *testing.T) {
	ts := New(OriginManual, map[string]string{"b": "2", "a": "1"})
	if got := ts.Header(); got != "a=1; b=2" {
		t.Errorf("unexpected header %q", got)
	}
}

func TestMissingAndSession(t *testing.T) {
	ts := New(OriginManual, map[string]string{"cf_clearance": "x", LegacySessionToken: "s"})
	missing := ts.Missing(ClearanceName, BotManagementName)
	if len(missing) != 1 || missing[0] != BotManagementName {
		t.Errorf("expected __cf_bm missing, got %v", missing)
	}
	if !ts.HasSession() {
		t.Error("expected legacy session token to count")
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abcdefghijklmnop"); got != "abcd...(16 chars)" {
		t.Errorf("long value masked as %q", got)
	}
	if got := Mask("short"); got != "*****" {
		t.Errorf("short value masked as %q", got)
	}
}
