// Package cookies holds the credential token model and the precedence merge
// used to combine tokens from independent sources.
package cookies

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MaxValueSize is the largest cookie value the browser and the HTTP path accept.
const MaxValueSize = 4000

// Origin records which acquisition path produced a TokenSet.
type Origin string

const (
	OriginManual           Origin = "manual"
	OriginChallengeSolved  Origin = "challenge-solved"
	OriginBrowserExtracted Origin = "browser-extracted"
	OriginPersisted        Origin = "persisted"
)

// Well-known token names.
const (
	ClearanceName       = "cf_clearance"
	BotManagementName   = "__cf_bm"
	SessionTokenName    = "__Secure-next-auth.session-token"
	LegacySessionToken  = "next-auth.session-token"
	hostPrefix          = "__Host-"
	securePrefix        = "__Secure-"
	defaultCookiePath   = "/"
	defaultCookieDomain = ".perplexity.ai"
)

// TokenSet is a named collection of credential values with the source that produced them.
type TokenSet struct {
	Tokens map[string]string `json:"tokens"`
	Origin Origin            `json:"origin"`
}

// New copies tokens into a fresh TokenSet.
func New(origin Origin, tokens map[string]string) TokenSet {
	ts := TokenSet{Tokens: make(map[string]string, len(tokens)), Origin: origin}
	for k, v := range tokens {
		ts.Tokens[k] = v
	}
	return ts
}

// FromHTTP collects cookies into a TokenSet; later duplicates win.
func FromHTTP(origin Origin, cs []*http.Cookie) TokenSet {
	ts := TokenSet{Tokens: make(map[string]string, len(cs)), Origin: origin}
	for _, c := range cs {
		if c == nil || c.Name == "" {
			continue
		}
		ts.Tokens[c.Name] = c.Value
	}
	return ts
}

func (t TokenSet) Len() int { return len(t.Tokens) }

func (t TokenSet) Empty() bool { return len(t.Tokens) == 0 }

// Get returns a token value and whether it was present.
func (t TokenSet) Get(name string) (string, bool) {
	v, ok := t.Tokens[name]
	return v, ok
}

// Names returns token names in sorted order.
func (t TokenSet) Names() []string {
	names := make([]string, 0, len(t.Tokens))
	for k := range t.Tokens {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (t TokenSet) Clone() TokenSet {
	return New(t.Origin, t.Tokens)
}

// Equal compares token contents, ignoring origin.
func (t TokenSet) Equal(other TokenSet) bool {
	if len(t.Tokens) != len(other.Tokens) {
		return false
	}
	for k, v := range t.Tokens {
		if ov, ok := other.Tokens[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Missing lists the given names that are absent or empty.
func (t TokenSet) Missing(names ...string) []string {
	var out []string
	for _, n := range names {
		if t.Tokens[n] == "" {
			out = append(out, n)
		}
	}
	return out
}

// HasSession reports whether an authenticated session token is present.
func (t TokenSet) HasSession() bool {
	return t.Tokens[SessionTokenName] != "" || t.Tokens[LegacySessionToken] != ""
}

// Oversized lists token names whose values exceed MaxValueSize.
func (t TokenSet) Oversized() []string {
	var out []string
	for _, name := range t.Names() {
		if len(t.Tokens[name]) > MaxValueSize {
			out = append(out, name)
		}
	}
	return out
}

// Validate rejects sets that carry values too large to inject.
func (t TokenSet) Validate() error {
	if over := t.Oversized(); len(over) > 0 {
		return fmt.Errorf("token values exceed %d bytes: %s", MaxValueSize, strings.Join(over, ", "))
	}
	return nil
}

// Injectable returns a copy without oversized values, plus the dropped names.
func (t TokenSet) Injectable() (TokenSet, []string) {
	out := TokenSet{Tokens: make(map[string]string, len(t.Tokens)), Origin: t.Origin}
	var dropped []string
	for _, name := range t.Names() {
		v := t.Tokens[name]
		if len(v) > MaxValueSize {
			dropped = append(dropped, name)
			continue
		}
		out.Tokens[name] = v
	}
	return out, dropped
}

// Header renders the set as a Cookie request header, sorted for determinism.
func (t TokenSet) Header() string {
	safe, _ := t.Injectable()
	parts := make([]string, 0, safe.Len())
	for _, name := range safe.Names() {
		parts = append(parts, name+"="+safe.Tokens[name])
	}
	return strings.Join(parts, "; ")
}

// Cookie describes one injectable cookie with the attributes a browser needs.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// Cookies expands the set into browser cookies for domain. __Host- cookies
// are host-only and must carry path "/" with no domain attribute.
func (t TokenSet) Cookies(domain string) []Cookie {
	if domain == "" {
		domain = defaultCookieDomain
	}
	safe, _ := t.Injectable()
	out := make([]Cookie, 0, safe.Len())
	for _, name := range safe.Names() {
		c := Cookie{
			Name:   name,
			Value:  safe.Tokens[name],
			Domain: domain,
			Path:   defaultCookiePath,
			Secure: true,
		}
		if strings.HasPrefix(name, hostPrefix) {
			c.Domain = ""
		}
		if strings.HasPrefix(name, securePrefix) || strings.HasPrefix(name, hostPrefix) {
			c.HTTPOnly = true
		}
		out = append(out, c)
	}
	return out
}

// HTTPCookies converts the set for use with net/http.
func (t TokenSet) HTTPCookies(domain string) []*http.Cookie {
	cs := t.Cookies(domain)
	out := make([]*http.Cookie, 0, len(cs))
	for _, c := range cs {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return out
}

// Mask hides a token value for display, keeping a short prefix so profiles
// can be told apart.
func Mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return fmt.Sprintf("%s...(%d chars)", v[:4], len(v))
}
