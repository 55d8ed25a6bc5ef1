package cookies

import (
	"fmt"
	"strings"
)

// Policy decides conflicts for names outside the protection pattern.
type Policy string

const (
	// PolicyFirstWins keeps the earliest value of an ordinary name.
	PolicyFirstWins Policy = "first-wins"
	// PolicyLastWins lets later sources overwrite ordinary names too.
	PolicyLastWins Policy = "last-wins"
)

// ParsePolicy maps a config string to a Policy. Empty means first-wins.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFirstWins:
		return PolicyFirstWins, nil
	case PolicyLastWins:
		return PolicyLastWins, nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

var protectionPrefixes = []string{"__cf", "__Secure-cf_", "cf_"}

// IsProtectionName reports whether name belongs to the bot-protection family
// issued by the challenge layer.
func IsProtectionName(name string) bool {
	if name == ClearanceName {
		return true
	}
	for _, p := range protectionPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Merge combines sources in precedence order with the first-wins policy.
func Merge(sources ...TokenSet) TokenSet {
	return MergeWithPolicy(PolicyFirstWins, sources...)
}

// MergeWithPolicy combines sources in order. Protection names are always
// overwritten by the latest source defining them; other names follow policy.
// The result's origin is that of the last non-empty source.
func MergeWithPolicy(policy Policy, sources ...TokenSet) TokenSet {
	out := TokenSet{Tokens: make(map[string]string), Origin: OriginPersisted}
	for _, src := range sources {
		if src.Empty() {
			continue
		}
		out.Origin = src.Origin
		for name, value := range src.Tokens {
			_, seen := out.Tokens[name]
			switch {
			case IsProtectionName(name):
				out.Tokens[name] = value
			case !seen:
				out.Tokens[name] = value
			case policy == PolicyLastWins:
				out.Tokens[name] = value
			}
		}
	}
	return out
}
