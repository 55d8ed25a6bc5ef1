package cookies

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// exportedCookie is the shape written by browser cookie-export extensions.
type exportedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// Parse reads either a flat {"name": "value"} object or a browser-export
// array of {name, value, domain} objects. Array entries for other domains
// are skipped when domainSuffix is set.
func Parse(data []byte, origin Origin, domainSuffix string) (TokenSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return TokenSet{}, errors.New("empty cookie file")
	}

	switch trimmed[0] {
	case '{':
		var flat map[string]interface{}
		if err := json.Unmarshal(trimmed, &flat); err != nil {
			return TokenSet{}, fmt.Errorf("decode cookie map: %w", err)
		}
		ts := TokenSet{Tokens: make(map[string]string, len(flat)), Origin: origin}
		for k, v := range flat {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ts.Tokens[k] = s
		}
		return ts, nil
	case '[':
		var list []exportedCookie
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return TokenSet{}, fmt.Errorf("decode cookie list: %w", err)
		}
		ts := TokenSet{Tokens: make(map[string]string, len(list)), Origin: origin}
		for _, c := range list {
			if c.Name == "" {
				continue
			}
			if domainSuffix != "" && c.Domain != "" && !hasDomainSuffix(c.Domain, domainSuffix) {
				continue
			}
			ts.Tokens[c.Name] = c.Value
		}
		return ts, nil
	}
	return TokenSet{}, errors.New("cookie file must be a JSON object or array")
}

// ParseFile reads and parses a cookie file from disk.
func ParseFile(path string, origin Origin, domainSuffix string) (TokenSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TokenSet{}, err
	}
	ts, err := Parse(data, origin, domainSuffix)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return ts, nil
}

func hasDomainSuffix(domain, suffix string) bool {
	d := trimDot(domain)
	s := trimDot(suffix)
	return d == s || (len(d) > len(s) && d[len(d)-len(s)-1] == '.' && d[len(d)-len(s):] == s)
}

func trimDot(s string) string {
	for len(s) > 0 && s[0] == '.' {
		s = s[1:]
	}
	return s
}
