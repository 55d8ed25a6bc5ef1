package stream

import (
	"regexp"
	"strings"
	"unicode"
)

// UI chrome labels that surround the answer on the page.
var uiChrome = map[string]bool{
	"home": true, "discover": true, "library": true, "spaces": true, "pro": true,
	"sign in": true, "sign up": true, "log in": true, "answer": true, "images": true,
	"sources": true, "related": true, "ask a follow-up": true, "share": true,
	"more": true, "save": true, "delete": true, "edit": true, "account": true,
	"upgrade": true, "install": true, "download comet": true, "follow": true,
	"price alert": true, "prev close": true, "24h volume": true, "high": true,
	"open": true, "low": true, "year high": true, "year low": true,
	"market cap": true, "finance": true, "copy": true, "rewrite": true,
	"thinking": true, "searching": true, "new thread": true,
}

var (
	citationMarker = regexp.MustCompile(`[a-zA-Z0-9.-]+\+\d+`)
	zeroWidth      = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")
)

const (
	echoWindow       = 5
	echoPrefixLen    = 30
	contentMinLen    = 40
	sentenceMinLen   = 20
	keepDuplicateLen = 200
)

// CleanDOMText strips navigation chrome, query echoes and citation markers
// from visible page text. The content-start detection is a best-effort
// heuristic: the first line of at least 40 characters, or a sentence of at
// least 20, is taken as the start of the answer. It can misjudge short
// answers.
func CleanDOMText(raw, query string) string {
	raw = zeroWidth.Replace(raw)
	queryKey := normalizeLine(query)
	queryPrefix := queryKey
	if r := []rune(queryKey); len(r) > echoPrefixLen {
		queryPrefix = strings.TrimSpace(string(r[:echoPrefixLen]))
	}

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(citationMarker.ReplaceAllString(line, ""))
		if isNoise(line) {
			continue
		}
		lines = append(lines, line)
	}

	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if i < echoWindow && queryKey != "" {
			if n := normalizeLine(line); n == queryKey || n == queryPrefix {
				continue
			}
		}
		kept = append(kept, line)
	}

	start := 0
	for i, line := range kept {
		if isContentStart(line) {
			start = i
			break
		}
	}

	seen := make(map[string]bool)
	out := make([]string, 0, len(kept)-start)
	for _, line := range kept[start:] {
		key := strings.ToLower(line)
		if seen[key] && len(line) <= keepDuplicateLen {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func normalizeLine(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func isNoise(line string) bool {
	if len([]rune(line)) < 3 {
		return true
	}
	if uiChrome[strings.ToLower(line)] {
		return true
	}
	return strings.IndexFunc(line, func(r rune) bool {
		return !unicode.IsDigit(r) && !unicode.IsSpace(r) && r != '.' && r != ','
	}) < 0
}

func isContentStart(line string) bool {
	n := len([]rune(line))
	if n >= contentMinLen {
		return true
	}
	if n >= sentenceMinLen {
		switch line[len(line)-1] {
		case '.', '!', '?', ':':
			return true
		}
	}
	return false
}
