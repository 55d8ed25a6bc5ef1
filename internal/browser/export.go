package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"askbridge/internal/stream"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Selectors is the UI selector table. None of it is a stable contract of the
// target site; every key can be overridden from config.
type Selectors struct {
	QueryInput    string
	SubmitButton  string
	StopButton    string
	LoginMarker   string
	ThreadActions string
	MenuItem      string
	Answer        string
	Sources       string
}

func DefaultSelectors() Selectors {
	return Selectors{
		QueryInput:    `textarea[placeholder], div#ask-input[contenteditable="true"], div[contenteditable="true"][role="textbox"]`,
		SubmitButton:  `button[aria-label="Submit"], button[data-testid="submit-button"]`,
		StopButton:    `button[aria-label*="Stop"], button[data-testid="stop-generating-response-button"]`,
		LoginMarker:   `button[data-testid="login-button"], a[href*="/login"], div[data-testid="login-modal"]`,
		ThreadActions: `button[aria-label="Thread actions"], button[data-testid="thread-dropdown-menu"]`,
		MenuItem:      `[role="menuitem"]`,
		Answer:        `div[id^="markdown-content"], div.prose`,
		Sources:       `div[data-testid="sources"] a[href], a.citation[href], a[data-testid*="citation"][href]`,
	}
}

// Override replaces entries by key (query_input, submit_button, ...).
func (s Selectors) Override(m map[string]string) Selectors {
	for k, v := range m {
		if strings.TrimSpace(v) == "" {
			continue
		}
		switch k {
		case "query_input":
			s.QueryInput = v
		case "submit_button":
			s.SubmitButton = v
		case "stop_button":
			s.StopButton = v
		case "login_marker":
			s.LoginMarker = v
		case "thread_actions":
			s.ThreadActions = v
		case "menu_item":
			s.MenuItem = v
		case "answer":
			s.Answer = v
		case "sources":
			s.Sources = v
		}
	}
	return s
}

// DOMExtractor renders the last answer block as markdown-ish text, falling
// back to a readability pass over the whole page.
type DOMExtractor struct {
	Selectors Selectors
}

func (x *DOMExtractor) ExtractVisibleAnswerText(ctx context.Context, page Page) (string, error) {
	raw, err := page.HTML(ctx)
	if err != nil {
		return "", err
	}
	if text := AnswerMarkdown(raw, x.Selectors.Answer); text != "" {
		return text, nil
	}
	return ReadableText(raw, page.URL())
}

// AnswerMarkdown walks the last node matching selector.
func AnswerMarkdown(rawHTML, selector string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	blocks := doc.Find(selector)
	if blocks.Length() == 0 {
		return ""
	}
	var b strings.Builder
	walkMarkdown(&b, blocks.Last())
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func walkMarkdown(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			return
		}
		if node.Type != html.ElementNode {
			return
		}
		switch name := goquery.NodeName(s); name {
		case "script", "style", "button", "svg":
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(name[1] - '0')
			fmt.Fprintf(b, "\n\n%s %s\n\n", strings.Repeat("#", level), strings.TrimSpace(s.Text()))
		case "p", "div", "section":
			b.WriteString("\n\n")
			walkMarkdown(b, s)
			b.WriteString("\n\n")
		case "br":
			b.WriteString("\n")
		case "li":
			b.WriteString("\n- ")
			walkMarkdown(b, s)
		case "ul", "ol":
			walkMarkdown(b, s)
			b.WriteString("\n")
		case "pre":
			fmt.Fprintf(b, "\n\n```\n%s\n```\n\n", strings.TrimRight(s.Text(), "\n"))
		case "code":
			fmt.Fprintf(b, "`%s`", s.Text())
		case "strong", "b":
			fmt.Fprintf(b, "**%s**", strings.TrimSpace(s.Text()))
		case "em", "i":
			fmt.Fprintf(b, "*%s*", strings.TrimSpace(s.Text()))
		default:
			walkMarkdown(b, s)
		}
	})
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// ReadableText is the readability fallback for pages whose answer block
// could not be located.
func ReadableText(rawHTML, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "https", Host: "localhost"}
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), u)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// ExtractSources collects external source links, deduped by URL. Links back
// to the target site itself are skipped.
func ExtractSources(rawHTML, selector, baseURL string) []stream.Citation {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	self := hostOf(baseURL)
	seen := make(map[string]bool)
	var out []stream.Citation
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		u, err := url.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if self != "" && (u.Hostname() == self || strings.HasSuffix(u.Hostname(), "."+self)) {
			return
		}
		if seen[href] {
			return
		}
		seen[href] = true
		title := strings.TrimSpace(a.AttrOr("title", ""))
		if title == "" {
			title = strings.Join(strings.Fields(a.Text()), " ")
		}
		out = append(out, stream.Citation{Title: title, URL: href})
	})
	return out
}
