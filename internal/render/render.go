// Package render formats answers and conversations for terminals, files and
// machine consumers.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"askbridge/internal/stream"
)

// Format is an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts text, json, markdown and md.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, json or markdown)", s)
}

// Meta is optional context printed alongside an answer.
type Meta struct {
	Mode    string `json:"mode,omitempty"`
	Model   string `json:"model,omitempty"`
	Path    string `json:"path,omitempty"` // "http" or "browser"
	Profile string `json:"profile,omitempty"`
}

type answerDoc struct {
	Query            string            `json:"query"`
	Answer           string            `json:"answer"`
	Citations        []stream.Citation `json:"citations"`
	RelatedQuestions []string          `json:"related_questions"`
	BackendUUID      string            `json:"backend_uuid,omitempty"`
	DisplayModel     string            `json:"display_model,omitempty"`
	Meta             *Meta             `json:"meta,omitempty"`
}

// Answer writes one answer in the given format.
func Answer(w io.Writer, query string, ans stream.Answer, format Format) error {
	return AnswerWithMeta(w, query, ans, nil, format)
}

func AnswerWithMeta(w io.Writer, query string, ans stream.Answer, meta *Meta, format Format) error {
	ans = ans.Clone()
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(answerDoc{
			Query:            query,
			Answer:           ans.Text,
			Citations:        ans.Citations,
			RelatedQuestions: ans.RelatedQuestions,
			BackendUUID:      ans.BackendUUID,
			DisplayModel:     ans.DisplayModel,
			Meta:             meta,
		})
	case FormatMarkdown:
		_, err := io.WriteString(w, markdown(query, ans))
		return err
	default:
		_, err := io.WriteString(w, text(ans))
		return err
	}
}

func text(ans stream.Answer) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(ans.Text))
	b.WriteString("\n")
	if len(ans.Citations) > 0 {
		b.WriteString("\nSources:\n")
		for i, c := range ans.Citations {
			fmt.Fprintf(&b, "  [%d] %s\n", i+1, citationLine(c))
		}
	}
	if len(ans.RelatedQuestions) > 0 {
		b.WriteString("\nRelated:\n")
		for _, q := range ans.RelatedQuestions {
			fmt.Fprintf(&b, "  - %s\n", q)
		}
	}
	return b.String()
}

func citationLine(c stream.Citation) string {
	title := strings.TrimSpace(c.Title)
	switch {
	case title == "":
		return c.URL
	case c.URL == "":
		return title
	}
	return title + " - " + c.URL
}

func markdown(query string, ans stream.Answer) string {
	var b strings.Builder
	if query != "" {
		fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(query))
	}
	b.WriteString(strings.TrimSpace(ans.Text))
	b.WriteString("\n")
	writeMarkdownSources(&b, "##", ans.Citations)
	if len(ans.RelatedQuestions) > 0 {
		b.WriteString("\n## Related\n\n")
		for _, q := range ans.RelatedQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return b.String()
}

func writeMarkdownSources(b *strings.Builder, level string, cs []stream.Citation) {
	if len(cs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s Sources\n\n", level)
	for i, c := range cs {
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = "Source"
		}
		if c.URL == "" {
			fmt.Fprintf(b, "%d. %s\n", i+1, title)
			continue
		}
		fmt.Fprintf(b, "%d. [%s](%s)\n", i+1, title, c.URL)
	}
}

// Roles of conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Citations []stream.Citation `json:"sources,omitempty"`
	Time      time.Time         `json:"timestamp"`
}

// Transcript is an exportable conversation.
type Transcript struct {
	ID        string    `json:"conversation_id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// ExportConversation renders a transcript as json, text or markdown.
func ExportConversation(w io.Writer, t Transcript, format Format) error {
	if t.Messages == nil {
		t.Messages = []Message{}
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case FormatMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "# Conversation %s\n", t.ID)
		for _, m := range t.Messages {
			if m.Role == RoleUser {
				fmt.Fprintf(&b, "\n## Question\n\n%s\n", strings.TrimSpace(m.Content))
				continue
			}
			fmt.Fprintf(&b, "\n## Answer\n\n%s\n", strings.TrimSpace(m.Content))
			writeMarkdownSources(&b, "###", m.Citations)
		}
		_, err := io.WriteString(w, b.String())
		return err
	default:
		var b strings.Builder
		for i, m := range t.Messages {
			if i > 0 {
				b.WriteString("\n")
			}
			prefix := "A:"
			if m.Role == RoleUser {
				prefix = "Q:"
			}
			fmt.Fprintf(&b, "%s %s\n", prefix, strings.TrimSpace(m.Content))
		}
		_, err := io.WriteString(w, b.String())
		return err
	}
}
