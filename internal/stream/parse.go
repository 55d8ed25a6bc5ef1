package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Variant is the schema shape a fragment was recognized under. Higher values
// carry more trust.
type Variant int

const (
	VariantUnrecognized Variant = iota
	// VariantText is an unstructured text delta.
	VariantText
	// VariantSnapshot is sampled DOM text from the browser path.
	VariantSnapshot
	VariantFlat
	VariantDelta
	VariantTerminal
)

func (v Variant) String() string {
	switch v {
	case VariantText:
		return "text"
	case VariantSnapshot:
		return "snapshot"
	case VariantFlat:
		return "flat"
	case VariantDelta:
		return "delta"
	case VariantTerminal:
		return "terminal"
	default:
		return "unrecognized"
	}
}

func (v Variant) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

const (
	stepFinal         = "FINAL"
	stepSearchResults = "SEARCH_RESULTS"
)

// Fragment is what one step of a payload contributed.
type Fragment struct {
	Variant        Variant
	Text           string
	Citations      []Citation
	Related        []string
	ConversationID string
	BackendUUID    string
	DisplayModel   string
}

// Parse splits a payload into fragments. Arrays yield one fragment per step;
// payloads that are not JSON are plain text deltas.
func Parse(data []byte) []Fragment {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "[DONE]" {
		return nil
	}
	if !gjson.Valid(trimmed) {
		return []Fragment{{Variant: VariantText, Text: string(data)}}
	}
	res := gjson.Parse(trimmed)
	switch {
	case res.IsArray():
		return parseSteps(res)
	case res.IsObject():
		return []Fragment{parseStep(res)}
	default:
		// A bare JSON string or number is still text.
		if res.Type == gjson.String {
			return []Fragment{{Variant: VariantText, Text: res.String()}}
		}
		return []Fragment{{Variant: VariantUnrecognized}}
	}
}

func parseSteps(arr gjson.Result) []Fragment {
	var out []Fragment
	arr.ForEach(func(_, step gjson.Result) bool {
		if step.IsObject() {
			out = append(out, parseStep(step))
		}
		return true
	})
	return out
}

// parseStep tries the known shapes in priority order.
func parseStep(step gjson.Result) Fragment {
	f := Fragment{
		ConversationID: firstString(step, "context_uuid", "frontend_context_uuid"),
		BackendUUID:    firstString(step, "backend_uuid", "uuid"),
		DisplayModel:   firstString(step, "display_model", "model_preference"),
	}
	f.Citations = parseCitations(step)
	f.Related = parseRelated(step)

	if text, ok := terminalText(step); ok {
		f.Variant = VariantTerminal
		f.Text = text
		return f
	}
	if text, ok := deltaText(step); ok {
		f.Variant = VariantDelta
		f.Text = text
		return f
	}
	if text, nested, ok := flatText(step); ok {
		f.Variant = VariantFlat
		f.Text = text
		return f
	} else if nested != nil {
		// A text field holding a serialized step array.
		return mergeNested(f, nested)
	}
	return f
}

func terminalText(step gjson.Result) (string, bool) {
	isFinal := step.Get("step_type").String() == stepFinal || step.Get("final").Bool()
	if !isFinal {
		return "", false
	}
	content := step.Get("content")
	if ans := content.Get("answer"); ans.Exists() {
		if text := answerValue(ans); text != "" {
			return text, true
		}
	}
	if text := joinStructured(content.Get("structured_answer")); text != "" {
		return text, true
	}
	if text := answerValue(step.Get("answer")); text != "" {
		return text, true
	}
	if t := step.Get("text"); t.Type == gjson.String && !looksLikeJSON(t.String()) && t.String() != "" {
		return t.String(), true
	}
	return "", false
}

// answerValue unwraps an answer that may be a JSON-encoded object.
func answerValue(ans gjson.Result) string {
	switch {
	case ans.IsObject():
		return firstString(ans, "answer", "text")
	case ans.Type == gjson.String:
		s := ans.String()
		if inner := strings.TrimSpace(s); strings.HasPrefix(inner, "{") && gjson.Valid(inner) {
			obj := gjson.Parse(inner)
			if text := firstString(obj, "answer", "text"); text != "" {
				return text
			}
			if text := joinStructured(obj.Get("structured_answer")); text != "" {
				return text
			}
			return ""
		}
		return s
	}
	return ""
}

func deltaText(step gjson.Result) (string, bool) {
	for _, path := range []string{"content.chunks", "chunks"} {
		chunks := step.Get(path)
		if !chunks.IsArray() {
			continue
		}
		var b strings.Builder
		chunks.ForEach(func(_, c gjson.Result) bool {
			if c.Type == gjson.String {
				b.WriteString(c.String())
			}
			return true
		})
		if b.Len() > 0 {
			return b.String(), true
		}
	}
	if text := joinStructured(step.Get("content.structured_answer")); text != "" {
		return text, true
	}
	return "", false
}

func flatText(step gjson.Result) (string, []Fragment, bool) {
	if t := step.Get("content.text"); t.Type == gjson.String && t.String() != "" && !looksLikeJSON(t.String()) {
		return t.String(), nil, true
	}
	if t := step.Get("text"); t.Type == gjson.String {
		s := strings.TrimSpace(t.String())
		if strings.HasPrefix(s, "[") && gjson.Valid(s) {
			return "", parseSteps(gjson.Parse(s)), false
		}
		if s != "" && !looksLikeJSON(s) {
			return t.String(), nil, true
		}
	}
	if a := step.Get("answer"); a.Exists() {
		if a.Type == gjson.String && !looksLikeJSON(a.String()) && a.String() != "" {
			return a.String(), nil, true
		}
		if a.IsObject() {
			if s := a.Get("answer").String(); s != "" {
				return s, nil, true
			}
		}
	}
	if r := step.Get("response"); r.Exists() {
		if r.IsObject() {
			if s := r.Get("text").String(); s != "" {
				return s, nil, true
			}
		} else if r.Type == gjson.String && r.String() != "" && !looksLikeJSON(r.String()) {
			return r.String(), nil, true
		}
	}
	return "", nil, false
}

// mergeNested folds the strongest nested fragment into f.
func mergeNested(f Fragment, nested []Fragment) Fragment {
	best := f
	for _, n := range nested {
		best.Citations = append(best.Citations, n.Citations...)
		best.Related = append(best.Related, n.Related...)
		if n.Variant > best.Variant || (n.Variant == best.Variant && n.Variant != VariantUnrecognized) {
			best.Variant = n.Variant
			best.Text = n.Text
		}
		if best.ConversationID == "" {
			best.ConversationID = n.ConversationID
		}
		if best.BackendUUID == "" {
			best.BackendUUID = n.BackendUUID
		}
	}
	return best
}

func joinStructured(arr gjson.Result) string {
	if !arr.IsArray() {
		return ""
	}
	var parts []string
	arr.ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Type == gjson.String:
			parts = append(parts, part.String())
		case part.IsObject():
			if s := firstString(part, "text", "content"); s != "" {
				parts = append(parts, s)
			}
		}
		return true
	})
	return strings.Join(parts, " ")
}

func parseCitations(step gjson.Result) []Citation {
	var out []Citation
	addResults := func(results gjson.Result) {
		results.ForEach(func(_, r gjson.Result) bool {
			if r.IsObject() {
				out = append(out, Citation{
					Title:   firstString(r, "name", "title"),
					URL:     firstString(r, "url", "link"),
					Snippet: r.Get("snippet").String(),
				})
			} else if r.Type == gjson.String {
				out = append(out, Citation{URL: r.String()})
			}
			return true
		})
	}
	if step.Get("step_type").String() == stepSearchResults {
		addResults(step.Get("content.web_results"))
	}
	addResults(step.Get("web_results"))
	for _, key := range []string{"citations", "citation"} {
		if c := step.Get(key); c.IsArray() {
			addResults(c)
		}
	}
	return out
}

func parseRelated(step gjson.Result) []string {
	var out []string
	for _, key := range []string{"related_questions", "related"} {
		step.Get(key).ForEach(func(_, q gjson.Result) bool {
			var s string
			if q.IsObject() {
				s = q.Get("text").String()
			} else {
				s = q.String()
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			return true
		})
	}
	return out
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
