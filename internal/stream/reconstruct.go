package stream

import (
	"strings"
	"sync"
)

// Reconstructor is an accumulating left fold over RawEvents. Safe for
// concurrent use so a browser poller and a reader can share one.
type Reconstructor struct {
	mu           sync.Mutex
	ans          Answer
	locked       bool
	citeIndex    map[string]int
	relatedSeen  map[string]bool
	events       int
	unrecognized int
}

// NewReconstructor returns an empty fold.
func NewReconstructor() *Reconstructor {
	r := &Reconstructor{}
	r.reset()
	return r
}

// Fold reduces events from scratch.
func Fold(events []RawEvent) Answer {
	r := NewReconstructor()
	for _, ev := range events {
		r.Add(ev)
	}
	return r.Answer()
}

// Reset clears state for a new query.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Reconstructor) reset() {
	r.ans = Answer{}
	r.locked = false
	r.citeIndex = make(map[string]int)
	r.relatedSeen = make(map[string]bool)
	r.events = 0
	r.unrecognized = 0
}

// Add folds one event and returns the variants it was recognized under.
func (r *Reconstructor) Add(ev RawEvent) []Variant {
	frags := Parse(ev.Data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
	variants := make([]Variant, 0, len(frags))
	for _, f := range frags {
		r.apply(f)
		variants = append(variants, f.Variant)
	}
	return variants
}

// AddSnapshot folds sampled DOM text. Snapshots never shorten the answer and
// are ignored once a terminal payload arrived.
func (r *Reconstructor) AddSnapshot(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
	r.apply(Fragment{Variant: VariantSnapshot, Text: text})
}

func (r *Reconstructor) apply(f Fragment) {
	for _, c := range f.Citations {
		r.addCitation(c)
	}
	for _, q := range f.Related {
		key := strings.ToLower(q)
		if !r.relatedSeen[key] {
			r.relatedSeen[key] = true
			r.ans.RelatedQuestions = append(r.ans.RelatedQuestions, q)
		}
	}
	if f.ConversationID != "" {
		r.ans.ConversationID = f.ConversationID
	}
	if f.BackendUUID != "" {
		r.ans.BackendUUID = f.BackendUUID
	}
	if f.DisplayModel != "" {
		r.ans.DisplayModel = f.DisplayModel
	}

	switch f.Variant {
	case VariantUnrecognized:
		if len(f.Citations) == 0 && len(f.Related) == 0 {
			r.unrecognized++
		}
	case VariantTerminal:
		if strings.TrimSpace(f.Text) == "" {
			return
		}
		r.ans.Text = f.Text
		r.ans.Variant = VariantTerminal
		r.ans.Final = true
		r.locked = true
	case VariantDelta, VariantFlat, VariantSnapshot:
		if r.locked || strings.TrimSpace(f.Text) == "" {
			return
		}
		if len(f.Text) >= len(r.ans.Text) {
			r.ans.Text = f.Text
			r.ans.Variant = f.Variant
		}
	case VariantText:
		if r.locked || f.Text == "" {
			return
		}
		r.ans.Text += f.Text
		if r.ans.Variant < VariantText {
			r.ans.Variant = VariantText
		}
	}
}

// addCitation dedupes by URL, keeping first-seen order and the most
// descriptive title.
func (r *Reconstructor) addCitation(c Citation) {
	c.URL = strings.TrimSpace(c.URL)
	c.Title = strings.TrimSpace(c.Title)
	if c.URL == "" {
		return
	}
	if i, ok := r.citeIndex[c.URL]; ok {
		cur := &r.ans.Citations[i]
		if len(c.Title) > len(cur.Title) {
			cur.Title = c.Title
		}
		if len(c.Snippet) > len(cur.Snippet) {
			cur.Snippet = c.Snippet
		}
		return
	}
	r.citeIndex[c.URL] = len(r.ans.Citations)
	r.ans.Citations = append(r.ans.Citations, c)
}

// Answer returns a copy of the current state.
func (r *Reconstructor) Answer() Answer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ans.Clone()
}

// Final reports whether a terminal payload has been folded.
func (r *Reconstructor) Final() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Stats returns the number of events folded and how many were unrecognized.
func (r *Reconstructor) Stats() (events, unrecognized int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events, r.unrecognized
}
