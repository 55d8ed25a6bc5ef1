// Package stream reduces the noisy, schema-drifting answer stream (or sampled
// DOM text from the browser path) into a stable answer with citations.
package stream

import "strings"

// RawEvent is one payload of the response stream, in receipt order.
type RawEvent struct {
	Seq    int    `json:"seq"`
	Marker string `json:"marker,omitempty"`
	Data   []byte `json:"data"`
}

// Citation is one source backing the answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Answer is the reconstructed response.
type Answer struct {
	Text             string     `json:"text"`
	Citations        []Citation `json:"citations"`
	RelatedQuestions []string   `json:"related_questions"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	BackendUUID      string     `json:"backend_uuid,omitempty"`
	DisplayModel     string     `json:"display_model,omitempty"`
	Variant          Variant    `json:"variant"`
	Final            bool       `json:"final"`
}

// Empty reports an answer with no text.
func (a Answer) Empty() bool { return strings.TrimSpace(a.Text) == "" }

// Clone deep-copies the slices.
func (a Answer) Clone() Answer {
	out := a
	out.Citations = append([]Citation(nil), a.Citations...)
	out.RelatedQuestions = append([]string(nil), a.RelatedQuestions...)
	if out.Citations == nil {
		out.Citations = []Citation{}
	}
	if out.RelatedQuestions == nil {
		out.RelatedQuestions = []string{}
	}
	return out
}
