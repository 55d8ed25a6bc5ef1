package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"askbridge/internal/query"
	"askbridge/internal/render"

	"github.com/google/uuid"
)

// Conversation is a thread of follow-up questions sharing one context id.
// Asks are serialized; each follow-up carries the backend id of the previous
// answer.
type Conversation struct {
	svc     *Service
	options query.Options
	profile string

	mu          sync.Mutex
	id          string
	contextUUID string
	lastBackend string
	created     time.Time
	messages    []render.Message
}

// NewConversation starts an empty thread.
func (s *Service) NewConversation(opts query.Options, profile string) *Conversation {
	c := &Conversation{svc: s, options: opts, profile: profile}
	c.reset()
	return c
}

func (c *Conversation) reset() {
	c.id = uuid.NewString()
	c.contextUUID = uuid.NewString()
	c.lastBackend = ""
	c.created = time.Now().UTC()
	c.messages = nil
}

// ID is the local conversation id.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Ask sends q as the next turn. A failed turn leaves the history untouched.
func (c *Conversation) Ask(ctx context.Context, q string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.svc.Ask(ctx, AskRequest{
		Query:           q,
		Options:         c.options,
		Profile:         c.profile,
		ContextUUID:     c.contextUUID,
		LastBackendUUID: c.lastBackend,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.messages = append(c.messages,
		render.Message{Role: render.RoleUser, Content: q, Time: now},
		render.Message{Role: render.RoleAssistant, Content: res.Answer.Text, Citations: res.Answer.Citations, Time: now},
	)
	if res.Answer.BackendUUID != "" {
		c.lastBackend = res.Answer.BackendUUID
	}
	return res, nil
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []render.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]render.Message(nil), c.messages...)
}

// Transcript snapshots the conversation for export.
func (c *Conversation) Transcript() render.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return render.Transcript{
		ID:        c.id,
		CreatedAt: c.created,
		Messages:  append([]render.Message(nil), c.messages...),
	}
}

// Export writes the conversation in the given format.
func (c *Conversation) Export(w io.Writer, format render.Format) error {
	return render.ExportConversation(w, c.Transcript(), format)
}

// Clear starts a new thread with a fresh context id.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
