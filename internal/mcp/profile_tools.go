package mcp

import (
	"context"
	"fmt"
	"time"

	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/session"

	"github.com/sirupsen/logrus"
)

type profileSummary struct {
	Name     string    `json:"name"`
	Tokens   int       `json:"tokens"`
	Session  bool      `json:"has_session"`
	Origin   string    `json:"origin,omitempty"`
	LastUsed time.Time `json:"last_used"`
}

type ListProfilesTool struct {
	store credstore.Store
	log   logrus.FieldLogger
}

func (t *ListProfilesTool) Name() string { return "list-profiles" }
func (t *ListProfilesTool) Description() string {
	return `List stored credential profiles, sorted by name.

Returns: {profiles: [{name, tokens, has_session, last_used}]}`
}
func (t *ListProfilesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListProfilesTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	profiles, err := credstore.LoadAll(ctx, t.store, t.log)
	if err != nil {
		return nil, err
	}
	out := make([]profileSummary, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileSummary{
			Name:     p.Name,
			Tokens:   p.Tokens.Len(),
			Session:  p.Tokens.HasSession(),
			Origin:   string(p.Tokens.Origin),
			LastUsed: p.LastUsed,
		})
	}
	return map[string]interface{}{"profiles": out}, nil
}

type ShowProfileTool struct {
	store credstore.Store
}

func (t *ShowProfileTool) Name() string { return "show-profile" }
func (t *ShowProfileTool) Description() string {
	return `Show the token names of one profile. Values are masked.

Returns: {name, last_used, tokens: {name: masked}}`
}
func (t *ShowProfileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "description": "Profile name"},
		},
		"required": []string{"name"},
	}
}
func (t *ShowProfileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	p, err := t.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	masked := make(map[string]string, p.Tokens.Len())
	for _, n := range p.Tokens.Names() {
		v, _ := p.Tokens.Get(n)
		masked[n] = cookies.Mask(v)
	}
	return map[string]interface{}{
		"name":      p.Name,
		"last_used": p.LastUsed,
		"tokens":    masked,
	}, nil
}

type DeleteProfileTool struct {
	store    credstore.Store
	sessions *session.Manager
}

func (t *DeleteProfileTool) Name() string { return "delete-profile" }
func (t *DeleteProfileTool) Description() string {
	return `Delete a stored credential profile and drop any active session built from it.

Returns: {deleted: name}`
}
func (t *DeleteProfileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "description": "Profile name"},
		},
		"required": []string{"name"},
	}
}
func (t *DeleteProfileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if err := t.store.Delete(ctx, name); err != nil {
		return nil, err
	}
	if t.sessions != nil {
		for key, sc := range t.sessions.Active() {
			if key == name || sc.Profile == name {
				t.sessions.Invalidate(key)
			}
		}
	}
	return map[string]interface{}{"deleted": name}, nil
}
