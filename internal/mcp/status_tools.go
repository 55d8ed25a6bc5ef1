package mcp

import (
	"context"
	"sort"
	"time"

	"askbridge/internal/session"
)

type activeSession struct {
	Key        string    `json:"key"`
	Profile    string    `json:"profile"`
	Strategy   string    `json:"strategy"`
	Tokens     int       `json:"tokens"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type ConnectionSummaryTool struct {
	pipeline *session.Pipeline
	sessions *session.Manager
	ledger   *session.Ledger
}

func (t *ConnectionSummaryTool) Name() string { return "connection-summary" }
func (t *ConnectionSummaryTool) Description() string {
	return `Report how the current session was obtained.

Includes the configured strategy order, the attempt log of the last acquisition
run, the active sessions per profile and, when the attempt ledger is enabled,
which strategies have succeeded, failed or flip-flopped across runs.

Returns: {strategies, summary, last_run, active, health?}`
}
func (t *ConnectionSummaryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ConnectionSummaryTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	out := map[string]interface{}{}
	if t.pipeline != nil {
		last := t.pipeline.LastLog()
		out["strategies"] = t.pipeline.Strategies()
		out["summary"] = last.Summary()
		if last != nil {
			out["last_run"] = last
		}
	}

	active := []activeSession{}
	if t.sessions != nil {
		for key, sc := range t.sessions.Active() {
			active = append(active, activeSession{
				Key:        key,
				Profile:    sc.Profile,
				Strategy:   sc.Strategy,
				Tokens:     sc.Tokens.Len(),
				AcquiredAt: sc.AcquiredAt,
			})
		}
		sort.Slice(active, func(i, j int) bool { return active[i].Key < active[j].Key })
	}
	out["active"] = active

	if t.ledger != nil {
		out["health"] = t.ledger.Health()
	}
	return out, nil
}

type PoolStatsTool struct {
	pool PoolStatter
}

func (t *PoolStatsTool) Name() string { return "pool-stats" }
func (t *PoolStatsTool) Description() string {
	return `Report browser tab pool usage: size, live, idle, active, created, broken and reclaimed tabs.

Returns: {enabled, stats?}`
}
func (t *PoolStatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *PoolStatsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.pool == nil {
		return map[string]interface{}{"enabled": false}, nil
	}
	return map[string]interface{}{"enabled": true, "stats": t.pool.Stats()}, nil
}
