package mcp

import (
	"context"
	"fmt"
	"strings"

	"askbridge/internal/bridge"
	"askbridge/internal/query"
)

var optionProperties = map[string]interface{}{
	"mode": map[string]interface{}{
		"type":        "string",
		"enum":        query.Modes(),
		"description": "Search mode (default auto)",
	},
	"model": map[string]interface{}{
		"type":        "string",
		"description": "Model preference; must be compatible with the mode",
	},
	"sources": map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string", "enum": []string{"web", "academic", "social", "finance"}},
		"description": "Source focus (default web)",
	},
	"language": map[string]interface{}{
		"type":        "string",
		"description": "Answer language, e.g. en-US",
	},
	"profile": map[string]interface{}{
		"type":        "string",
		"description": "Credential profile to use (default from config)",
	},
}

func optionsFromArgs(args map[string]interface{}) (query.Options, error) {
	return query.Parse(
		getStringArg(args, "mode"),
		getStringArg(args, "model"),
		strings.Join(getListArg(args, "sources"), ","),
		getStringArg(args, "language"),
	)
}

func withOptions(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props)+len(optionProperties))
	for k, v := range optionProperties {
		out[k] = v
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

type AskTool struct {
	svc *bridge.Service
}

func (t *AskTool) Name() string { return "ask" }
func (t *AskTool) Description() string {
	return `Ask a question and get a sourced answer.

The streaming HTTP endpoint is tried first with a cached or freshly acquired
session. On bot protection, exhausted retries or an empty answer the query is
replayed in a real browser tab.

Returns: {query, answer: {text, citations, related_questions}, path, profile, strategy, tier?}
path is "http" or "browser". Validation errors (unknown mode, incompatible model)
fail before any network call.`
}
func (t *AskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withOptions(map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The question",
			},
			"browser": map[string]interface{}{
				"type":        "boolean",
				"description": "Skip HTTP and drive the browser directly",
			},
		}),
		"required": []string{"query"},
	}
}
func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	q := strings.TrimSpace(getStringArg(args, "query"))
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	opts, err := optionsFromArgs(args)
	if err != nil {
		return nil, err
	}
	return t.svc.Ask(ctx, bridge.AskRequest{
		Query:       q,
		Options:     opts,
		Profile:     getStringArg(args, "profile"),
		BrowserOnly: getBoolArg(args, "browser", false),
	})
}

type BatchAskTool struct {
	svc *bridge.Service
}

func (t *BatchAskTool) Name() string { return "batch-ask" }
func (t *BatchAskTool) Description() string {
	return `Ask several independent questions with bounded parallelism.

A failing question never fails the batch; its item carries an error instead.
Results keep input order.

Returns: {items: [{index, query, result?, error?}], failed}`
}
func (t *BatchAskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withOptions(map[string]interface{}{
			"queries": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Questions to ask",
			},
			"concurrency": map[string]interface{}{
				"type":        "integer",
				"description": "Parallel asks (default 3)",
			},
		}),
		"required": []string{"queries"},
	}
}
func (t *BatchAskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	queries := getListArg(args, "queries")
	if len(queries) == 0 {
		return nil, fmt.Errorf("queries is required")
	}
	opts, err := optionsFromArgs(args)
	if err != nil {
		return nil, err
	}
	items := t.svc.Batch(ctx, queries, bridge.BatchOptions{
		Options:     opts,
		Profile:     getStringArg(args, "profile"),
		Concurrency: getIntArg(args, "concurrency", bridge.DefaultBatchConcurrency),
	})
	return map[string]interface{}{"items": items, "failed": bridge.Failed(items)}, nil
}
