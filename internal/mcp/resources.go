package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"askbridge/internal/query"
	"askbridge/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

// Arity of every predicate the ledger resource can serve.
var ledgerPredicates = map[string]int{
	"attempt":              4,
	session.PredSucceeded:  1,
	session.PredFailed:     1,
	session.PredFlaky:      1,
	session.PredResolvedBy: 2,
}

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"askbridge://about",
			"askbridge About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, target site and accepted query options."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"askbridge://ledger/{predicate}",
			"Attempt Ledger",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Rows of one attempt-ledger predicate: attempt, strategy_succeeded, strategy_failed, strategy_flaky or resolved_by."),
		),
		s.handleLedgerResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"target":  s.cfg.Target.BaseURL,
		"modes":   query.Modes(),
		"models":  query.Models(),
		"browser": s.deps.Service.HasBrowser(),
		"notes": []string{
			"Use the ask tool for questions; connection-summary explains how the session was obtained.",
			"Profiles hold live session cookies; show-profile masks values.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleLedgerResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.deps.Ledger == nil {
		return nil, fmt.Errorf("attempt ledger disabled")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	arity, ok := ledgerPredicates[predicate]
	if !ok {
		return nil, fmt.Errorf("unknown ledger predicate %q", predicate)
	}
	rows, err := s.deps.Ledger.Query(predicate, arity)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = [][]string{}
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"count":     len(rows),
		"rows":      rows,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
