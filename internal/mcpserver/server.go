// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes mneme memory tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/export"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/models"
)

const contractURI = "mneme://memory-contract"

// Server wraps the MCP server with mneme tools.
type Server struct {
	mcp *server.MCPServer
	svc *memoryservice.Service
}

// New creates a new MCP server with all mneme tools registered.
func New(svc *memoryservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"mneme",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("rag_search",
		mcp.WithDescription("Semantic search over stored and indexed memories. Returns the closest records with a similarity score."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithString("scope", mcp.Description("project (default), global or all")),
		mcp.WithNumber("k", mcp.Description("Result count (default 5, max 100)")),
		mcp.WithString("memory_type", mcp.Description("Only return records of this type")),
		mcp.WithBoolean("hybrid", mcp.Description("Fuse keyword and vector ranking")),
	), s.search)

	s.mcp.AddTool(mcp.NewTool("rag_store",
		mcp.WithDescription("Store one memory. Read the contract first via the "+
			"rag_contract tool or the "+contractURI+" resource."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("content", mcp.Required(), mcp.Description("The fact to remember")),
		mcp.WithString("memory_type", mcp.Description("decision, bugfix, architecture, preference, snippet or context (default)")),
		mcp.WithString("scope", mcp.Description("project (default) or global")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Optional tags")),
	), s.store)

	s.mcp.AddTool(mcp.NewTool("rag_index",
		mcp.WithDescription("Add files or directories to a scope and index them."),
		mcp.WithArray("paths", mcp.Required(), mcp.WithStringItems(), mcp.Description("Absolute paths to files or directories")),
		mcp.WithString("scope", mcp.Description("project (default) or global")),
	), s.index)

	s.mcp.AddTool(mcp.NewTool("rag_sync",
		mcp.WithDescription("Re-sync the roots of a scope: index changed files and drop records of deleted ones."),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("scope", mcp.Description("project, global or all (default)")),
	), s.sync)

	s.mcp.AddTool(mcp.NewTool("rag_forget",
		mcp.WithDescription("Delete memories by id, or by similarity to a query. Deleting by query "+
			"returns a confirm token first; call again with the token to delete."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithArray("ids", mcp.WithStringItems(), mcp.Description("Record ids to delete")),
		mcp.WithString("query", mcp.Description("Delete records similar to this text")),
		mcp.WithNumber("threshold", mcp.Description("Minimum similarity for query deletes (default 0.9)")),
		mcp.WithString("token", mcp.Description("Confirm token from a previous rag_forget call")),
		mcp.WithString("scope", mcp.Description("project (default), global, or all for id deletes")),
	), s.forget)

	s.mcp.AddTool(mcp.NewTool("rag_stats",
		mcp.WithDescription("Record counts per scope, type and source, plus embedding cache statistics."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("scope", mcp.Description("project, global or all (default)")),
	), s.stats)

	s.mcp.AddTool(mcp.NewTool("rag_health",
		mcp.WithDescription("Check the embedding backend and each scope database."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.health)

	s.mcp.AddTool(mcp.NewTool("rag_capture",
		mcp.WithDescription("Propose memories from recent session transcripts. Use dry_run to review before storing."),
		mcp.WithArray("paths", mcp.WithStringItems(), mcp.Description("Transcript files; empty scans recent sessions")),
		mcp.WithString("scope", mcp.Description("project (default) or global")),
		mcp.WithNumber("min_confidence", mcp.Description("Minimum proposal confidence (0..1)")),
		mcp.WithNumber("max_sessions", mcp.Description("How many recent sessions to scan")),
		mcp.WithBoolean("dry_run", mcp.Description("Only return proposals")),
	), s.capture)

	s.mcp.AddTool(mcp.NewTool("rag_export",
		mcp.WithDescription("Render memories as a CLAUDE.md, AGENTS.md or .cursorrules context file."),
		mcp.WithString("format", mcp.Description("markdown (default), agents or cursorrules")),
		mcp.WithString("scope", mcp.Description("project, global or all (default)")),
		mcp.WithArray("memory_types", mcp.WithStringItems(), mcp.Description("Only include these types")),
		mcp.WithString("output", mcp.Description("Write the file here instead of returning it")),
	), s.export)

	s.mcp.AddTool(mcp.NewTool("rag_contract",
		mcp.WithDescription("Returns the memory contract: types, scopes and storage rules."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.contract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Memory Contract",
			mcp.WithResourceDescription("How memories are typed, scoped and deduplicated."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func scopeArg(req mcp.CallToolRequest, def models.Scope) models.Scope {
	return models.Scope(req.GetString("scope", string(def)))
}

func (s *Server) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.svc.Search(ctx, memoryservice.SearchRequest{
		Query:  query,
		Scope:  scopeArg(req, models.ScopeProject),
		K:      req.GetInt("k", memoryservice.DefaultK),
		Filter: memoryservice.Filter{Type: models.MemoryType(req.GetString("memory_type", ""))},
		Hybrid: req.GetBool("hybrid", false),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no memories found for %q", query)), nil
	}
	return jsonResult(hits)
}

func (s *Server) store(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.svc.Store(ctx, memoryservice.StoreRequest{
		Content: content,
		Scope:   scopeArg(req, models.ScopeProject),
		Type:    models.MemoryType(req.GetString("memory_type", "")),
		Tags:    req.GetStringSlice("tags", nil),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("stored %s (%s, %s)", m.ID, m.Type, m.Scope)), nil
}

func (s *Server) index(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := req.RequireStringSlice("paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.svc.Index(ctx, scopeArg(req, models.ScopeProject), paths)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

func (s *Server) sync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reps, err := s.svc.Sync(ctx, scopeArg(req, models.ScopeAll))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(reps)
}

func (s *Server) forget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if ids := req.GetStringSlice("ids", nil); len(ids) > 0 {
		n, err := s.svc.Forget(ctx, scopeArg(req, models.ScopeProject), ids)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("deleted %d memories", n)), nil
	}

	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("either ids or query is required"), nil
	}
	token := req.GetString("token", "")
	if token == "" {
		ticket, err := s.svc.RequestDestructive(destructive.DeleteByQuery, scopeArg(req, models.ScopeProject))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"confirmation required: call rag_forget again with token %q to delete records similar to %q in scope %s (expires %s)",
			ticket.Token, query, ticket.Scope, ticket.ExpiresAt.Format("15:04:05"))), nil
	}
	ids, err := s.svc.ForgetByQuery(ctx, token, query, req.GetFloat("threshold", 0.9))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"deleted": ids})
}

func (s *Server) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := s.svc.Stats(ctx, scopeArg(req, models.ScopeAll))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

func (s *Server) health(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Health(ctx))
}

func (s *Server) capture(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creq := memoryservice.CaptureRequest{
		Paths:       req.GetStringSlice("paths", nil),
		Scope:       scopeArg(req, models.ScopeProject),
		MaxSessions: req.GetInt("max_sessions", 0),
		DryRun:      req.GetBool("dry_run", false),
	}
	if v, ok := req.GetArguments()["min_confidence"].(float64); ok {
		creq.MinConfidence = &v
	}
	res, err := s.svc.Capture(ctx, creq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) export(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ereq := memoryservice.ExportRequest{
		Scope:  scopeArg(req, models.ScopeAll),
		Format: export.Format(req.GetString("format", "")),
		Output: req.GetString("output", ""),
	}
	for _, t := range req.GetStringSlice("memory_types", nil) {
		ereq.Types = append(ereq.Types, models.MemoryType(t))
	}
	doc, err := s.svc.Export(ctx, ereq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if doc.Path != "" {
		return mcp.NewToolResultText(fmt.Sprintf("wrote %d memories to %s", doc.Included, doc.Path)), nil
	}
	return mcp.NewToolResultText(doc.Content), nil
}

func (s *Server) contract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(MemoryContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     MemoryContract,
		},
	}, nil
}
