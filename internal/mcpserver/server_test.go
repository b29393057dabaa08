package mcpserver

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/testutil"
)

func testServer(t *testing.T) (*Server, *memoryservice.Service) {
	t.Helper()
	cache, err := embedding.NewCache(64)
	if err != nil {
		t.Fatal(err)
	}
	client := embedding.NewClient(testutil.NewFakeProvider(), cache,
		embedding.WithRetryDelay(0), embedding.WithLogger(testutil.Logger()))
	ch, err := chunker.New(chunker.Options{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := memoryservice.New(memoryservice.Options{
		BasePath:    t.TempDir(),
		ProjectRoot: t.TempDir(),
		Logger:      testutil.Logger(),
	}, client, ch)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return New(svc, "test"), svc
}

// callTool invokes a handler directly; mcp-go has no in-process call helper.
func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"rag_search":   srv.search,
		"rag_store":    srv.store,
		"rag_index":    srv.index,
		"rag_sync":     srv.sync,
		"rag_forget":   srv.forget,
		"rag_stats":    srv.stats,
		"rag_health":   srv.health,
		"rag_capture":  srv.capture,
		"rag_export":   srv.export,
		"rag_contract": srv.contract,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestToolsRegistered(t *testing.T) {
	srv, _ := testServer(t)
	tools := srv.MCPServer().ListTools()
	for _, name := range []string{"rag_search", "rag_index", "rag_store", "rag_sync", "rag_forget",
		"rag_stats", "rag_health", "rag_capture", "rag_export"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestStoreAndSearch(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "rag_store", map[string]any{
		"content":     "we decided to use PostgreSQL for ACID compliance",
		"memory_type": "decision",
		"tags":        []any{"db"},
	})
	if r.IsError || !strings.HasPrefix(resultText(r), "stored ") {
		t.Fatalf("store result = %q", resultText(r))
	}

	r = callTool(t, srv, "rag_search", map[string]any{"query": "we decided to use PostgreSQL for ACID compliance"})
	if r.IsError {
		t.Fatalf("search error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "PostgreSQL") {
		t.Errorf("search result = %q", resultText(r))
	}

	r = callTool(t, srv, "rag_search", map[string]any{"query": "anything", "scope": "global"})
	if !strings.HasPrefix(resultText(r), "no memories found") {
		t.Errorf("empty scope result = %q", resultText(r))
	}
}

func TestStoreValidation(t *testing.T) {
	srv, _ := testServer(t)
	if r := callTool(t, srv, "rag_store", map[string]any{}); !r.IsError {
		t.Error("expected error for missing content")
	}
	if r := callTool(t, srv, "rag_store", map[string]any{"content": "x", "scope": "all"}); !r.IsError {
		t.Error("expected error for scope all")
	}
}

func TestIndexAndSync(t *testing.T) {
	srv, _ := testServer(t)
	dir := testutil.WriteFiles(t, map[string]string{"a.md": "# A\n\nAlpha.", "b.txt": "plain text"})

	r := callTool(t, srv, "rag_index", map[string]any{"paths": []any{dir}})
	if r.IsError {
		t.Fatalf("index error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), `"indexed": 2`) {
		t.Errorf("index result = %q", resultText(r))
	}

	r = callTool(t, srv, "rag_sync", map[string]any{"scope": "project"})
	if r.IsError || !strings.Contains(resultText(r), `"skipped": 2`) {
		t.Errorf("sync result = %q", resultText(r))
	}

	if r := callTool(t, srv, "rag_index", map[string]any{}); !r.IsError {
		t.Error("expected error for missing paths")
	}
}

func TestForgetByQueryTwoStep(t *testing.T) {
	srv, svc := testServer(t)
	callTool(t, srv, "rag_store", map[string]any{"content": "stale deploy notes for v1"})

	r := callTool(t, srv, "rag_forget", map[string]any{"query": "stale deploy notes for v1"})
	if r.IsError {
		t.Fatalf("request error: %s", resultText(r))
	}
	m := regexp.MustCompile(`token "([^"]+)"`).FindStringSubmatch(resultText(r))
	if m == nil {
		t.Fatalf("no token in %q", resultText(r))
	}

	r = callTool(t, srv, "rag_forget", map[string]any{
		"query": "stale deploy notes for v1", "token": m[1], "threshold": 0.99,
	})
	if r.IsError {
		t.Fatalf("forget error: %s", resultText(r))
	}
	_, total, err := svc.List(context.Background(), "", memoryservice.Filter{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("total after forget = %d", total)
	}

	if r := callTool(t, srv, "rag_forget", map[string]any{}); !r.IsError {
		t.Error("expected error without ids or query")
	}
}

func TestForgetByIDs(t *testing.T) {
	srv, svc := testServer(t)
	m, err := svc.Store(context.Background(), memoryservice.StoreRequest{Content: "delete me by id"})
	if err != nil {
		t.Fatal(err)
	}
	r := callTool(t, srv, "rag_forget", map[string]any{"ids": []any{m.ID}})
	if resultText(r) != "deleted 1 memories" {
		t.Errorf("forget result = %q", resultText(r))
	}
}

func TestExportStatsHealth(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "rag_store", map[string]any{"content": "prefer table driven tests", "memory_type": "preference"})

	r := callTool(t, srv, "rag_export", map[string]any{"format": "cursorrules"})
	if !strings.Contains(resultText(r), "[preference] prefer table driven tests") {
		t.Errorf("export = %q", resultText(r))
	}

	r = callTool(t, srv, "rag_stats", map[string]any{})
	if r.IsError || !strings.Contains(resultText(r), `"model": "fake-embed"`) {
		t.Errorf("stats = %q", resultText(r))
	}

	r = callTool(t, srv, "rag_health", map[string]any{})
	if !strings.Contains(resultText(r), `"ok": true`) {
		t.Errorf("health = %q", resultText(r))
	}
}

func TestContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "rag_contract", nil)
	if !strings.Contains(resultText(r), "## Scopes") {
		t.Errorf("contract = %q", resultText(r))
	}
}
