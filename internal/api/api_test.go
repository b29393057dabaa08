package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/export"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/models"
	"github.com/starford/mneme/internal/syncengine"
	"github.com/starford/mneme/internal/testutil"
)

// testEnv builds a service over temp dirs and a router in front of it.
// An empty authToken disables auth.
func testEnv(t *testing.T, authToken string) (*memoryservice.Service, *testutil.FakeProvider, http.Handler) {
	t.Helper()
	fake := testutil.NewFakeProvider()
	cache, err := embedding.NewCache(64)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	client := embedding.NewClient(fake, cache, embedding.WithRetryDelay(0), embedding.WithLogger(testutil.Logger()))
	ch, err := chunker.New(chunker.Options{})
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}
	svc, err := memoryservice.New(memoryservice.Options{
		BasePath:    t.TempDir(),
		ProjectRoot: t.TempDir(),
		Logger:      testutil.Logger(),
	}, client, ch)
	if err != nil {
		t.Fatalf("memoryservice.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, fake, NewRouter(svc, authToken != "", authToken, nil)
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetMemory(t *testing.T) {
	_, _, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/memories", map[string]any{
		"content":     "we decided to use PostgreSQL for ACID compliance",
		"memory_type": "decision",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decodeBody[models.Memory](t, w)
	if created.Scope != models.ScopeProject {
		t.Errorf("scope = %q, want project", created.Scope)
	}

	w = do(t, router, http.MethodGet, "/memories/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decodeBody[models.Memory](t, w)
	if got.Content != created.Content {
		t.Errorf("content = %q", got.Content)
	}
}

func TestCreateMemory_Validation(t *testing.T) {
	_, _, router := testEnv(t, "")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty content", map[string]any{"content": "  "}},
		{"bad scope", map[string]any{"content": "x", "scope": "team"}},
		{"bad type", map[string]any{"content": "x", "memory_type": "rumor"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/memories", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if e := decodeBody[errResponse](t, w); e.Kind != "validation" {
				t.Errorf("kind = %q", e.Kind)
			}
		})
	}
}

func TestCreateMemory_InvalidJSON(t *testing.T) {
	_, _, router := testEnv(t, "")
	req := httptest.NewRequest(http.MethodPost, "/memories", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateMemory_EmbeddingDown(t *testing.T) {
	_, fake, router := testEnv(t, "")
	fake.FailAll(errors.New("connection refused"))

	w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": "redis caches sessions"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	_, _, router := testEnv(t, "")
	id := "0000000000000000000000000000000000000000000000000000000000000000"
	if w := do(t, router, http.MethodGet, "/memories/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/memories/nope", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id status = %d", w.Code)
	}
}

func TestListAndDeleteMemory(t *testing.T) {
	_, _, router := testEnv(t, "")
	var ids []string
	for _, c := range []string{"first memory", "second memory"} {
		w := do(t, router, http.MethodPost, "/memories", map[string]any{"content": c, "scope": "global"})
		ids = append(ids, decodeBody[models.Memory](t, w).ID)
	}

	w := do(t, router, http.MethodGet, "/memories?scope=global", nil)
	list := decodeBody[MemoryListResponse](t, w)
	if list.Total != 2 || len(list.Memories) != 2 {
		t.Fatalf("list = %+v", list)
	}

	if w := do(t, router, http.MethodDelete, "/memories/"+ids[0], nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/memories/"+ids[0], nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
	list = decodeBody[MemoryListResponse](t, do(t, router, http.MethodGet, "/memories?scope=all", nil))
	if list.Total != 1 {
		t.Errorf("total after delete = %d", list.Total)
	}
}

func TestSearch(t *testing.T) {
	_, _, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "postgres stores orders"})
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "tabs over spaces", "scope": "global"})

	w := do(t, router, http.MethodGet, "/search?q=postgres+stores+orders&scope=all&k=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decodeBody[SearchResponse](t, w)
	if len(res.Results) != 2 {
		t.Fatalf("results = %d", len(res.Results))
	}
	if res.Results[0].Content != "postgres stores orders" {
		t.Errorf("top hit = %q", res.Results[0].Content)
	}

	if w := do(t, router, http.MethodGet, "/search?q=", nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d", w.Code)
	}
}

func TestIndexSyncAndStats(t *testing.T) {
	_, _, router := testEnv(t, "")
	dir := testutil.WriteFiles(t, map[string]string{
		"notes/a.md": "# A\n\nAlpha section.",
		"notes/b.md": "# B\n\nBeta section.",
	})

	w := do(t, router, http.MethodPost, "/index", IndexRequest{Scope: models.ScopeProject, Paths: []string{filepath.Join(dir, "notes")}})
	if w.Code != http.StatusOK {
		t.Fatalf("index status = %d, body = %s", w.Code, w.Body.String())
	}
	rep := decodeBody[syncengine.Report](t, w)
	if rep.Indexed != 2 {
		t.Errorf("indexed = %d", rep.Indexed)
	}

	if w := do(t, router, http.MethodPost, "/sync", nil); w.Code != http.StatusOK {
		t.Fatalf("sync status = %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/stats?scope=project", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	stats := decodeBody[memoryservice.StatsReport](t, w)
	if len(stats.Scopes) != 1 || stats.Scopes[0].SyncedSources != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if w := do(t, router, http.MethodPost, "/index", IndexRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty index status = %d", w.Code)
	}
}

func TestDestructive_ResetNeedsToken(t *testing.T) {
	_, _, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "keep me around"})

	w := do(t, router, http.MethodPost, "/reset", TokenRequest{Token: "bogus"})
	if w.Code != http.StatusPreconditionRequired {
		t.Fatalf("reset without token status = %d", w.Code)
	}

	w = do(t, router, http.MethodPost, "/destructive", DestructiveRequest{Operation: "reset", Scope: models.ScopeProject})
	if w.Code != http.StatusOK {
		t.Fatalf("destructive status = %d, body = %s", w.Code, w.Body.String())
	}
	ticket := decodeBody[destructive.Ticket](t, w)

	w = do(t, router, http.MethodPost, "/reset", TokenRequest{Token: ticket.Token})
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeBody[ResetResponse](t, w).Backup == "" {
		t.Error("reset returned no backup path")
	}
	list := decodeBody[MemoryListResponse](t, do(t, router, http.MethodGet, "/memories", nil))
	if list.Total != 0 {
		t.Errorf("total after reset = %d", list.Total)
	}

	// Tokens are single use.
	if w := do(t, router, http.MethodPost, "/reset", TokenRequest{Token: ticket.Token}); w.Code != http.StatusPreconditionRequired {
		t.Errorf("reused token status = %d", w.Code)
	}
}

func TestDestructive_UnknownOperation(t *testing.T) {
	_, _, router := testEnv(t, "")
	w := do(t, router, http.MethodPost, "/destructive", DestructiveRequest{Operation: "drop_all", Scope: models.ScopeProject})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestForgetByQuery(t *testing.T) {
	_, _, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "old api key rotation notes"})
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "unrelated deploy steps"})

	ticket := decodeBody[destructive.Ticket](t, do(t, router, http.MethodPost, "/destructive",
		DestructiveRequest{Operation: "delete_by_query", Scope: models.ScopeProject}))

	w := do(t, router, http.MethodPost, "/forget-by-query", ForgetByQueryRequest{
		Token: ticket.Token, Query: "old api key rotation notes", Threshold: 0.99,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decodeBody[struct {
		Deleted []string `json:"deleted"`
	}](t, w)
	if len(res.Deleted) != 1 {
		t.Errorf("deleted = %v", res.Deleted)
	}
}

func TestBackupAndRestore(t *testing.T) {
	_, _, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "backed up memory"})

	w := do(t, router, http.MethodPost, "/backup", ScopeRequest{Scope: models.ScopeProject})
	if w.Code != http.StatusOK {
		t.Fatalf("backup status = %d, body = %s", w.Code, w.Body.String())
	}
	backups := decodeBody[BackupResponse](t, w)
	if len(backups.Backups) != 1 || backups.Backups[0].Records != 1 {
		t.Fatalf("backups = %+v", backups)
	}
	path := backups.Backups[0].Path

	w = do(t, router, http.MethodPost, "/restore", memoryservice.RestoreRequest{Path: path, Mode: "replace"})
	if w.Code != http.StatusPreconditionRequired {
		t.Fatalf("replace without token status = %d", w.Code)
	}
	w = do(t, router, http.MethodPost, "/restore", memoryservice.RestoreRequest{Path: path})
	if w.Code != http.StatusOK {
		t.Fatalf("merge status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestExport(t *testing.T) {
	_, _, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "use chi for routing", "memory_type": "architecture"})
	do(t, router, http.MethodPost, "/memories", map[string]any{"content": "prefer tabs", "memory_type": "preference"})

	q := url.Values{"format": {"cursorrules"}, "types": {"architecture"}}
	w := do(t, router, http.MethodGet, "/export?"+q.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	doc := decodeBody[export.Document](t, w)
	if doc.Included != 1 || !strings.Contains(doc.Content, "[architecture] use chi for routing") {
		t.Errorf("doc = %+v", doc)
	}

	if w := do(t, router, http.MethodGet, "/export?format=html", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, _, router := testEnv(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/memories", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/memories", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/memories", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", w.Code)
	}
}
