package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/export"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *memoryservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *memoryservice.Service) *Handler {
	return &Handler{svc: svc}
}

func filterOf(r *http.Request) memoryservice.Filter {
	q := r.URL.Query()
	return memoryservice.Filter{
		Type:   models.MemoryType(q.Get("type")),
		Source: q.Get("source"),
	}
}

// ListMemories handles GET /api/memories.
//
//	@Summary		List memories newest first
//	@Tags			memories
//	@Produce		json
//	@Param			scope	query		string	false	"Scope"	Enums(project, global, all)
//	@Param			type	query		string	false	"Filter by memory type"
//	@Param			source	query		string	false	"Filter by source"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	MemoryListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories [get]
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.List(r.Context(), models.Scope(q.Get("scope")), filterOf(r), limit, offset)
	if err != nil {
		writeError(w, "list memories", err)
		return
	}
	if items == nil {
		items = []models.Memory{}
	}
	writeJSON(w, http.StatusOK, MemoryListResponse{Memories: items, Total: total})
}

// GetMemory handles GET /api/memories/{id}.
//
//	@Summary		Get a single memory by id
//	@Tags			memories
//	@Produce		json
//	@Param			id		path		string	true	"Memory id"
//	@Param			scope	query		string	false	"Scope"	Enums(project, global, all)
//	@Success		200		{object}	models.Memory
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories/{id} [get]
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	scope := models.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = models.ScopeAll
	}
	m, err := h.svc.Get(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get memory", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CreateMemory handles POST /api/memories.
//
//	@Summary		Store a memory
//	@Tags			memories
//	@Accept			json
//	@Produce		json
//	@Param			body	body		memoryservice.StoreRequest	true	"Memory to store"
//	@Success		201		{object}	models.Memory
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories [post]
func (h *Handler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryservice.StoreRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.Store(r.Context(), req)
	if err != nil {
		writeError(w, "store memory", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// DeleteMemory handles DELETE /api/memories/{id}.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	scope := models.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = models.ScopeAll
	}
	n, err := h.svc.Forget(r.Context(), scope, []string{chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, "forget memory", err)
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusNotFound, errorBody("memory not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Semantic search over memories
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Query text"
//	@Param			scope	query		string	false	"Scope"	Enums(project, global, all)
//	@Param			k		query		int		false	"Result count"
//	@Param			type	query		string	false	"Filter by memory type"
//	@Param			hybrid	query		bool	false	"Fuse keyword and vector ranking"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k, _ := strconv.Atoi(q.Get("k"))
	hybrid, _ := strconv.ParseBool(q.Get("hybrid"))
	hits, err := h.svc.Search(r.Context(), memoryservice.SearchRequest{
		Query:  q.Get("q"),
		Scope:  models.Scope(q.Get("scope")),
		K:      k,
		Filter: filterOf(r),
		Hybrid: hybrid,
	})
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if hits == nil {
		hits = []models.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: hits})
}

// Index handles POST /api/index.
//
//	@Summary		Add paths to a scope and index them
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IndexRequest	true	"Paths to index"
//	@Success		200		{object}	syncengine.Report
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index [post]
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := h.svc.Index(r.Context(), req.Scope, req.Paths)
	if err != nil {
		writeError(w, "index", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Sync handles POST /api/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	if req.Scope == "" {
		req.Scope = models.ScopeAll
	}
	reps, err := h.svc.Sync(r.Context(), req.Scope)
	if err != nil {
		writeError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reps})
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	scope := models.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = models.ScopeAll
	}
	rep, err := h.svc.Stats(r.Context(), scope)
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Export handles GET /api/export. It renders without writing a file.
//
//	@Summary		Render memories as a context file
//	@Tags			export
//	@Produce		json
//	@Param			scope	query		string	false	"Scope"	Enums(project, global, all)
//	@Param			format	query		string	false	"Output format"	Enums(markdown, agents, cursorrules)
//	@Param			types	query		string	false	"Comma-separated memory types"
//	@Success		200		{object}	export.Document
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := memoryservice.ExportRequest{
		Scope:  models.Scope(q.Get("scope")),
		Format: export.Format(q.Get("format")),
	}
	if req.Scope == "" {
		req.Scope = models.ScopeAll
	}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			req.Types = append(req.Types, models.MemoryType(t))
		}
	}
	doc, err := h.svc.Export(r.Context(), req)
	if err != nil {
		writeError(w, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Capture handles POST /api/capture.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	var req memoryservice.CaptureRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Capture(r.Context(), req)
	if err != nil {
		writeError(w, "capture", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Backup handles POST /api/backup.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	if req.Scope == "" {
		req.Scope = models.ScopeAll
	}
	res, err := h.svc.Backup(r.Context(), req.Scope)
	if err != nil {
		writeError(w, "backup", err)
		return
	}
	writeJSON(w, http.StatusOK, BackupResponse{Backups: res})
}

// Restore handles POST /api/restore.
//
//	@Summary		Restore a backup bundle
//	@Description	Replace mode needs a restore_replace token from POST /destructive.
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			body	body		memoryservice.RestoreRequest	true	"Bundle to restore"
//	@Success		200		{object}	backup.Result
//	@Failure		400		{object}	errResponse
//	@Failure		428		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/restore [post]
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req memoryservice.RestoreRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Restore(r.Context(), req)
	if err != nil {
		writeError(w, "restore", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RequestDestructive handles POST /api/destructive.
//
//	@Summary		Request a confirm token for a destructive operation
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			body	body		DestructiveRequest	true	"Operation and scope"
//	@Success		200		{object}	destructive.Ticket
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/destructive [post]
func (h *Handler) RequestDestructive(w http.ResponseWriter, r *http.Request) {
	var req DestructiveRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := destructive.ParseKind(req.Operation)
	if err != nil {
		writeError(w, "request destructive", err)
		return
	}
	ticket, err := h.svc.RequestDestructive(kind, req.Scope)
	if err != nil {
		writeError(w, "request destructive", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// Reset handles POST /api/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	path, err := h.svc.Reset(r.Context(), req.Token)
	if err != nil {
		writeError(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Backup: path})
}

// ForgetByQuery handles POST /api/forget-by-query.
func (h *Handler) ForgetByQuery(w http.ResponseWriter, r *http.Request) {
	var req ForgetByQueryRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := h.svc.ForgetByQuery(r.Context(), req.Token, req.Query, req.Threshold)
	if err != nil {
		writeError(w, "forget by query", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": ids})
}
