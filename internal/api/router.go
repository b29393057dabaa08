package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mneme/internal/memoryservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *memoryservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Memories.
	r.Get("/memories", h.ListMemories)
	r.Post("/memories", h.CreateMemory)
	r.Get("/memories/{id}", h.GetMemory)
	r.Delete("/memories/{id}", h.DeleteMemory)

	// Retrieval.
	r.Get("/search", h.Search)
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)

	// Ingestion.
	r.Post("/index", h.Index)
	r.Post("/sync", h.Sync)
	r.Post("/capture", h.Capture)

	// Backups and destructive operations.
	r.Post("/backup", h.Backup)
	r.Post("/restore", h.Restore)
	r.Post("/destructive", h.RequestDestructive)
	r.Post("/reset", h.Reset)
	r.Post("/forget-by-query", h.ForgetByQuery)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
