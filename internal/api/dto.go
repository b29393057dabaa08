package api

import (
	"github.com/starford/mneme/internal/backup"
	"github.com/starford/mneme/internal/models"
)

// MemoryListResponse wraps paginated memory listings.
type MemoryListResponse struct {
	Memories []models.Memory `json:"memories" validate:"required"`
	Total    int             `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search hits.
type SearchResponse struct {
	Results []models.ScoredMemory `json:"results" validate:"required"`
}

// IndexRequest adds paths to a scope's watched roots.
type IndexRequest struct {
	Scope models.Scope `json:"scope" example:"project"`
	Paths []string     `json:"paths" validate:"required"`
}

// ScopeRequest names a scope.
type ScopeRequest struct {
	Scope models.Scope `json:"scope" example:"all"`
}

// DestructiveRequest asks for a confirm token.
type DestructiveRequest struct {
	Operation string       `json:"operation" example:"reset" validate:"required"`
	Scope     models.Scope `json:"scope" example:"project" validate:"required"`
}

// TokenRequest carries a confirm token.
type TokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// ForgetByQueryRequest deletes records similar to a query.
type ForgetByQueryRequest struct {
	Token     string  `json:"token" validate:"required"`
	Query     string  `json:"query" validate:"required"`
	Threshold float64 `json:"threshold" example:"0.9" validate:"required"`
}

// ResetResponse reports where the pre-reset backup went.
type ResetResponse struct {
	Backup string `json:"backup"`
}

// BackupResponse lists the written bundles.
type BackupResponse struct {
	Backups []*backup.Result `json:"backups"`
}
