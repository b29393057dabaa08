package memstore

import (
	"path/filepath"

	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
)

// ProjectKey names the directory of a project's collection.
func ProjectKey(projectRoot string) string {
	return hasher.SumString(hasher.NormalizePath(projectRoot))[:16]
}

// ScopeDir returns where scope's collection and sync state live under base.
func ScopeDir(base string, scope models.Scope, projectRoot string) string {
	if scope == models.ScopeGlobal {
		return filepath.Join(base, "global")
	}
	return filepath.Join(base, "projects", ProjectKey(projectRoot))
}
