// Package storage defines the rooted file-system abstraction used to read
// sources and write sync state, exports and backups.
package storage

import "github.com/starford/mneme/internal/models"

// Provider is the interface for file operations under one root.
type Provider interface {
	// Root returns the normalized absolute root.
	Root() string
	// List returns metadata for every supported source file under dir (relative to root).
	List(dir string) ([]models.SourceMeta, error)
	// Meta returns metadata for the single file at path (relative to root).
	Meta(path string) (models.SourceMeta, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Rename moves oldPath to newPath (both relative to root).
	Rename(oldPath, newPath string) error
}
