// Package backup dumps a scope's records, vectors included, to a single JSON
// bundle and restores them without re-embedding.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
)

const bundleVersion = 1

// Bundle is a complete serialization of one scope. The four arrays are
// index-aligned and of equal length.
type Bundle struct {
	Version    int               `json:"version"`
	Scope      models.Scope      `json:"scope"`
	CreatedAt  time.Time         `json:"created_at"`
	IDs        []string          `json:"ids"`
	Documents  []string          `json:"documents"`
	Metadatas  []models.Metadata `json:"metadatas"`
	Embeddings [][]float32       `json:"embeddings"`
}

// NewBundle serializes records of scope.
func NewBundle(scope models.Scope, records []models.Memory, at time.Time) *Bundle {
	b := &Bundle{
		Version:    bundleVersion,
		Scope:      scope,
		CreatedAt:  at.UTC(),
		IDs:        make([]string, len(records)),
		Documents:  make([]string, len(records)),
		Metadatas:  make([]models.Metadata, len(records)),
		Embeddings: make([][]float32, len(records)),
	}
	for i := range records {
		b.IDs[i] = records[i].ID
		b.Documents[i] = records[i].Content
		b.Metadatas[i] = records[i].Meta()
		b.Embeddings[i] = records[i].Embedding
	}
	return b
}

// Len is the number of records in b.
func (b *Bundle) Len() int { return len(b.IDs) }

// Validate checks alignment, ids, vector dimensions and metadata before
// anything is written.
func (b *Bundle) Validate() error {
	const op = "backup.validate"
	if b.Version != bundleVersion {
		return apperr.Validation(op, "unsupported bundle version %d", b.Version)
	}
	if _, err := models.ParseScope(string(b.Scope), false); err != nil {
		return apperr.Validation(op, "%v", err)
	}
	n := len(b.IDs)
	if len(b.Documents) != n || len(b.Metadatas) != n || len(b.Embeddings) != n {
		return apperr.Validation(op, "misaligned bundle: %d ids, %d documents, %d metadatas, %d embeddings",
			n, len(b.Documents), len(b.Metadatas), len(b.Embeddings))
	}

	seen := make(map[string]bool, n)
	dim := 0
	for i, id := range b.IDs {
		if !hasher.IsDigest(id) {
			return apperr.Validation(op, "entry %d: malformed id %q", i, id)
		}
		if seen[id] {
			return apperr.Validation(op, "entry %d: duplicate id %s", i, id)
		}
		seen[id] = true

		if len(b.Embeddings[i]) == 0 {
			return apperr.Validation(op, "entry %d: empty embedding", i)
		}
		if dim == 0 {
			dim = len(b.Embeddings[i])
		} else if len(b.Embeddings[i]) != dim {
			return apperr.Validation(op, "entry %d: embedding has %d dimensions, want %d", i, len(b.Embeddings[i]), dim)
		}

		md := b.Metadatas[i]
		if md.Scope != b.Scope {
			return apperr.Validation(op, "entry %d: scope %q in a %q bundle", i, md.Scope, b.Scope)
		}
		if _, err := models.ParseMemoryType(string(md.MemoryType)); err != nil {
			return apperr.Validation(op, "entry %d: %v", i, err)
		}
	}
	return nil
}

// Records rebuilds memory records from b.
func (b *Bundle) Records() []models.Memory {
	out := make([]models.Memory, b.Len())
	for i := range out {
		md := b.Metadatas[i]
		tags := md.Tags
		if tags == nil {
			tags = []string{}
		}
		out[i] = models.Memory{
			ID:        b.IDs[i],
			Content:   b.Documents[i],
			Embedding: b.Embeddings[i],
			Type:      md.MemoryType,
			Tags:      tags,
			Scope:     md.Scope,
			Source:    md.Source,
			CreatedAt: md.CreatedAt,
		}
	}
	return out
}

// Load reads and validates a bundle file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: read %s: %w", path, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperr.Validation("backup.load", "decode %s: %v", path, err).WithPath(path)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
