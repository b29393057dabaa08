// Package models defines the domain types for mneme.
package models

import (
	"fmt"
	"time"
)

// Scope partitions memory into independent collections.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
	// ScopeAll is only valid for queries; it fans out over every scope.
	ScopeAll Scope = "all"
)

// StorageScopes lists the scopes that own a physical collection.
var StorageScopes = []Scope{ScopeProject, ScopeGlobal}

// ParseScope validates s. allowAll permits ScopeAll.
func ParseScope(s string, allowAll bool) (Scope, error) {
	switch Scope(s) {
	case ScopeProject, ScopeGlobal:
		return Scope(s), nil
	case ScopeAll:
		if allowAll {
			return ScopeAll, nil
		}
	}
	return "", fmt.Errorf("invalid scope %q", s)
}

// MemoryType classifies a record.
type MemoryType string

const (
	TypeContext      MemoryType = "context"
	TypeDecision     MemoryType = "decision"
	TypeBugfix       MemoryType = "bugfix"
	TypeArchitecture MemoryType = "architecture"
	TypePreference   MemoryType = "preference"
	TypeSnippet      MemoryType = "snippet"
	// TypeDocument marks chunks produced by indexing source files.
	TypeDocument MemoryType = "document"
)

// MemoryTypes lists every valid memory type in export order.
var MemoryTypes = []MemoryType{
	TypeDecision, TypeArchitecture, TypePreference, TypeBugfix, TypeSnippet, TypeContext, TypeDocument,
}

// ParseMemoryType validates s.
func ParseMemoryType(s string) (MemoryType, error) {
	for _, t := range MemoryTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid memory type %q", s)
}

// Memory is a stored, embedded unit of retrievable knowledge.
// A record is never mutated in place; re-indexing replaces it by id.
type Memory struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Embedding []float32  `json:"-"`
	Type      MemoryType `json:"memory_type"`
	Tags      []string   `json:"tags"`
	Scope     Scope      `json:"scope"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}

// Metadata is the per-record metadata persisted next to the vector.
type Metadata struct {
	MemoryType MemoryType `json:"memory_type"`
	Tags       []string   `json:"tags"`
	Source     string     `json:"source"`
	Scope      Scope      `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Meta returns m's metadata.
func (m *Memory) Meta() Metadata {
	return Metadata{
		MemoryType: m.Type,
		Tags:       m.Tags,
		Source:     m.Source,
		Scope:      m.Scope,
		CreatedAt:  m.CreatedAt,
	}
}

// ScoredMemory is a query hit. Score is cosine similarity.
type ScoredMemory struct {
	Memory
	Score float64 `json:"score"`
}
