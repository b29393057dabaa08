package models

import (
	"path/filepath"
	"strings"
	"time"
)

// Format is the declared format of a source. It selects the chunking strategy.
type Format string

const (
	FormatMarkdown   Format = "markdown"
	FormatText       Format = "text"
	FormatGo         Format = "go"
	FormatPython     Format = "python"
	FormatJavaScript Format = "javascript"
	FormatTypeScript Format = "typescript"
	FormatJSON       Format = "json"
	FormatYAML       Format = "yaml"
	FormatTOML       Format = "toml"
	FormatShell      Format = "shell"
)

var extFormats = map[string]Format{
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".txt":      FormatText,
	".go":       FormatGo,
	".py":       FormatPython,
	".js":       FormatJavaScript,
	".jsx":      FormatJavaScript,
	".mjs":      FormatJavaScript,
	".ts":       FormatTypeScript,
	".tsx":      FormatTypeScript,
	".json":     FormatJSON,
	".yaml":     FormatYAML,
	".yml":      FormatYAML,
	".toml":     FormatTOML,
	".sh":       FormatShell,
	".bash":     FormatShell,
	".fish":     FormatShell,
}

// FormatForPath returns the format registered for path's extension.
func FormatForPath(path string) (Format, bool) {
	f, ok := extFormats[strings.ToLower(filepath.Ext(path))]
	return f, ok
}

// Chunk is a contiguous span of source text. It is never persisted directly.
type Chunk struct {
	Text   string
	Source string
	Start  int // byte offset, inclusive
	End    int // byte offset, exclusive
	Format Format
}

// SourceMeta describes one indexable file found under a watched root.
type SourceMeta struct {
	Path      string    `json:"path"` // normalized absolute path
	Rel       string    `json:"rel"`  // relative to the root it was listed from
	Format    Format    `json:"format"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}
