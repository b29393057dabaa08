// Package export renders stored memories into context files for other
// tools: CLAUDE.md style markdown, AGENTS.md and .cursorrules.
package export

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
	"github.com/starford/mneme/internal/storage"
)

// Format selects a renderer.
type Format string

const (
	FormatMarkdown    Format = "markdown"
	FormatAgents      Format = "agents"
	FormatCursorRules Format = "cursorrules"
)

var defaultFiles = map[Format]string{
	FormatMarkdown:    "CLAUDE.md",
	FormatAgents:      "AGENTS.md",
	FormatCursorRules: ".cursorrules",
}

// ParseFormat validates a format name. Empty means markdown.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatMarkdown, nil
	}
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultFiles[f]; !ok {
		return "", apperr.Validation("export", "unknown format %q", s)
	}
	return f, nil
}

// DefaultFile is the conventional file name for f.
func (f Format) DefaultFile() string { return defaultFiles[f] }

// Options controls one render.
type Options struct {
	Format Format
	// Types keeps only these memory types. Empty keeps all.
	Types []models.MemoryType
	// Targets are the paths the rendered document will be written to.
	// Records sourced from any of them are left out.
	Targets []string
	// Title overrides the document heading.
	Title string
}

// Document is a rendered export. It is never stored.
type Document struct {
	Format   Format `json:"format"`
	Content  string `json:"content"`
	Included int    `json:"included"`
	Excluded int    `json:"excluded"`
	Path     string `json:"path,omitempty"`
}

var sectionTitles = map[models.MemoryType]string{
	models.TypeDecision:     "Decisions",
	models.TypeBugfix:       "Bug Fixes",
	models.TypeArchitecture: "Architecture",
	models.TypePreference:   "Preferences",
	models.TypeSnippet:      "Snippets",
	models.TypeContext:      "Context",
	models.TypeDocument:     "Documents",
}

// Render groups records by memory type and renders them in opts.Format.
// Records whose source is one of opts.Targets are excluded.
func Render(records []models.Memory, opts Options) (*Document, error) {
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	if _, ok := defaultFiles[opts.Format]; !ok {
		return nil, apperr.Validation("export", "unknown format %q", opts.Format)
	}

	targets := make(map[string]bool, len(opts.Targets))
	for _, t := range opts.Targets {
		targets[hasher.NormalizePath(t)] = true
	}
	wanted := make(map[models.MemoryType]bool, len(opts.Types))
	for _, t := range opts.Types {
		wanted[t] = true
	}

	doc := &Document{Format: opts.Format}
	groups := map[models.MemoryType][]models.Memory{}
	for _, r := range records {
		if len(wanted) > 0 && !wanted[r.Type] {
			continue
		}
		if isTarget(r.Source, targets) {
			doc.Excluded++
			continue
		}
		groups[r.Type] = append(groups[r.Type], r)
		doc.Included++
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			if !g[i].CreatedAt.Equal(g[j].CreatedAt) {
				return g[i].CreatedAt.After(g[j].CreatedAt)
			}
			return g[i].ID < g[j].ID
		})
	}

	var b strings.Builder
	switch opts.Format {
	case FormatMarkdown:
		renderMarkdown(&b, groups, title(opts.Title, "Project Memory"), false)
	case FormatAgents:
		renderMarkdown(&b, groups, title(opts.Title, "Agent Guidelines"), true)
	case FormatCursorRules:
		renderCursorRules(&b, groups)
	}
	doc.Content = b.String()
	return doc, nil
}

func isTarget(source string, targets map[string]bool) bool {
	if len(targets) == 0 || !filepath.IsAbs(source) {
		return false
	}
	return targets[hasher.NormalizePath(source)]
}

func title(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

const generatedNote = "<!-- generated by mneme export; edits are overwritten -->"

func renderMarkdown(b *strings.Builder, groups map[models.MemoryType][]models.Memory, heading string, attribute bool) {
	fmt.Fprintf(b, "# %s\n\n%s\n", heading, generatedNote)
	for _, typ := range models.MemoryTypes {
		recs := groups[typ]
		if len(recs) == 0 {
			continue
		}
		fmt.Fprintf(b, "\n## %s\n\n", sectionTitles[typ])
		for _, r := range recs {
			b.WriteString("- ")
			b.WriteString(indent(strings.TrimSpace(r.Content), "  "))
			if attribute && r.Source != "" {
				fmt.Fprintf(b, " _(source: %s)_", filepath.Base(r.Source))
			}
			b.WriteString("\n")
		}
	}
}

func renderCursorRules(b *strings.Builder, groups map[models.MemoryType][]models.Memory) {
	b.WriteString("# generated by mneme export; edits are overwritten\n")
	for _, typ := range models.MemoryTypes {
		for _, r := range groups[typ] {
			fmt.Fprintf(b, "[%s] %s\n", typ, strings.Join(strings.Fields(r.Content), " "))
		}
	}
}

// indent prefixes every line after the first so multi-line content stays
// inside its list item.
func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// Write atomically writes doc to path and records the path on doc.
func Write(doc *Document, path string) error {
	abs := hasher.NormalizePath(path)
	fs, err := storage.NewFS(filepath.Dir(abs))
	if err != nil {
		return apperr.Validation("export", "output directory: %v", err).WithPath(abs)
	}
	if err := fs.Write(filepath.Base(abs), []byte(doc.Content)); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	doc.Path = abs
	return nil
}
