package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mem(id, content string, typ models.MemoryType, source string, age time.Duration) models.Memory {
	return models.Memory{ID: id, Content: content, Type: typ, Source: source, Scope: models.ScopeProject, CreatedAt: t0.Add(-age)}
}

func TestRender_MarkdownGroupsByType(t *testing.T) {
	recs := []models.Memory{
		mem("1", "Use PostgreSQL", models.TypeDecision, "manual", time.Hour),
		mem("2", "Fixed nil map in cache", models.TypeBugfix, "manual", 0),
		mem("3", "Prefer table tests", models.TypePreference, "manual", 0),
		mem("4", "Adopt chi for routing", models.TypeDecision, "manual", 0),
	}
	doc, err := Render(recs, Options{Format: FormatMarkdown})
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Included)

	c := doc.Content
	assert.True(t, strings.HasPrefix(c, "# Project Memory\n"))
	assert.Less(t, strings.Index(c, "## Decisions"), strings.Index(c, "## Preferences"))
	assert.Less(t, strings.Index(c, "## Preferences"), strings.Index(c, "## Bug Fixes"))
	assert.Less(t, strings.Index(c, "- Adopt chi for routing"), strings.Index(c, "- Use PostgreSQL"), "newest first")
	assert.NotContains(t, c, "## Context")
}

func TestRender_TypeFilter(t *testing.T) {
	recs := []models.Memory{
		mem("1", "Use PostgreSQL", models.TypeDecision, "manual", 0),
		mem("2", "Fixed nil map", models.TypeBugfix, "manual", 0),
	}
	doc, err := Render(recs, Options{Format: FormatMarkdown, Types: []models.MemoryType{models.TypeBugfix}})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Included)
	assert.Contains(t, doc.Content, "Fixed nil map")
	assert.NotContains(t, doc.Content, "PostgreSQL")
}

func TestRender_ExcludesOwnTargets(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "CLAUDE.md")
	require.NoError(t, os.WriteFile(target, []byte("# old export"), 0o644))

	recs := []models.Memory{
		mem("1", "previously exported text", models.TypeDocument, target, 0),
		mem("2", "Use PostgreSQL", models.TypeDecision, "manual", 0),
		mem("3", "design notes", models.TypeDocument, filepath.Join(dir, "notes.md"), 0),
	}
	doc, err := Render(recs, Options{Format: FormatMarkdown, Targets: []string{dir + "/./CLAUDE.md"}})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Excluded)
	assert.Equal(t, 2, doc.Included)
	assert.NotContains(t, doc.Content, "previously exported text")
	assert.Contains(t, doc.Content, "design notes")
}

func TestRender_AgentsAttributesSource(t *testing.T) {
	recs := []models.Memory{mem("1", "Adopt chi", models.TypeDecision, "/repo/docs/adr.md", 0)}
	doc, err := Render(recs, Options{Format: FormatAgents})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc.Content, "# Agent Guidelines\n"))
	assert.Contains(t, doc.Content, "- Adopt chi _(source: adr.md)_")
}

func TestRender_CursorRulesSingleLine(t *testing.T) {
	recs := []models.Memory{mem("1", "never use\n  global state", models.TypePreference, "manual", 0)}
	doc, err := Render(recs, Options{Format: FormatCursorRules})
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "[preference] never use global state\n")
}

func TestRender_MultilineStaysInItem(t *testing.T) {
	recs := []models.Memory{mem("1", "line one\nline two", models.TypeSnippet, "manual", 0)}
	doc, err := Render(recs, Options{})
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "- line one\n  line two\n")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)
	assert.Equal(t, ".cursorrules", FormatCursorRules.DefaultFile())

	_, err = ParseFormat("html")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWrite_Atomic(t *testing.T) {
	dir := t.TempDir()
	doc := &Document{Format: FormatMarkdown, Content: "# Project Memory\n"}
	require.NoError(t, Write(doc, filepath.Join(dir, "CLAUDE.md")))

	data, err := os.ReadFile(filepath.Join(dir, "CLAUDE.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Project Memory\n", string(data))
	assert.NotEmpty(t, doc.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRender_TargetThroughSymlinkedDirNotYetWritten(t *testing.T) {
	realDir := t.TempDir()
	link := filepath.Join(t.TempDir(), "proj")
	if err := os.Symlink(realDir, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(realDir)
	require.NoError(t, err)
	source := filepath.Join(resolved, "AGENTS.md")

	recs := []models.Memory{mem("1", "exported before", models.TypeDocument, source, 0)}
	doc, err := Render(recs, Options{Format: FormatAgents, Targets: []string{filepath.Join(link, "AGENTS.md")}})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Excluded)

	require.NoError(t, Write(doc, filepath.Join(link, "AGENTS.md")))
	assert.Equal(t, source, doc.Path)
}
