package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mneme/internal/models"
)

func newChunker(t *testing.T, opts Options) *Chunker {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(Options{WindowSize: 100, Overlap: 100})
	assert.Error(t, err)
	_, err = New(Options{WindowSize: 100, Overlap: 10, MaxChunkSize: 50})
	assert.Error(t, err)
}

func TestChunk_EmptyInput(t *testing.T) {
	c := newChunker(t, Options{})
	for _, f := range []models.Format{models.FormatMarkdown, models.FormatGo, models.FormatYAML, "unknown"} {
		got := c.Chunk("x", "", f)
		assert.NotNil(t, got)
		assert.Empty(t, got)
		assert.Empty(t, c.Chunk("x", "  \n\t\n", f))
	}
}

func TestChunk_MarkdownThreeSections(t *testing.T) {
	c := newChunker(t, Options{})
	doc := "## A\nalpha body\n\n## B\nbeta body\n\n## C\ngamma body\n"

	chunks := c.Chunk("doc.md", doc, models.FormatMarkdown)
	require.Len(t, chunks, 3)
	for i, h := range []string{"## A", "## B", "## C"} {
		assert.True(t, strings.HasPrefix(chunks[i].Text, h), "chunk %d = %q", i, chunks[i].Text)
		assert.Equal(t, chunks[i].Text, doc[chunks[i].Start:chunks[i].End])
		assert.Equal(t, models.FormatMarkdown, chunks[i].Format)
		assert.Equal(t, "doc.md", chunks[i].Source)
	}

	edited := strings.Replace(doc, "beta body", "beta body, revised", 1)
	again := c.Chunk("doc.md", edited, models.FormatMarkdown)
	require.Len(t, again, 3)
	assert.Equal(t, chunks[0].Text, again[0].Text)
	assert.NotEqual(t, chunks[1].Text, again[1].Text)
	assert.Equal(t, chunks[2].Text, again[2].Text)
}

func TestChunk_MarkdownTitleFoldedAndFenceIgnored(t *testing.T) {
	c := newChunker(t, Options{})
	doc := "# Title\n\n## Setup\nrun it\n```sh\n## not a heading\n```\n\n## Usage\nuse it\n"

	chunks := c.Chunk("doc.md", doc, models.FormatMarkdown)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "# Title\n\n## Setup"))
	assert.Contains(t, chunks[0].Text, "## not a heading")
	assert.True(t, strings.HasPrefix(chunks[1].Text, "## Usage"))
}

func TestChunk_MarkdownPreamble(t *testing.T) {
	c := newChunker(t, Options{})
	chunks := c.Chunk("doc.md", "intro text\n\n## One\nbody\n", models.FormatMarkdown)
	require.Len(t, chunks, 2)
	assert.Equal(t, "intro text", chunks[0].Text)
	assert.Equal(t, "## One\nbody", chunks[1].Text)
}

func TestChunk_WindowOverlap(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 10, Overlap: 3, MaxChunkSize: 10})
	text := "abcdefghijklmnopqrstuvwxyz"

	chunks := c.Chunk("a.yaml", text, models.FormatYAML)
	require.Len(t, chunks, 4)
	assert.Equal(t, "abcdefghij", chunks[0].Text)
	assert.Equal(t, "hijklmnopq", chunks[1].Text)
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		assert.Equal(t, prev.End-3, chunks[i].Start, "window %d must overlap its predecessor", i)
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
}

func TestChunk_WindowRespectsRunes(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 5, Overlap: 1, MaxChunkSize: 5})
	text := strings.Repeat("é", 12)

	for _, ch := range c.Chunk("a.txt", text, models.FormatText) {
		assert.True(t, strings.Trim(ch.Text, "é") == "", "chunk %q splits a rune", ch.Text)
	}
}

func TestChunk_OversizedSectionHardSplit(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 50, Overlap: 5, MaxChunkSize: 80})
	doc := "## Big\n" + strings.Repeat("word ", 60) + "\n\n## Small\nshort\n"

	chunks := c.Chunk("doc.md", doc, models.FormatMarkdown)
	require.Greater(t, len(chunks), 2)
	for _, ch := range chunks[:len(chunks)-1] {
		assert.LessOrEqual(t, len(ch.Text), 80)
		require.True(t, strings.HasPrefix(ch.Text, "## Big\n"), "piece %q lost its heading", ch.Text)
		assert.Equal(t, strings.TrimPrefix(ch.Text, "## Big\n"), doc[ch.Start:ch.End])
	}
	assert.Equal(t, "## Small\nshort", chunks[len(chunks)-1].Text)
}

func TestChunk_HardSplitWithoutHeading(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 50, Overlap: 5, MaxChunkSize: 80})
	doc := strings.Repeat("word ", 60)

	chunks := c.Chunk("doc.md", doc, models.FormatMarkdown)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 80)
		assert.Equal(t, ch.Text, doc[ch.Start:ch.End])
	}
}

func TestChunk_GoDefinitions(t *testing.T) {
	c := newChunker(t, Options{})
	src := `package demo

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Box struct {
	N int
}

func (b Box) Double() int { return b.N * 2 }
`
	chunks := c.Chunk("demo.go", src, models.FormatGo)
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "package demo"), "preamble folds into first definition")
	assert.Contains(t, chunks[0].Text, "// Greet says hello.\nfunc Greet")
	assert.True(t, strings.HasPrefix(chunks[1].Text, "type Box struct"))
	assert.True(t, strings.HasPrefix(chunks[2].Text, "func (b Box) Double"))
}

func TestChunk_PythonDefinitions(t *testing.T) {
	c := newChunker(t, Options{})
	src := "def first():\n    return 1\n\n\n@decorator\ndef second():\n    return 2\n\n\nclass Third:\n    pass\n"

	chunks := c.Chunk("m.py", src, models.FormatPython)
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "def first"))
	assert.True(t, strings.HasPrefix(chunks[1].Text, "@decorator"))
	assert.True(t, strings.HasPrefix(chunks[2].Text, "class Third"))
}

func TestChunk_CodeWithoutDefinitionsFallsBack(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 20, Overlap: 2, MaxChunkSize: 20})
	src := strings.Repeat("x = 1\n", 10)

	chunks := c.Chunk("s.py", src, models.FormatPython)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 20)
	}
}

func TestChunk_Deterministic(t *testing.T) {
	c := newChunker(t, Options{WindowSize: 64, Overlap: 8, MaxChunkSize: 128})
	inputs := map[models.Format]string{
		models.FormatMarkdown:   "# T\n\n## A\n" + strings.Repeat("a ", 100) + "\n## B\nb\n",
		models.FormatGo:         "package p\n\nfunc A() {}\n\nfunc B() {}\n",
		models.FormatTypeScript: "export function a() {}\ninterface B { x: number }\n",
		models.FormatJSON:       strings.Repeat(`{"k": "v"},`, 40),
	}
	for f, text := range inputs {
		first := c.Chunk("src", text, f)
		second := c.Chunk("src", text, f)
		assert.Equal(t, first, second, "format %s", f)
	}
}
