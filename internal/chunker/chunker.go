// Package chunker splits source text into retrievable chunks.
//
// The strategy is picked from the declared format carried with the source:
// markdown splits at headings, code splits at top-level definitions, and every
// other format uses fixed windows with overlap. Output is deterministic.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/mneme/internal/models"
)

// Defaults applied when Options fields are zero.
const (
	DefaultWindowSize   = 500
	DefaultOverlap      = 50
	DefaultMaxChunkSize = 2000
)

// Options tune the chunker.
type Options struct {
	WindowSize   int
	Overlap      int
	MaxChunkSize int
}

type span struct{ start, end int }

// strategy is the closed set of splitting rules.
type strategy interface {
	split(text string) []span
}

// Chunker turns text into chunks. It is safe for concurrent use.
type Chunker struct {
	opts   Options
	window windowStrategy
}

// New returns a Chunker. Invalid options are rejected.
func New(opts Options) (*Chunker, error) {
	if opts.WindowSize == 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.WindowSize < 1 || opts.Overlap < 0 || opts.Overlap >= opts.WindowSize {
		return nil, fmt.Errorf("chunker: overlap %d must be in [0, window %d)", opts.Overlap, opts.WindowSize)
	}
	if opts.MaxChunkSize < opts.WindowSize {
		return nil, fmt.Errorf("chunker: max chunk size %d below window %d", opts.MaxChunkSize, opts.WindowSize)
	}
	return &Chunker{
		opts:   opts,
		window: windowStrategy{size: opts.WindowSize, overlap: opts.Overlap},
	}, nil
}

func (c *Chunker) strategyFor(format models.Format) strategy {
	switch format {
	case models.FormatMarkdown:
		return markdownStrategy{}
	case models.FormatGo, models.FormatPython, models.FormatJavaScript, models.FormatTypeScript:
		return codeStrategy{format: format, fallback: c.window}
	default:
		return c.window
	}
}

// Chunk splits text from source according to format.
// Empty or blank input yields an empty slice.
func (c *Chunker) Chunk(source, text string, format models.Format) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return []models.Chunk{}
	}
	spans := c.strategyFor(format).split(text)

	out := make([]models.Chunk, 0, len(spans))
	for _, sp := range spans {
		if sp.end-sp.start > c.opts.MaxChunkSize {
			out = append(out, c.hardSplit(source, text, sp, format)...)
			continue
		}
		out = append(out, models.Chunk{
			Text:   text[sp.start:sp.end],
			Source: source,
			Start:  sp.start,
			End:    sp.end,
			Format: format,
		})
	}
	return out
}

// hardSplit windows a span larger than MaxChunkSize. Every piece of an
// oversized markdown section starts with the section's heading line; Start
// and End then locate the body text only.
func (c *Chunker) hardSplit(source, text string, sp span, format models.Format) []models.Chunk {
	heading, bodyStart := "", sp.start
	if format == models.FormatMarkdown {
		seg := text[sp.start:sp.end]
		if nl := strings.IndexByte(seg, '\n'); nl > 0 {
			line := strings.TrimRight(seg[:nl], "\r")
			if isSectionHeading(line) && len(line)+1 <= c.opts.MaxChunkSize/2 {
				heading, bodyStart = line, sp.start+nl+1
			}
		}
	}

	win := c.window
	if heading != "" {
		win.size = min(win.size, c.opts.MaxChunkSize-len(heading)-1)
		win.overlap = min(win.overlap, win.size-1)
	}
	subs := win.split(text[bodyStart:sp.end])
	out := make([]models.Chunk, 0, len(subs))
	for _, sub := range subs {
		body := text[bodyStart+sub.start : bodyStart+sub.end]
		if heading != "" {
			body = heading + "\n" + body
		}
		out = append(out, models.Chunk{
			Text:   body,
			Source: source,
			Start:  bodyStart + sub.start,
			End:    bodyStart + sub.end,
			Format: format,
		})
	}
	return out
}

// trim narrows [start,end) to exclude surrounding whitespace.
// ok is false when nothing but whitespace remains.
func trim(text string, start, end int) (span, bool) {
	seg := text[start:end]
	left := strings.TrimLeftFunc(seg, unicode.IsSpace)
	start += len(seg) - len(left)
	end = start + len(strings.TrimRightFunc(left, unicode.IsSpace))
	return span{start, end}, end > start
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}
