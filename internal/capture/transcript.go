package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/starford/mneme/internal/hasher"
)

const (
	// MaxLineBytes bounds one JSONL line; longer lines are skipped.
	MaxLineBytes = 1_000_000
	// MaxFileBytes bounds one transcript; larger files are skipped.
	MaxFileBytes = 100_000_000
)

// SegmentKind tells assistant text apart from session summaries.
type SegmentKind string

const (
	KindAssistant SegmentKind = "assistant"
	KindSummary   SegmentKind = "summary"
)

// Segment is one piece of transcript text.
type Segment struct {
	Kind      SegmentKind
	Text      string
	Timestamp time.Time
}

// Transcript is the capturable content of one session file.
type Transcript struct {
	Source   string
	Segments []Segment
}

// ErrSkipped is returned for transcripts rejected before reading.
var ErrSkipped = errors.New("transcript skipped")

// ParseFile reads a JSONL session file. Symlinks and files above
// MaxFileBytes are rejected with ErrSkipped. The transcript's Source is the
// normalized path, so every spelling of a file yields the same record ids.
func ParseFile(path string, logger *slog.Logger) (*Transcript, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("capture: stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: symlink %s", ErrSkipped, path)
	}
	if info.Size() > MaxFileBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSkipped, path, info.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(hasher.NormalizePath(path), f, logger)
}

// Parse reads JSONL transcript lines from r. Malformed lines are skipped.
func Parse(source string, r io.Reader, logger *slog.Logger) (*Transcript, error) {
	tr := &Transcript{Source: source}
	br := bufio.NewReaderSize(r, 64*1024)
	for n := 1; ; n++ {
		line, tooLong, err := readLine(br, MaxLineBytes)
		if tooLong {
			logger.Warn("capture: skipping oversized line", slog.String("path", source), slog.Int("line", n))
		} else if len(line) > 0 {
			tr.Segments = append(tr.Segments, segments(line)...)
		}
		if errors.Is(err, io.EOF) {
			return tr, nil
		}
		if err != nil {
			return nil, fmt.Errorf("capture: read %s: %w", source, err)
		}
	}
}

// readLine returns the next line without its newline. Lines longer than limit
// are consumed and reported as tooLong.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if n := len(line); n > 0 && line[n-1] == '\n' {
			line = line[:n-1]
		}
		return line, tooLong, err
	}
}

func segments(line []byte) []Segment {
	if !gjson.ValidBytes(line) {
		return nil
	}
	msg := gjson.ParseBytes(line)
	if !msg.IsObject() {
		return nil
	}
	ts := parseTime(msg.Get("timestamp").String())

	switch msg.Get("type").String() {
	case "assistant":
		content := msg.Get("message.content")
		if content.Type == gjson.String {
			return []Segment{{Kind: KindAssistant, Text: content.String(), Timestamp: ts}}
		}
		var out []Segment
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				out = append(out, Segment{Kind: KindAssistant, Text: block.Get("text").String(), Timestamp: ts})
			}
			return true
		})
		return out
	case "summary":
		if s := msg.Get("summary").String(); s != "" {
			return []Segment{{Kind: KindSummary, Text: s, Timestamp: ts}}
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Discover lists <dir>/*/*.jsonl session files, newest first, at most limit
// (zero means no limit). Symlinked directories and files are ignored. A
// missing dir yields no sessions.
func Discover(dir string, limit int) ([]string, error) {
	projects, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capture: read sessions dir: %w", err)
	}

	type session struct {
		path string
		mod  time.Time
	}
	var found []session
	for _, p := range projects {
		if !p.IsDir() || p.Type()&fs.ModeSymlink != 0 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, p.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || e.Type()&fs.ModeSymlink != 0 || filepath.Ext(e.Name()) != ".jsonl" {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			found = append(found, session{path: filepath.Join(dir, p.Name(), e.Name()), mod: info.ModTime()})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]string, len(found))
	for i, s := range found {
		out[i] = s.path
	}
	return out, nil
}
