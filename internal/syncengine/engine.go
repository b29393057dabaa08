// Package syncengine reconciles watched sources against the recorded sync
// state and re-indexes only what changed.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/models"
	"github.com/starford/mneme/internal/parser"
	"github.com/starford/mneme/internal/storage"
)

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EventCallback is called after a source is indexed or removed, and with
// kind "completed" and an empty path after a watch-triggered sync changed
// the scope.
type EventCallback func(kind string, path string)

// Report summarizes one sync pass.
type Report struct {
	Scope    models.Scope `json:"scope"`
	Scanned  int          `json:"scanned"`
	Indexed  int          `json:"indexed"`
	Skipped  int          `json:"skipped"`
	Removed  int          `json:"removed"`
	Failed   int          `json:"failed"`
	Upserted int          `json:"upserted"`
	Deleted  int          `json:"deleted"`
	Errors   []FileError  `json:"errors,omitempty"`
	// Incomplete lists roots that could not be fully listed. Records under
	// them are never treated as stale.
	Incomplete []string `json:"incomplete,omitempty"`
}

// FileError describes a source that could not be indexed.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Engine runs sync passes for one scope.
type Engine struct {
	store        *memstore.Store
	stateFS      storage.Provider
	chunker      *chunker.Chunker
	embedder     Embedder
	logger       *slog.Logger
	batchSize    int
	maxFileSize  int64
	allowedRoots []string
	onEvent      EventCallback
	now          func() time.Time
	listFS       func(*storage.FS) ([]models.SourceMeta, error)

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets how many chunks are embedded and upserted together.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithAllowedRoots restricts indexing to paths under roots. Empty allows any.
func WithAllowedRoots(roots []string) Option {
	return func(e *Engine) {
		for _, r := range roots {
			e.allowedRoots = append(e.allowedRoots, hasher.NormalizePath(r))
		}
	}
}

// WithMaxFileSize skips sources larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(e *Engine) { e.maxFileSize = n }
}

// WithEventCallback registers cb for per-source events.
func WithEventCallback(cb EventCallback) Option {
	return func(e *Engine) { e.onEvent = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine that keeps its state next to store.
func New(store *memstore.Store, ch *chunker.Chunker, embedder Embedder, opts ...Option) (*Engine, error) {
	stateFS, err := storage.NewFS(store.Dir())
	if err != nil {
		return nil, fmt.Errorf("syncengine: state dir: %w", err)
	}
	e := &Engine{
		store:       store,
		stateFS:     stateFS,
		chunker:     ch,
		embedder:    embedder,
		logger:      slog.Default(),
		batchSize:   32,
		maxFileSize: storage.DefaultMaxFileSize,
		now:         func() time.Time { return time.Now().UTC() },
		listFS:      func(fs *storage.FS) ([]models.SourceMeta, error) { return fs.List("") },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("scope", string(store.Scope())))
	return e, nil
}

// Roots returns the watched roots recorded in the sync state.
func (e *Engine) Roots() ([]string, error) {
	st, err := loadState(e.stateFS, e.logger)
	if err != nil {
		return nil, err
	}
	return st.Roots, nil
}

// Entries returns how many sources the sync state claims.
func (e *Engine) Entries() (int, error) {
	st, err := loadState(e.stateFS, e.logger)
	if err != nil {
		return 0, err
	}
	return len(st.Entries), nil
}

// Forget drops the sync state entries of paths so the next sync indexes
// them again. Roots are kept.
func (e *Engine) Forget(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	return e.updateState(func(st *State) bool {
		changed := false
		for _, p := range paths {
			if _, ok := st.Entries[p]; ok {
				delete(st.Entries, p)
				changed = true
			}
		}
		return changed
	})
}

// ClearEntries drops every sync state entry and keeps the roots, for use
// after the collection was emptied or replaced.
func (e *Engine) ClearEntries() error {
	return e.updateState(func(st *State) bool {
		if len(st.Entries) == 0 {
			return false
		}
		st.Entries = map[string]Entry{}
		return true
	})
}

func (e *Engine) updateState(fn func(*State) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadState(e.stateFS, e.logger)
	if err != nil {
		return err
	}
	if !fn(st) {
		return nil
	}
	if err := saveState(e.stateFS, st); err != nil {
		return fmt.Errorf("syncengine: save state: %w", err)
	}
	return nil
}

// Index adds paths to the watched roots and syncs them all.
func (e *Engine) Index(ctx context.Context, paths []string) (*Report, error) {
	if len(paths) == 0 {
		return nil, apperr.Validation("sync.index", "no paths given").WithScope(string(e.store.Scope()))
	}
	return e.run(ctx, paths)
}

// Sync reconciles the watched roots: changed sources are re-indexed,
// unchanged ones skipped, and sources that disappeared are removed.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	return e.run(ctx, nil)
}

func (e *Engine) run(ctx context.Context, add []string) (*Report, error) {
	scope := string(e.store.Scope())
	roots := make([]string, 0, len(add))
	for _, p := range add {
		root, err := e.checkRoot(p)
		if err != nil {
			return nil, err.WithScope(scope)
		}
		roots = append(roots, root)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := loadState(e.stateFS, e.logger)
	if err != nil {
		return nil, err
	}
	dirty := st.addRoots(roots...)

	sources, liveRoots, incomplete := e.listSources(st.Roots)
	if len(liveRoots) != len(st.Roots) {
		st.Roots = liveRoots
		dirty = true
	}

	rep := &Report{Scope: e.store.Scope(), Scanned: len(sources), Incomplete: incomplete}
	var fatal error
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		seen[src.meta.Path] = struct{}{}
		if fatal != nil {
			continue
		}
		if ctx.Err() != nil {
			fatal = ctx.Err()
			continue
		}
		if prev, ok := st.Entries[src.meta.Path]; ok && prev.Hash == src.meta.Checksum {
			rep.Skipped++
			continue
		}

		upserted, deleted, err := e.indexSource(ctx, src)
		rep.Upserted += upserted
		rep.Deleted += deleted
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, FileError{Path: src.meta.Path, Error: err.Error()})
			e.logger.Warn("sync: index failed", slog.String("path", src.meta.Path), slog.String("error", err.Error()))
			if errors.Is(err, apperr.ErrUnavailable) {
				fatal = err
			}
			continue
		}
		st.Entries[src.meta.Path] = Entry{Hash: src.meta.Checksum, IndexedAt: e.now()}
		dirty = true
		rep.Indexed++
		e.logger.Debug("sync: indexed", slog.String("path", src.meta.Path), slog.Int("count", upserted))
		e.emit("indexed", src.meta.Path)
	}

	if fatal == nil {
		for path := range st.Entries {
			if _, ok := seen[path]; ok || under(path, incomplete) {
				continue
			}
			n, err := e.store.DeleteBySource(ctx, path)
			if err != nil {
				rep.Failed++
				rep.Errors = append(rep.Errors, FileError{Path: path, Error: err.Error()})
				continue
			}
			delete(st.Entries, path)
			dirty = true
			rep.Removed++
			rep.Deleted += n
			e.logger.Debug("sync: removed stale", slog.String("path", path))
			e.emit("removed", path)
		}
	}

	if dirty {
		if err := saveState(e.stateFS, st); err != nil {
			return rep, fmt.Errorf("syncengine: save state: %w", err)
		}
	}
	if fatal != nil {
		return rep, fatal
	}
	return rep, nil
}

func (e *Engine) emit(kind, path string) {
	if e.onEvent != nil {
		e.onEvent(kind, path)
	}
}

// checkRoot normalizes p and enforces the allowed roots.
func (e *Engine) checkRoot(p string) (string, *apperr.Error) {
	if strings.TrimSpace(p) == "" {
		return "", apperr.Validation("sync.index", "empty path")
	}
	root := hasher.NormalizePath(p)
	if len(e.allowedRoots) == 0 {
		return root, nil
	}
	for _, allowed := range e.allowedRoots {
		if root == allowed || strings.HasPrefix(root, allowed+string(os.PathSeparator)) {
			return root, nil
		}
	}
	return "", apperr.Validation("sync.index", "path outside allowed roots").WithPath(root)
}

// under reports whether path is one of roots or inside one.
func under(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || strings.HasPrefix(path, r+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

type source struct {
	fs   storage.Provider
	meta models.SourceMeta
}

// listSources expands roots into sources. Roots that no longer exist are
// dropped from the returned live set. Live roots that could not be fully
// listed are returned as incomplete.
func (e *Engine) listSources(roots []string) (out []source, live, incomplete []string) {
	live = make([]string, 0, len(roots))
	seen := map[string]bool{}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("sync: stat root failed", slog.String("path", root), slog.String("error", err.Error()))
				live = append(live, root)
				incomplete = append(incomplete, root)
			}
			continue
		}
		live = append(live, root)

		if !info.IsDir() {
			fs, err := storage.NewFS(filepath.Dir(root), storage.WithMaxFileSize(e.maxFileSize))
			if err != nil {
				incomplete = append(incomplete, root)
				continue
			}
			meta, err := fs.Meta(filepath.Base(root))
			if err != nil {
				e.logger.Warn("sync: skip source", slog.String("path", root), slog.String("error", err.Error()))
				if !errors.Is(err, os.ErrNotExist) {
					incomplete = append(incomplete, root)
				}
				continue
			}
			if !seen[meta.Path] {
				seen[meta.Path] = true
				out = append(out, source{fs: fs, meta: meta})
			}
			continue
		}

		fs, err := storage.NewFS(root, storage.WithMaxFileSize(e.maxFileSize))
		if err != nil {
			incomplete = append(incomplete, root)
			continue
		}
		metas, err := e.listFS(fs)
		if err != nil {
			e.logger.Warn("sync: list root incomplete", slog.String("path", root), slog.String("error", err.Error()))
			incomplete = append(incomplete, root)
		}
		for _, m := range metas {
			if !seen[m.Path] {
				seen[m.Path] = true
				out = append(out, source{fs: fs, meta: m})
			}
		}
	}
	return out, live, incomplete
}

// indexSource stores the chunks of src that are not stored yet and deletes
// the ones that no longer occur. Batches written before a failure stay:
// ids are content addressed, so the retry rewrites nothing it already has.
func (e *Engine) indexSource(ctx context.Context, src source) (upserted, deleted int, err error) {
	data, err := src.fs.Read(src.meta.Rel)
	if err != nil {
		return 0, 0, err
	}
	if hasher.Sum(data) != src.meta.Checksum {
		return 0, 0, fmt.Errorf("source changed while indexing")
	}

	records := e.buildRecords(src.meta, data)
	existing, err := e.store.IDsBySource(ctx, src.meta.Path)
	if err != nil {
		return 0, 0, err
	}

	keep := make(map[string]struct{}, len(records))
	var missing []models.Memory
	for _, r := range records {
		keep[r.ID] = struct{}{}
		if _, ok := existing[r.ID]; !ok {
			missing = append(missing, r)
		}
	}

	for start := 0; start < len(missing); start += e.batchSize {
		batch := missing[start:min(start+e.batchSize, len(missing))]
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Content
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return upserted, 0, err
		}
		for i := range batch {
			batch[i].Embedding = vecs[i]
		}
		if err := e.store.Upsert(ctx, batch); err != nil {
			return upserted, 0, err
		}
		upserted += len(batch)
	}

	var stale []string
	for id := range existing {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		deleted, err = e.store.Delete(ctx, stale)
		if err != nil {
			return upserted, deleted, err
		}
	}
	return upserted, deleted, nil
}

// buildRecords chunks a source into records without vectors. Identical
// chunks within one source collapse to one record.
func (e *Engine) buildRecords(meta models.SourceMeta, data []byte) []models.Memory {
	text := string(data)
	memType := models.TypeDocument
	tags := []string{string(meta.Format)}

	if meta.Format == models.FormatMarkdown {
		if res, err := parser.Parse(data); err == nil {
			text = res.Body
			tags = append(tags, res.Tags...)
			if t, err := models.ParseMemoryType(res.Type); err == nil {
				memType = t
			}
		}
	}

	scope := e.store.Scope()
	now := e.now()
	chunks := e.chunker.Chunk(meta.Path, text, meta.Format)

	out := make([]models.Memory, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		id := hasher.RecordID(c.Text, meta.Path, string(scope))
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, models.Memory{
			ID:        id,
			Content:   c.Text,
			Type:      memType,
			Tags:      tags,
			Scope:     scope,
			Source:    meta.Path,
			CreatedAt: now,
		})
	}
	return out
}
