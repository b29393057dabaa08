package memoryservice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/backup"
	"github.com/starford/mneme/internal/capture"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/export"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/models"
)

// RequestDestructive issues a confirm token for a destructive operation.
func (s *Service) RequestDestructive(kind destructive.Kind, scope models.Scope) (destructive.Ticket, error) {
	return s.guard.Request(kind, scope)
}

func (s *Service) confirm(op string, token string, kind destructive.Kind) (*destructive.Operation, *scopeHandle, error) {
	if token == "" {
		return nil, nil, apperr.ConfirmationRequired(op)
	}
	capability, err := s.guard.Confirm(token)
	if err != nil {
		return nil, nil, err
	}
	if capability.Kind() != kind {
		return nil, nil, &apperr.Error{
			Kind:  apperr.KindConfirmationRequired,
			Op:    op,
			Scope: string(capability.Scope()),
			Err:   fmt.Errorf("token was issued for %s", capability.Kind()),
		}
	}
	h, err := s.handle(op, capability.Scope())
	if err != nil {
		return nil, nil, err
	}
	return capability, h, nil
}

// ForgetByQuery deletes every record of the token's scope whose similarity
// to query is at least threshold.
func (s *Service) ForgetByQuery(ctx context.Context, token, query string, threshold float64) ([]string, error) {
	const op = "memory.forget_by_query"
	if query == "" {
		return nil, apperr.Validation(op, "empty query")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, apperr.Validation(op, "threshold %v outside (0,1]", threshold)
	}
	capability, h, err := s.confirm(op, token, destructive.DeleteByQuery)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	deleted, err := h.store.DeleteByQuery(ctx, capability, vec, threshold)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(deleted))
	for id := range deleted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, s.forgetSources(op, h, deleted)
}

// forgetSources drops the sync state of indexed sources that lost records,
// so the next sync indexes them again.
func (s *Service) forgetSources(op string, h *scopeHandle, deleted map[string]string) error {
	seen := map[string]bool{}
	var paths []string
	for _, src := range deleted {
		if src != "" && !seen[src] {
			seen[src] = true
			paths = append(paths, src)
		}
	}
	if err := h.engine.Forget(paths...); err != nil {
		return fmt.Errorf("%s: update sync state: %w", op, err)
	}
	return nil
}

// Reset backs up and then clears the token's scope. It returns the backup path.
func (s *Service) Reset(ctx context.Context, token string) (string, error) {
	capability, h, err := s.confirm("memory.reset", token, destructive.Reset)
	if err != nil {
		return "", err
	}
	path, err := h.store.Reset(ctx, capability, s.backups)
	if err != nil {
		return "", err
	}
	if err := h.engine.ClearEntries(); err != nil {
		return path, fmt.Errorf("memory.reset: clear sync state: %w", err)
	}
	return path, nil
}

// Backup writes a bundle of scope, or of each scope for all.
func (s *Service) Backup(ctx context.Context, scope models.Scope) ([]*backup.Result, error) {
	scopes, err := s.targets("memory.backup", scope, true)
	if err != nil {
		return nil, err
	}
	var out []*backup.Result
	for _, sc := range scopes {
		res, err := s.backups.Backup(ctx, s.scopes[sc].store)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// RestoreRequest restores a bundle file into the scope it was taken from.
type RestoreRequest struct {
	Path  string      `json:"path"`
	Mode  backup.Mode `json:"mode"`
	Token string      `json:"token,omitempty"`
}

// Restore applies a bundle. Replace needs a restore_replace token for the
// bundle's scope.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*backup.Result, error) {
	const op = "memory.restore"
	if req.Path == "" {
		return nil, apperr.Validation(op, "bundle path is required")
	}
	mode, err := backup.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	b, err := backup.Load(req.Path)
	if err != nil {
		return nil, err
	}
	h, err := s.handle(op, b.Scope)
	if err != nil {
		return nil, err
	}
	var capability *destructive.Operation
	if mode == backup.ModeReplace {
		capability, h, err = s.confirm(op, req.Token, destructive.RestoreReplace)
		if err != nil {
			return nil, err
		}
	}
	res, err := s.backups.Restore(ctx, h.store, b, mode, capability)
	if err != nil || mode != backup.ModeReplace {
		return res, err
	}
	if err := h.engine.ClearEntries(); err != nil {
		return res, fmt.Errorf("%s: clear sync state: %w", op, err)
	}
	return res, nil
}

// ExportRequest renders memories into a context file.
type ExportRequest struct {
	Scope  models.Scope        `json:"scope"`
	Types  []models.MemoryType `json:"memory_types"`
	Format export.Format       `json:"format"`
	// Output is written atomically when set.
	Output string `json:"output,omitempty"`
}

// Export renders the records of scope. The output file, or the format's
// conventional file under the project root, never contributes records.
func (s *Service) Export(ctx context.Context, req ExportRequest) (*export.Document, error) {
	const op = "memory.export"
	scopes, err := s.targets(op, req.Scope, true)
	if err != nil {
		return nil, err
	}
	format, err := export.ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	for _, t := range req.Types {
		if _, err := models.ParseMemoryType(string(t)); err != nil {
			return nil, apperr.Validation(op, "%v", err)
		}
	}

	var records []models.Memory
	for _, sc := range scopes {
		all, err := s.scopes[sc].store.All(ctx)
		if err != nil {
			return nil, err
		}
		records = append(records, all...)
	}

	target := req.Output
	if target == "" {
		target = filepath.Join(s.opts.ProjectRoot, format.DefaultFile())
	}
	doc, err := export.Render(records, export.Options{
		Format:  format,
		Types:   req.Types,
		Targets: []string{target},
	})
	if err != nil {
		return nil, err
	}
	if req.Output != "" {
		if err := export.Write(doc, req.Output); err != nil {
			return nil, err
		}
		s.logger.Info("memory: exported", slog.String("path", doc.Path), slog.Int("count", doc.Included))
	}
	return doc, nil
}

// CaptureRequest scans session transcripts.
type CaptureRequest struct {
	// Paths lists transcripts to read. Empty discovers recent sessions.
	Paths         []string     `json:"paths,omitempty"`
	Scope         models.Scope `json:"scope"`
	MinConfidence *float64     `json:"min_confidence,omitempty"`
	MaxSessions   int          `json:"max_sessions,omitempty"`
	DryRun        bool         `json:"dry_run"`
}

// Capture proposes memories from transcripts and stores them unless DryRun.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*capture.Result, error) {
	const op = "memory.capture"
	scopes, err := s.targets(op, req.Scope, false)
	if err != nil {
		return nil, err
	}
	minConf := s.opts.MinConfidence
	if req.MinConfidence != nil {
		minConf = *req.MinConfidence
	}
	capOpts := []capture.Option{capture.WithScope(scopes[0]), capture.WithLogger(s.logger)}
	if s.opts.MinSegmentChars > 0 {
		capOpts = append(capOpts, capture.WithMinSegmentChars(s.opts.MinSegmentChars))
	}
	c := capture.New(capOpts...)

	var transcripts []capture.Transcript
	if len(req.Paths) > 0 {
		for _, p := range req.Paths {
			tr, err := capture.ParseFile(p, s.logger)
			if err != nil {
				return nil, apperr.Validation(op, "%v", err).WithPath(p)
			}
			transcripts = append(transcripts, *tr)
		}
	} else {
		if s.opts.SessionsDir == "" {
			return nil, apperr.Validation(op, "no transcripts given and no sessions dir configured")
		}
		limit := req.MaxSessions
		if limit <= 0 {
			limit = s.opts.MaxSessions
		}
		transcripts, err = c.LoadSessions(s.opts.SessionsDir, limit)
		if err != nil {
			return nil, err
		}
	}
	return c.Capture(ctx, transcripts, minConf, req.DryRun, s)
}

// ScopeStats describes one scope.
type ScopeStats struct {
	*memstore.Stats
	SyncedSources int      `json:"synced_sources"`
	Roots         []string `json:"roots"`
	Path          string   `json:"path"`
}

// StatsReport covers the requested scopes and the embedding cache.
type StatsReport struct {
	Scopes     []ScopeStats         `json:"scopes"`
	Model      string               `json:"model"`
	Cache      embedding.CacheStats `json:"cache"`
	EmbedCalls int64                `json:"embed_calls"`
}

// Stats counts records per scope, type and source.
func (s *Service) Stats(ctx context.Context, scope models.Scope) (*StatsReport, error) {
	scopes, err := s.targets("memory.stats", scope, true)
	if err != nil {
		return nil, err
	}
	rep := &StatsReport{Model: s.embedder.Model(), Cache: s.embedder.Stats(), EmbedCalls: s.embedder.Calls()}
	for _, sc := range scopes {
		h := s.scopes[sc]
		st, err := h.store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		synced, err := h.engine.Entries()
		if err != nil {
			return nil, err
		}
		roots, err := h.engine.Roots()
		if err != nil {
			return nil, err
		}
		rep.Scopes = append(rep.Scopes, ScopeStats{Stats: st, SyncedSources: synced, Roots: roots, Path: h.store.Dir()})
	}
	return rep, nil
}

// Check is one health probe.
type Check struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	OK        bool             `json:"ok"`
	Embedding Check            `json:"embedding"`
	Scopes    map[string]Check `json:"scopes"`
}

// Health pings the embedding capability and every collection. It never writes.
func (s *Service) Health(ctx context.Context) *HealthReport {
	rep := &HealthReport{OK: true, Scopes: map[string]Check{}}
	rep.Embedding = check(s.embedder.Ping(ctx))
	rep.OK = rep.Embedding.OK
	for _, sc := range models.StorageScopes {
		c := check(s.scopes[sc].store.Ping(ctx))
		rep.Scopes[string(sc)] = c
		rep.OK = rep.OK && c.OK
	}
	return rep
}

func check(err error) Check {
	if err != nil {
		return Check{Error: err.Error()}
	}
	return Check{OK: true}
}

// Watch re-syncs every scope that has roots whenever its sources change,
// until ctx is cancelled.
func (s *Service) Watch(ctx context.Context, debounce time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range models.StorageScopes {
		h := s.scopes[sc]
		roots, err := h.engine.Roots()
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			continue
		}
		g.Go(func() error { return h.engine.Watch(gctx, debounce) })
	}
	return g.Wait()
}

var _ capture.Sink = (*Service)(nil)
