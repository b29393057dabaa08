package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/storage"
)

// Mode selects how Restore treats existing records.
type Mode string

const (
	// ModeReplace clears the scope first.
	ModeReplace Mode = "replace"
	// ModeMerge upserts by id and keeps everything else.
	ModeMerge Mode = "merge"
)

// ParseMode validates s. Empty means merge.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", apperr.Validation("backup.restore", "unknown mode %q", s)
}

// Result describes a finished backup or restore.
type Result struct {
	Scope        string `json:"scope"`
	Path         string `json:"path,omitempty"`
	Records      int    `json:"records"`
	Mode         Mode   `json:"mode,omitempty"`
	SafetyBackup string `json:"safety_backup,omitempty"`
}

// Engine writes and applies bundles. It implements memstore.Snapshotter.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// New returns an Engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

var _ memstore.Snapshotter = (*Engine)(nil)

// Dump reads the whole store into a bundle.
func (e *Engine) Dump(ctx context.Context, store *memstore.Store) (*Bundle, error) {
	records, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	return NewBundle(store.Scope(), records, e.now()), nil
}

// Backup writes a bundle of store into its backups directory.
func (e *Engine) Backup(ctx context.Context, store *memstore.Store) (*Result, error) {
	b, err := e.Dump(ctx, store)
	if err != nil {
		return nil, err
	}
	path, err := e.write(store, b)
	if err != nil {
		return nil, err
	}
	e.logger.Info("backup: written",
		slog.String("scope", string(b.Scope)),
		slog.String("path", path),
		slog.Int("count", b.Len()))
	return &Result{Scope: string(b.Scope), Path: path, Records: b.Len()}, nil
}

// Snapshot implements memstore.Snapshotter.
func (e *Engine) Snapshot(ctx context.Context, store *memstore.Store) (string, error) {
	res, err := e.Backup(ctx, store)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

func (e *Engine) write(store *memstore.Store, b *Bundle) (string, error) {
	fs, err := storage.NewFS(store.Dir())
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("backup: encode: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.json", b.Scope, b.CreatedAt.Format("20060102T150405Z"), uuid.NewString()[:8])
	rel := filepath.Join(memstore.BackupsDir, name)
	if err := fs.Write(rel, data); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return filepath.Join(fs.Root(), rel), nil
}

// Restore applies b to store. Replace requires a confirmed
// destructive.RestoreReplace and snapshots the current contents first;
// merge upserts by id and needs no confirmation.
func (e *Engine) Restore(ctx context.Context, store *memstore.Store, b *Bundle, mode Mode, op *destructive.Operation) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Scope != store.Scope() {
		return nil, apperr.Validation("backup.restore", "bundle is for scope %q", b.Scope).WithScope(string(store.Scope()))
	}
	res := &Result{Scope: string(b.Scope), Records: b.Len(), Mode: mode}
	records := b.Records()

	switch mode {
	case ModeReplace:
		if op == nil || op.Kind() != destructive.RestoreReplace || op.Scope() != store.Scope() {
			return nil, apperr.ConfirmationRequired("backup.restore").WithScope(string(store.Scope()))
		}
		safety, err := store.ReplaceAll(ctx, op, records, e)
		if err != nil {
			return nil, fmt.Errorf("backup: replace: %w", err)
		}
		res.SafetyBackup = safety
	case ModeMerge:
		if err := store.Upsert(ctx, records); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Validation("backup.restore", "unknown mode %q", mode)
	}

	e.logger.Info("backup: restored",
		slog.String("scope", res.Scope),
		slog.String("mode", string(mode)),
		slog.Int("count", res.Records))
	return res, nil
}
