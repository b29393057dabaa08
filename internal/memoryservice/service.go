// Package memoryservice wires the per-scope stores, the sync engines and the
// embedding client together and exposes every memory operation as a plain
// method call, whichever surface invoked it.
package memoryservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/backup"
	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/models"
	"github.com/starford/mneme/internal/syncengine"
)

// Options configure a Service.
type Options struct {
	// BasePath holds every scope directory.
	BasePath string
	// ProjectRoot addresses the project scope. Empty means the working directory.
	ProjectRoot string
	// AllowedRoots restricts indexing. Empty allows any path.
	AllowedRoots    []string
	MaxContentBytes int
	BatchSize       int
	MaxFileSize     int64
	DestructiveTTL  time.Duration

	SessionsDir     string
	MaxSessions     int
	MinConfidence   float64
	MinSegmentChars int

	Logger *slog.Logger
	// OnEvent receives sync events for every scope.
	OnEvent func(scope models.Scope, kind, path string)
}

type scopeHandle struct {
	store  *memstore.Store
	engine *syncengine.Engine
}

// Service is the single entry point to memory operations.
type Service struct {
	opts     Options
	logger   *slog.Logger
	embedder *embedding.Client
	guard    *destructive.Guard
	backups  *backup.Engine
	scopes   map[models.Scope]*scopeHandle
}

// New opens both scope collections under opts.BasePath.
func New(opts Options, embedder *embedding.Client, ch *chunker.Chunker) (*Service, error) {
	if opts.BasePath == "" {
		return nil, apperr.Validation("memory.open", "base path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 100_000
	}
	if opts.MinConfidence == 0 {
		opts.MinConfidence = 0.7
	}
	if opts.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("memoryservice: working directory: %w", err)
		}
		opts.ProjectRoot = wd
	}
	opts.ProjectRoot = hasher.NormalizePath(opts.ProjectRoot)

	s := &Service{
		opts:     opts,
		logger:   opts.Logger,
		embedder: embedder,
		guard:    destructive.NewGuard(opts.DestructiveTTL),
		backups:  backup.New(opts.Logger),
		scopes:   map[models.Scope]*scopeHandle{},
	}
	for _, scope := range models.StorageScopes {
		h, err := s.openScope(scope, ch)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.scopes[scope] = h
	}
	return s, nil
}

func (s *Service) openScope(scope models.Scope, ch *chunker.Chunker) (*scopeHandle, error) {
	dir := memstore.ScopeDir(s.opts.BasePath, scope, s.opts.ProjectRoot)
	store, err := memstore.Open(dir, scope, s.logger)
	if err != nil {
		return nil, err
	}
	if from := store.RecoveredFrom(); from != "" {
		s.logger.Warn("memory: recovered corrupt collection", slog.String("scope", string(scope)), slog.String("path", from))
	}

	engineOpts := []syncengine.Option{
		syncengine.WithLogger(s.logger),
		syncengine.WithBatchSize(s.opts.BatchSize),
		syncengine.WithAllowedRoots(s.opts.AllowedRoots),
	}
	if s.opts.MaxFileSize > 0 {
		engineOpts = append(engineOpts, syncengine.WithMaxFileSize(s.opts.MaxFileSize))
	}
	if s.opts.OnEvent != nil {
		engineOpts = append(engineOpts, syncengine.WithEventCallback(func(kind, path string) {
			s.opts.OnEvent(scope, kind, path)
		}))
	}
	engine, err := syncengine.New(store, ch, s.embedder, engineOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &scopeHandle{store: store, engine: engine}, nil
}

// Close closes every scope.
func (s *Service) Close() error {
	var errs []error
	for _, h := range s.scopes {
		if err := h.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProjectRoot returns the normalized project root.
func (s *Service) ProjectRoot() string { return s.opts.ProjectRoot }

// Collection returns the store of a storage scope.
func (s *Service) Collection(scope models.Scope) (*memstore.Store, error) {
	h, err := s.handle("memory", scope)
	if err != nil {
		return nil, err
	}
	return h.store, nil
}

func (s *Service) handle(op string, scope models.Scope) (*scopeHandle, error) {
	h, ok := s.scopes[scope]
	if !ok {
		return nil, apperr.Validation(op, "invalid scope %q", scope)
	}
	return h, nil
}

// targets expands scope into storage scopes. ScopeAll is allowed when all is.
func (s *Service) targets(op string, scope models.Scope, all bool) ([]models.Scope, error) {
	if scope == "" {
		scope = models.ScopeProject
	}
	parsed, err := models.ParseScope(string(scope), all)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	if parsed == models.ScopeAll {
		return models.StorageScopes, nil
	}
	return []models.Scope{parsed}, nil
}

// Index adds paths to scope's watched roots and syncs them.
func (s *Service) Index(ctx context.Context, scope models.Scope, paths []string) (*syncengine.Report, error) {
	scopes, err := s.targets("memory.index", scope, false)
	if err != nil {
		return nil, err
	}
	return s.scopes[scopes[0]].engine.Index(ctx, paths)
}

// Sync reconciles the watched roots of scope, or of every scope for all.
func (s *Service) Sync(ctx context.Context, scope models.Scope) ([]*syncengine.Report, error) {
	scopes, err := s.targets("memory.sync", scope, true)
	if err != nil {
		return nil, err
	}
	var reports []*syncengine.Report
	for _, sc := range scopes {
		rep, err := s.scopes[sc].engine.Sync(ctx)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
