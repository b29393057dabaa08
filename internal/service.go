package internal

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/models"
	pkgconfig "github.com/starford/mneme/pkg/config"
)

// LoadConfig overlays the YAML file at path onto the defaults. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := pkgconfig.LoadOptional(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger returns a structured JSON logger at the configured level.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// OpenService wires the embedding client, chunker and both scope stores.
func OpenService(cfg *Config, logger *slog.Logger, onEvent func(scope models.Scope, kind, path string)) (*memoryservice.Service, error) {
	cache, err := embedding.NewCache(cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	provider := embedding.NewOpenAIProvider(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Timeout)
	client := embedding.NewClient(provider, cache,
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithTimeout(cfg.Embedding.Timeout),
		embedding.WithRetryDelay(cfg.Embedding.RetryDelay),
		embedding.WithLogger(logger),
	)

	ch, err := chunker.New(chunker.Options{
		WindowSize:   cfg.Chunking.WindowSize,
		Overlap:      cfg.Chunking.Overlap,
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init chunker: %w", err)
	}

	svc, err := memoryservice.New(memoryservice.Options{
		BasePath:        cfg.Memory.BasePath,
		ProjectRoot:     cfg.Memory.ProjectRoot,
		AllowedRoots:    cfg.Memory.AllowedRoots,
		MaxContentBytes: cfg.Memory.MaxContentBytes,
		BatchSize:       cfg.Sync.BatchSize,
		MaxFileSize:     cfg.Memory.MaxFileSize,
		DestructiveTTL:  cfg.Memory.DestructiveTTL,
		SessionsDir:     cfg.Capture.SessionsDir,
		MaxSessions:     cfg.Capture.MaxSessions,
		MinConfidence:   cfg.Capture.MinConfidence,
		MinSegmentChars: cfg.Capture.MinSegmentChars,
		Logger:          logger,
		OnEvent:         onEvent,
	}, client, ch)
	if err != nil {
		return nil, fmt.Errorf("open memory service: %w", err)
	}
	return svc, nil
}
