package internal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Auth      AuthConfig        `yaml:"auth"`
	Memory    MemoryConfig      `yaml:"memory"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Chunking  ChunkingConfig    `yaml:"chunking"`
	Sync      SyncConfig        `yaml:"sync"`
	Capture   CaptureConfig     `yaml:"capture"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"auth", &c.Auth},
		{"memory", &c.Memory},
		{"embedding", &c.Embedding},
		{"chunking", &c.Chunking},
		{"sync", &c.Sync},
		{"capture", &c.Capture},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MemoryConfig locates the scope stores.
type MemoryConfig struct {
	// BasePath holds global/ and projects/<key>/.
	BasePath string `yaml:"base_path"`
	// ProjectRoot addresses the project scope. Empty means the working directory.
	ProjectRoot     string        `yaml:"project_root"`
	AllowedRoots    []string      `yaml:"allowed_roots"`
	MaxContentBytes int           `yaml:"max_content_bytes"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	DestructiveTTL  time.Duration `yaml:"destructive_ttl"`
}

// Validate validates the memory configuration.
func (c *MemoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BasePath, validation.Required),
		validation.Field(&c.MaxContentBytes, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxFileSize, validation.Min(int64(0))),
		validation.Field(&c.DestructiveTTL, validation.Min(time.Duration(0))),
	)
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	BatchSize  int           `yaml:"batch_size"`
	CacheSize  int           `yaml:"cache_size"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.RequestURL),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.BatchSize, validation.Min(0)),
		validation.Field(&c.CacheSize, validation.Required, validation.Min(1)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
	)
}

// ChunkingConfig tunes the fixed window used for plain text.
type ChunkingConfig struct {
	WindowSize   int `yaml:"window_size"`
	Overlap      int `yaml:"overlap"`
	MaxChunkSize int `yaml:"max_chunk_size"`
}

// Validate validates the chunking configuration.
func (c *ChunkingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.WindowSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Overlap, validation.Min(0), validation.Max(c.WindowSize-1)),
		validation.Field(&c.MaxChunkSize, validation.Required, validation.Min(c.WindowSize)),
	)
}

// SyncConfig lists roots indexed into the project scope at server start.
type SyncConfig struct {
	Roots     []string      `yaml:"roots"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce"`
	BatchSize int           `yaml:"batch_size"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.BatchSize, validation.Min(0)),
	)
}

// CaptureConfig tunes transcript capture.
type CaptureConfig struct {
	SessionsDir     string  `yaml:"sessions_dir"`
	MaxSessions     int     `yaml:"max_sessions"`
	MinConfidence   float64 `yaml:"min_confidence"`
	MinSegmentChars int     `yaml:"min_segment_chars"`
}

// Validate validates the capture configuration.
func (c *CaptureConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSessions, validation.Min(0)),
		validation.Field(&c.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MinSegmentChars, validation.Min(0)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Memory: MemoryConfig{
			BasePath:        filepath.Join(home, ".mneme"),
			MaxContentBytes: 100_000,
			MaxFileSize:     10 << 20,
			DestructiveTTL:  2 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:11434/v1",
			Model:      "nomic-embed-text",
			Timeout:    30 * time.Second,
			BatchSize:  32,
			CacheSize:  1000,
			RetryDelay: 500 * time.Millisecond,
		},
		Chunking: ChunkingConfig{
			WindowSize:   500,
			Overlap:      50,
			MaxChunkSize: 2000,
		},
		Sync: SyncConfig{
			Watch:     true,
			Debounce:  500 * time.Millisecond,
			BatchSize: 32,
		},
		Capture: CaptureConfig{
			SessionsDir:     filepath.Join(home, ".claude", "projects"),
			MaxSessions:     5,
			MinConfidence:   0.7,
			MinSegmentChars: 20,
		},
	}
}
