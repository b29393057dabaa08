package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
)

// DefaultMaxFileSize bounds the files List will index.
const DefaultMaxFileSize = 100 << 20

// ErrTooLarge is returned by Meta for files above the size limit.
var ErrTooLarge = errors.New("file too large")

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// FS implements Provider backed by the local file system.
type FS struct {
	root        string // normalized absolute root
	maxFileSize int64
}

// Option configures an FS.
type Option func(*FS)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(f *FS) { f.maxFileSize = n }
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string, opts ...Option) (*FS, error) {
	abs := hasher.NormalizePath(root)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	f := &FS{root: abs, maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the normalized absolute root.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(f.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	// Ensure the resolved path is still under root.
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

// ListError reports entries List could not read. The metadata List
// returns alongside it covers everything else.
type ListError struct {
	Paths []string
	Err   error // first failure
}

func (e *ListError) Error() string {
	return fmt.Sprintf("storage: list: %d unreadable entries: %v", len(e.Paths), e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// List walks dir (relative to root) and returns metadata for every file with
// a registered format. Symlinks, hidden entries, dependency directories and
// files above the size limit are skipped. Entries that cannot be read are
// skipped too and reported in a *ListError; files that vanish mid-walk are
// not reported.
func (f *FS) List(dir string) ([]models.SourceMeta, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	var (
		out    []models.SourceMeta
		failed *ListError
	)
	fail := func(p string, err error) {
		if failed == nil {
			failed = &ListError{Err: err}
		}
		failed.Paths = append(failed.Paths, p)
	}
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == base {
				return walkErr
			}
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			fail(p, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if p != base && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, _ := filepath.Rel(f.root, p)
		meta, err := f.meta(p, rel)
		switch {
		case errors.Is(err, ErrTooLarge), errors.Is(err, errUnsupported), errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			fail(p, err)
			return nil
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	if failed != nil {
		return out, failed
	}
	return out, nil
}

var errUnsupported = errors.New("unsupported format")

// Meta returns metadata for one file. Symlinks are rejected.
func (f *FS) Meta(path string) (models.SourceMeta, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return models.SourceMeta{}, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return models.SourceMeta{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return models.SourceMeta{}, fmt.Errorf("storage: symlinks not allowed: %s", path)
	}
	return f.meta(abs, filepath.Clean(path))
}

func (f *FS) meta(abs, rel string) (models.SourceMeta, error) {
	format, ok := models.FormatForPath(abs)
	if !ok {
		return models.SourceMeta{}, errUnsupported
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.SourceMeta{}, err
	}
	if info.Size() > f.maxFileSize {
		return models.SourceMeta{}, ErrTooLarge
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return models.SourceMeta{}, err
	}
	return models.SourceMeta{
		Path:      abs,
		Rel:       rel,
		Format:    format,
		Checksum:  hasher.Sum(data),
		Size:      info.Size(),
		UpdatedAt: info.ModTime(),
	}, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mneme-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Rename moves a file within the root.
func (f *FS) Rename(oldPath, newPath string) error {
	absOld, err := f.safePath(oldPath)
	if err != nil {
		return err
	}
	absNew, err := f.safePath(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for rename: %w", err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}
