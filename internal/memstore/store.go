// Package memstore provides the per-scope memory collection: one SQLite file
// per scope holding records and their vectors, ranked with sqlite-vec.
package memstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/gofrs/flock"
	"github.com/mattn/go-sqlite3"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/models"
)

func init() {
	sqlite_vec.Auto()
}

// File names inside a scope directory.
const (
	DBFile     = "memory.db"
	LockFile   = ".write.lock"
	BackupsDir = "backups"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	dim         INTEGER NOT NULL,
	memory_type TEXT NOT NULL,
	tags        TEXT NOT NULL DEFAULT '[]',
	source      TEXT NOT NULL DEFAULT '',
	scope       TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
`

// Store is one scope's collection.
//
// Writes hold an in-process mutex and an exclusive file lock on the scope
// directory, so a CLI run and a server sharing the files never interleave.
// Reads take no lock and see a consistent WAL snapshot.
type Store struct {
	conn   *sql.DB
	dir    string
	scope  models.Scope
	logger *slog.Logger

	mu     sync.Mutex
	lock   *flock.Flock
	writes atomic.Int64

	recoveredFrom string
}

// Open opens (or creates) the collection for scope in dir.
// A corrupt database is copied to dir/backups before a fresh one is created.
func Open(dir string, scope models.Scope, logger *slog.Logger) (*Store, error) {
	if _, err := models.ParseScope(string(scope), false); err != nil {
		return nil, apperr.Validation("memstore.open", "%v", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, BackupsDir), 0o755); err != nil {
		return nil, fmt.Errorf("memstore: create scope dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		scope:  scope,
		logger: logger.With(slog.String("scope", string(scope))),
		lock:   flock.New(filepath.Join(dir, LockFile)),
	}

	conn, err := openConn(s.dbPath())
	if err != nil && isCorruption(err) {
		saved, recErr := s.recover(err)
		if recErr != nil {
			return nil, recErr
		}
		s.recoveredFrom = saved
		conn, err = openConn(s.dbPath())
	}
	if err != nil {
		return nil, fmt.Errorf("memstore: open %s: %w", scope, err)
	}
	s.conn = conn
	return s, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	var check string
	if err := conn.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		conn.Close()
		return nil, err
	}
	if check != "ok" {
		conn.Close()
		return nil, sqlite3.Error{Code: sqlite3.ErrCorrupt}
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply fts schema: %w", err)
	}
	return conn, nil
}

func isCorruption(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	return false
}

// recover preserves the unreadable database, then clears the way for a new one.
// Nothing is removed unless the copy succeeded.
func (s *Store) recover(cause error) (string, error) {
	dst := filepath.Join(s.dir, BackupsDir, fmt.Sprintf("corrupt-%s.db", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := copyFile(s.dbPath(), dst); err != nil {
		return "", apperr.Corrupt("memstore.recover", s.dbPath(),
			fmt.Errorf("%v; preserving copy failed: %w", cause, err)).WithScope(string(s.scope))
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.dbPath() + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", apperr.Corrupt("memstore.recover", s.dbPath(), err).WithScope(string(s.scope))
		}
	}
	s.logger.Warn("memstore: corrupt database replaced",
		slog.String("path", s.dbPath()),
		slog.String("backup", dst),
		slog.String("error", cause.Error()))
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Scope returns the scope this store holds.
func (s *Store) Scope() models.Scope { return s.scope }

// Dir returns the scope directory.
func (s *Store) Dir() string { return s.dir }

// BackupsDir returns where snapshots of this scope are written.
func (s *Store) BackupsDir() string { return filepath.Join(s.dir, BackupsDir) }

// RecoveredFrom returns the path of the preserved corrupt database, if Open
// had to recover.
func (s *Store) RecoveredFrom() string { return s.recoveredFrom }

// Writes counts mutating statements executed since Open.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) dbPath() string {
	return filepath.Join(s.dir, DBFile)
}

// withWriteLock runs fn while holding the scope's exclusive write lock.
func (s *Store) withWriteLock(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return apperr.Unavailable(op, fmt.Errorf("acquire write lock: %w", err)).WithScope(string(s.scope))
	}
	if !locked {
		return apperr.Unavailable(op, errors.New("write lock busy")).WithScope(string(s.scope))
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("memstore: unlock failed", slog.String("error", err.Error()))
		}
	}()
	return fn()
}
