package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/mneme/internal/testutil"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(kind, path string) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+filepath.Base(path))
	r.mu.Unlock()
}

func (r *recorder) has(want string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == want {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T) (*env, string, *recorder) {
	t.Helper()
	rec := &recorder{}
	v := newEnv(t, WithEventCallback(rec.record))
	dir := testutil.WriteFiles(t, map[string]string{"seed.md": "# Seed\n\nseed text\n"})
	if _, err := v.engine.Index(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = v.engine.Watch(ctx, 50*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
	return v, dir, rec
}

func TestWatcher_NewFileIndexed(t *testing.T) {
	v, dir, rec := startWatcher(t)

	testutil.WriteFile(t, dir, "new.md", "# New\n\nfresh text\n")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return v.total(t) == 2
	}, "new file not indexed by watcher")
	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("indexed:new.md")
	}, "expected indexed:new.md event")
	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("completed:.")
	}, "expected completed event after watch sync")
}

func TestWatcher_DeletedFileRemoved(t *testing.T) {
	v, dir, rec := startWatcher(t)

	if err := os.Remove(filepath.Join(dir, "seed.md")); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return v.total(t) == 0
	}, "deleted file still indexed")
	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("removed:seed.md")
	}, "expected removed:seed.md event")
}

func TestWatcher_NewSubdirectoryWatched(t *testing.T) {
	v, dir, _ := startWatcher(t)

	sub := filepath.Join(dir, "sub", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	testutil.WriteFile(t, sub, "inner.md", "# Inner\n\ninner text\n")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return v.total(t) == 2
	}, "file in new subdirectory not indexed")
}

func TestWatcher_HiddenFilesIgnored(t *testing.T) {
	v, dir, _ := startWatcher(t)

	testutil.WriteFile(t, dir, ".scratch.md", "# Hidden\n\nnot indexed\n")
	time.Sleep(300 * time.Millisecond)

	if got := v.total(t); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
}
