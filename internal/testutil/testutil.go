// Package testutil provides shared test helpers: a deterministic embedding
// provider, temp source trees and discard loggers.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// FakeDim is the vector dimension produced by FakeProvider.
const FakeDim = 8

// FakeProvider is an in-memory embedding.Provider. Vectors are derived from
// the SHA-256 of the text, so equal texts always get equal vectors.
type FakeProvider struct {
	mu      sync.Mutex
	calls   int
	texts   []string
	failAt  map[int]error // 1-based call number -> error
	failAll error
	pingErr error
}

// NewFakeProvider returns a provider that always succeeds.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{failAt: map[int]error{}}
}

// Model implements embedding.Provider.
func (p *FakeProvider) Model() string { return "fake-embed" }

// Embed implements embedding.Provider.
func (p *FakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	err := p.failAll
	if e, ok := p.failAt[n]; ok {
		err = e
	}
	if err == nil {
		p.texts = append(p.texts, texts...)
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t)
	}
	return out, nil
}

// Ping implements embedding.Provider.
func (p *FakeProvider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingErr
}

// Calls returns the number of Embed calls so far.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Texts returns every text embedded successfully, in call order.
func (p *FakeProvider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// FailCall makes the n-th Embed call (1-based, counted from now on) fail.
func (p *FakeProvider) FailCall(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAt[p.calls+n] = err
}

// FailAll makes every Embed call fail until cleared with nil.
func (p *FakeProvider) FailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = err
}

// SetPingError sets the Ping result.
func (p *FakeProvider) SetPingError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = err
}

// ErrDown is a convenient injected failure.
var ErrDown = errors.New("connection refused")

// Vector returns the unit vector FakeProvider assigns to text.
func Vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, FakeDim)
	var norm float64
	for i := range vec {
		u := binary.BigEndian.Uint32(sum[i*4:])
		v := float64(u)/float64(math.MaxUint32) - 0.5
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Logger returns a logger that drops everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WriteFiles creates files under a fresh temp dir and returns the dir.
func WriteFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		WriteFile(t, dir, rel, content)
	}
	return dir
}

// WriteFile writes content to dir/rel, creating parent dirs.
func WriteFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}
