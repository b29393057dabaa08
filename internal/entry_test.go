package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/starford/mneme/internal/chunker"
	"github.com/starford/mneme/internal/embedding"
	"github.com/starford/mneme/internal/memoryservice"
	"github.com/starford/mneme/internal/sse"
	"github.com/starford/mneme/internal/testutil"
)

func testRouter(t *testing.T, cfg *Config) (http.Handler, *testutil.FakeProvider) {
	t.Helper()
	fake := testutil.NewFakeProvider()
	cache, err := embedding.NewCache(16)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := chunker.New(chunker.Options{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := memoryservice.New(memoryservice.Options{
		BasePath:    t.TempDir(),
		ProjectRoot: t.TempDir(),
		Logger:      testutil.Logger(),
	}, embedding.NewClient(fake, cache, embedding.WithRetryDelay(0)), ch)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	broker := sse.NewBroker(0)
	t.Cleanup(broker.Close)
	return newRouter(cfg, svc, broker), fake
}

func get(h http.Handler, target string, header ...string) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRouter_HealthEndpoints(t *testing.T) {
	h, fake := testRouter(t, NewDefaultConfig())

	if code := get(h, "/health/live"); code != http.StatusOK {
		t.Errorf("live = %d", code)
	}
	if code := get(h, "/health/ready"); code != http.StatusOK {
		t.Errorf("ready = %d", code)
	}

	fake.SetPingError(errors.New("model not found"))
	if code := get(h, "/health/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("ready with embedding down = %d", code)
	}
	if code := get(h, "/health/live"); code != http.StatusOK {
		t.Errorf("live with embedding down = %d", code)
	}
}

func TestRouter_APIAuth(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth = AuthConfig{Mode: AuthModeToken, Token: "s3cret"}
	h, _ := testRouter(t, cfg)

	if code := get(h, "/api/stats"); code != http.StatusUnauthorized {
		t.Errorf("stats without token = %d", code)
	}
	if code := get(h, "/api/stats", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Errorf("stats with token = %d", code)
	}
	if code := get(h, "/health/live"); code != http.StatusOK {
		t.Errorf("health must stay open, got %d", code)
	}
}
