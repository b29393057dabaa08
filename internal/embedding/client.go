package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
)

// Client embeds texts through a Provider, serving repeats from a Cache.
type Client struct {
	provider   Provider
	cache      *Cache
	batchSize  int
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger

	calls atomic.Int64
	dim   atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBatchSize caps texts per provider call. Zero sends all misses at once.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) { c.batchSize = n }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetryDelay sets the wait before the single retry of a transient failure.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client over provider and cache.
func NewClient(provider Provider, cache *Cache, opts ...ClientOption) *Client {
	c := &Client{
		provider:   provider,
		cache:      cache,
		timeout:    30 * time.Second,
		retryDelay: 500 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model names the underlying model.
func (c *Client) Model() string {
	return c.provider.Model()
}

// Embed returns one vector per text, in order. Cache misses are deduplicated
// and sent in as few provider calls as the batch size allows. Either every
// vector is returned or an error is, never a partial result.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missKeys []string
	var missTexts []string
	pending := make(map[string][]int)
	for i, t := range texts {
		key := hasher.SumString(t)
		keys[i] = key
		if vec, ok := c.cache.Get(key); ok {
			out[i] = vec
			continue
		}
		if _, seen := pending[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, t)
		}
		pending[key] = append(pending[key], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh := make([][]float32, 0, len(missTexts))
	size := c.batchSize
	if size <= 0 {
		size = len(missTexts)
	}
	for start := 0; start < len(missTexts); start += size {
		end := min(start+size, len(missTexts))
		vecs, err := c.callWithRetry(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, vecs...)
	}

	for j, key := range missKeys {
		c.cache.Add(key, fresh[j])
		for _, i := range pending[key] {
			out[i] = fresh[j]
		}
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Ping checks the provider without touching the cache.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.provider.Ping(ctx); err != nil {
		return apperr.Unavailable("embedding.ping", err)
	}
	return nil
}

// Calls returns how many provider calls have been made.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Stats returns cache counters.
func (c *Client) Stats() CacheStats {
	return c.cache.Stats()
}

func (c *Client) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.call(ctx, texts)
	if err == nil || !apperr.Transient(err) {
		return vecs, wrapUnavailable(err)
	}
	c.logger.Warn("embedding: transient failure, retrying",
		slog.Int("count", len(texts)),
		slog.String("error", err.Error()))

	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return nil, wrapUnavailable(ctx.Err())
	}
	vecs, err = c.call(ctx, texts)
	return vecs, wrapUnavailable(err)
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Unavailable("embed", err)
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.calls.Add(1)
	vecs, err := c.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := c.validate(texts, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// validate rejects responses that would otherwise surface as silent zeros.
func (c *Client) validate(texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return fmt.Errorf("malformed response: %d vectors for %d inputs", len(vecs), len(texts))
	}
	want := int(c.dim.Load())
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("malformed response: empty vector at %d", i)
		}
		if want == 0 {
			want = len(v)
		}
		if len(v) != want {
			return fmt.Errorf("malformed response: vector %d has dimension %d, want %d", i, len(v), want)
		}
	}
	c.dim.CompareAndSwap(0, int64(want))
	return nil
}
