package memoryservice

import (
	"context"
	"os"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/errgroup"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/models"
)

// ManualSource is the source of records stored without a file.
const ManualSource = "manual"

// StoreRequest stores one memory by hand.
type StoreRequest struct {
	Content string            `json:"content"`
	Scope   models.Scope      `json:"scope"`
	Type    models.MemoryType `json:"memory_type"`
	Tags    []string          `json:"tags"`
	Source  string            `json:"source"`
}

func (r *StoreRequest) validate(maxBytes int) error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Content, validation.Required, validation.By(notBlank), validation.By(maxLen(maxBytes))),
		validation.Field(&r.Scope, validation.Required, validation.In(models.ScopeProject, models.ScopeGlobal)),
		validation.Field(&r.Type, validation.Required, validation.By(knownType)),
		validation.Field(&r.Tags, validation.Each(validation.Required, validation.Length(1, 64))),
	)
	if err != nil {
		return apperr.Validation("memory.store", "%v", err).WithScope(string(r.Scope))
	}
	return nil
}

func notBlank(v any) error {
	if s, _ := v.(string); strings.TrimSpace(s) == "" && s != "" {
		return validation.NewError("validation_blank", "must not be blank")
	}
	return nil
}

func maxLen(n int) validation.RuleFunc {
	return func(v any) error {
		if s, _ := v.(string); len(s) > n {
			return validation.NewError("validation_too_large", "exceeds the size limit")
		}
		return nil
	}
}

func knownType(v any) error {
	t, _ := v.(models.MemoryType)
	if _, err := models.ParseMemoryType(string(t)); err != nil {
		return validation.NewError("validation_memory_type", err.Error())
	}
	return nil
}

// Store embeds and upserts one record. Storing identical content with the
// same source and scope again returns the existing record without writing.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*models.Memory, error) {
	if req.Scope == "" {
		req.Scope = models.ScopeProject
	}
	if req.Type == "" {
		req.Type = models.TypeContext
	}
	if req.Source == "" {
		req.Source = ManualSource
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}
	if err := req.validate(s.opts.MaxContentBytes); err != nil {
		return nil, err
	}
	h := s.scopes[req.Scope]

	id := hasher.RecordID(req.Content, req.Source, string(req.Scope))
	if existing, err := h.store.Get(ctx, id); err == nil {
		return existing, nil
	}

	vec, err := s.embedder.EmbedOne(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	rec := models.Memory{
		ID:        id,
		Content:   req.Content,
		Embedding: vec,
		Type:      req.Type,
		Tags:      req.Tags,
		Scope:     req.Scope,
		Source:    req.Source,
	}
	if err := h.store.Upsert(ctx, []models.Memory{rec}); err != nil {
		return nil, err
	}
	return h.store.Get(ctx, id)
}

// SaveCaptured embeds and stores captured records that are not stored yet.
// It implements capture.Sink.
func (s *Service) SaveCaptured(ctx context.Context, records []models.Memory) (int, error) {
	byScope := map[models.Scope][]models.Memory{}
	for _, r := range records {
		byScope[r.Scope] = append(byScope[r.Scope], r)
	}
	stored := 0
	for scope, recs := range byScope {
		h, err := s.handle("memory.capture", scope)
		if err != nil {
			return stored, err
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		have, err := h.store.Exists(ctx, ids)
		if err != nil {
			return stored, err
		}
		var missing []models.Memory
		var texts []string
		for _, r := range recs {
			if _, ok := have[r.ID]; !ok {
				missing = append(missing, r)
				texts = append(texts, r.Content)
			}
		}
		if len(missing) == 0 {
			continue
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return stored, err
		}
		for i := range missing {
			missing[i].Embedding = vecs[i]
		}
		if err := h.store.Upsert(ctx, missing); err != nil {
			return stored, err
		}
		stored += len(missing)
	}
	return stored, nil
}

// Filter narrows list and search results.
type Filter struct {
	Type   models.MemoryType `json:"memory_type,omitempty"`
	Source string            `json:"source,omitempty"`
}

func (f Filter) store(scope models.Scope) (memstore.Filter, error) {
	if f.Type != "" {
		if _, err := models.ParseMemoryType(string(f.Type)); err != nil {
			return memstore.Filter{}, apperr.Validation("memory.filter", "%v", err)
		}
	}
	src := f.Source
	if src != "" && src != ManualSource {
		if _, err := os.Stat(src); err == nil {
			src = hasher.NormalizePath(src)
		}
	}
	return memstore.Filter{Type: f.Type, Source: src, Scope: scope}, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, scope models.Scope, id string) (*models.Memory, error) {
	scopes, err := s.targets("memory.get", scope, true)
	if err != nil {
		return nil, err
	}
	if !hasher.IsDigest(id) {
		return nil, apperr.Validation("memory.get", "malformed id %q", id)
	}
	for _, sc := range scopes {
		m, err := s.scopes[sc].store.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			return nil, err
		}
	}
	return nil, apperr.NotFound("memory.get", id)
}

// List pages through records newest first. For all, pages are taken over
// the merged scopes.
func (s *Service) List(ctx context.Context, scope models.Scope, f Filter, limit, offset int) ([]models.Memory, int, error) {
	scopes, err := s.targets("memory.list", scope, true)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if len(scopes) == 1 {
		sf, err := f.store(scopes[0])
		if err != nil {
			return nil, 0, err
		}
		return s.scopes[scopes[0]].store.List(ctx, sf, limit, offset)
	}

	var merged []models.Memory
	total := 0
	for _, sc := range scopes {
		sf, err := f.store(sc)
		if err != nil {
			return nil, 0, err
		}
		items, n, err := s.scopes[sc].store.List(ctx, sf, limit+offset, 0)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, items...)
		total += n
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	if offset >= len(merged) {
		return []models.Memory{}, total, nil
	}
	return merged[offset:min(offset+limit, len(merged))], total, nil
}

// Forget deletes records by id from scope, or from every scope for all.
func (s *Service) Forget(ctx context.Context, scope models.Scope, ids []string) (int, error) {
	scopes, err := s.targets("memory.forget", scope, true)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, apperr.Validation("memory.forget", "no ids given")
	}
	for _, id := range ids {
		if !hasher.IsDigest(id) {
			return 0, apperr.Validation("memory.forget", "malformed id %q", id)
		}
	}
	deleted := 0
	for _, sc := range scopes {
		h := s.scopes[sc]
		sources, err := h.store.Sources(ctx, ids)
		if err != nil {
			return deleted, err
		}
		n, err := h.store.Delete(ctx, ids)
		deleted += n
		if err != nil {
			return deleted, err
		}
		if err := s.forgetSources("memory.forget", h, sources); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// SearchRequest describes a query.
type SearchRequest struct {
	Query  string       `json:"query"`
	Scope  models.Scope `json:"scope"`
	K      int          `json:"k"`
	Filter Filter       `json:"filter"`
	// Hybrid fuses keyword and vector rankings.
	Hybrid bool `json:"hybrid"`
}

// DefaultK is the result count when a search does not set one.
const DefaultK = 5

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60

// Search embeds the query and ranks records by cosine similarity, ties
// broken by newest first. For all, each scope is queried concurrently and
// the results merged.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]models.ScoredMemory, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperr.Validation("memory.search", "empty query")
	}
	scopes, err := s.targets("memory.search", req.Scope, true)
	if err != nil {
		return nil, err
	}
	if req.K <= 0 {
		req.K = DefaultK
	}
	if req.K > 100 {
		return nil, apperr.Validation("memory.search", "k %d above 100", req.K)
	}
	vec, err := s.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	perScope := make([][]models.ScoredMemory, len(scopes))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range scopes {
		g.Go(func() error {
			sf, err := req.Filter.store(sc)
			if err != nil {
				return err
			}
			store := s.scopes[sc].store
			if !req.Hybrid {
				perScope[i], err = store.Query(gctx, vec, req.K, sf)
				return err
			}
			perScope[i], err = hybrid(gctx, store, req.Query, vec, req.K, sf)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []models.ScoredMemory
	for _, hits := range perScope {
		merged = append(merged, hits...)
	}
	sortHits(merged)
	if len(merged) > req.K {
		merged = merged[:req.K]
	}
	return merged, nil
}

func sortHits(hits []models.ScoredMemory) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
}

// hybrid fuses vector and keyword rankings with reciprocal rank fusion.
func hybrid(ctx context.Context, store *memstore.Store, query string, vec []float32, k int, f memstore.Filter) ([]models.ScoredMemory, error) {
	pool := max(k*3, 20)
	vecHits, err := store.Query(ctx, vec, pool, f)
	if err != nil {
		return nil, err
	}
	kwIDs, err := store.KeywordSearch(ctx, query, pool, f)
	if err != nil {
		return nil, err
	}

	fused := map[string]float64{}
	byID := map[string]models.Memory{}
	for rank, h := range vecHits {
		fused[h.ID] += 1 / float64(rrfK+rank+1)
		byID[h.ID] = h.Memory
	}
	for rank, id := range kwIDs {
		fused[id] += 1 / float64(rrfK+rank+1)
		if _, ok := byID[id]; !ok {
			m, err := store.Get(ctx, id)
			if err != nil {
				continue
			}
			byID[id] = *m
		}
	}

	out := make([]models.ScoredMemory, 0, len(byID))
	for id, m := range byID {
		out = append(out, models.ScoredMemory{Memory: m, Score: fused[id]})
	}
	sortHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
