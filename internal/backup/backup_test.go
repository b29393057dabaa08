package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/memstore"
	"github.com/starford/mneme/internal/models"
	"github.com/starford/mneme/internal/testutil"
)

func openStore(t *testing.T, scope models.Scope) *memstore.Store {
	t.Helper()
	s, err := memstore.Open(t.TempDir(), scope, testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *memstore.Store, contents ...string) []models.Memory {
	t.Helper()
	at := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	var recs []models.Memory
	for i, c := range contents {
		recs = append(recs, models.Memory{
			ID:        hasher.RecordID(c, "/src/notes.md", string(s.Scope())),
			Content:   c,
			Embedding: testutil.Vector(c),
			Type:      models.TypeDecision,
			Tags:      []string{"go", "sqlite"},
			Scope:     s.Scope(),
			Source:    "/src/notes.md",
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, s.Upsert(context.Background(), recs))
	return recs
}

func snapshot(t *testing.T, s *memstore.Store) []models.Memory {
	t.Helper()
	all, err := s.All(context.Background())
	require.NoError(t, err)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func confirm(t *testing.T, kind destructive.Kind, scope models.Scope) *destructive.Operation {
	t.Helper()
	g := destructive.NewGuard(time.Minute)
	tk, err := g.Request(kind, scope)
	require.NoError(t, err)
	op, err := g.Confirm(tk.Token)
	require.NoError(t, err)
	return op
}

func TestBackupRestoreReplace_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, models.ScopeProject)
	seed(t, s, "use sqlite-vec", "use chi", "prefer slog")
	before := snapshot(t, s)

	e := New(testutil.Logger())
	res, err := e.Backup(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, s.BackupsDir(), filepath.Dir(res.Path))

	seed(t, s, "noise added after backup")

	b, err := Load(res.Path)
	require.NoError(t, err)
	out, err := e.Restore(ctx, s, b, ModeReplace, confirm(t, destructive.RestoreReplace, models.ScopeProject))
	require.NoError(t, err)
	assert.NotEmpty(t, out.SafetyBackup)
	_, err = os.Stat(out.SafetyBackup)
	assert.NoError(t, err)

	after := snapshot(t, s)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Content, after[i].Content)
		assert.Equal(t, before[i].Embedding, after[i].Embedding)
		assert.Equal(t, before[i].Meta().Tags, after[i].Meta().Tags)
		assert.Equal(t, before[i].Type, after[i].Type)
		assert.Equal(t, before[i].Source, after[i].Source)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}
}

func TestRestoreReplace_RequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, models.ScopeProject)
	seed(t, s, "keep me")
	e := New(testutil.Logger())
	b, err := e.Dump(ctx, s)
	require.NoError(t, err)

	_, err = e.Restore(ctx, s, b, ModeReplace, nil)
	assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)

	_, err = e.Restore(ctx, s, b, ModeReplace, confirm(t, destructive.Reset, models.ScopeProject))
	assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)

	backups, _ := filepath.Glob(filepath.Join(s.BackupsDir(), "*.json"))
	assert.Empty(t, backups, "no snapshot without a valid capability")
}

func TestRestoreMerge_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, models.ScopeGlobal)
	seed(t, s, "a", "b")
	e := New(testutil.Logger())
	b, err := e.Dump(ctx, s)
	require.NoError(t, err)
	before := snapshot(t, s)

	seed(t, s, "c")
	_, err = e.Restore(ctx, s, b, ModeMerge, nil)
	require.NoError(t, err)
	_, err = e.Restore(ctx, s, b, ModeMerge, nil)
	require.NoError(t, err)

	after := snapshot(t, s)
	assert.Len(t, after, 3)
	for _, r := range before {
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Content, got.Content)
		assert.Equal(t, r.Embedding, got.Embedding)
	}
}

func TestRestore_ScopeMismatch(t *testing.T) {
	ctx := context.Background()
	proj := openStore(t, models.ScopeProject)
	glob := openStore(t, models.ScopeGlobal)
	seed(t, proj, "project only")

	e := New(testutil.Logger())
	b, err := e.Dump(ctx, proj)
	require.NoError(t, err)
	_, err = e.Restore(ctx, glob, b, ModeMerge, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBundleValidate(t *testing.T) {
	valid := func() *Bundle {
		recs := []models.Memory{{
			ID: hasher.RecordID("x", "s", "project"), Content: "x", Embedding: []float32{1, 0},
			Type: models.TypeContext, Scope: models.ScopeProject, Source: "s",
		}}
		return NewBundle(models.ScopeProject, recs, time.Now())
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(b *Bundle){
		"misaligned":   func(b *Bundle) { b.Documents = append(b.Documents, "extra") },
		"bad id":       func(b *Bundle) { b.IDs[0] = "../etc/passwd" },
		"empty vector": func(b *Bundle) { b.Embeddings[0] = nil },
		"bad type":     func(b *Bundle) { b.Metadatas[0].MemoryType = "gossip" },
		"scope mix":    func(b *Bundle) { b.Metadatas[0].Scope = models.ScopeGlobal },
		"bad scope":    func(b *Bundle) { b.Scope = models.ScopeAll },
		"version":      func(b *Bundle) { b.Version = 9 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := valid()
			mutate(b)
			assert.ErrorIs(t, b.Validate(), apperr.ErrValidation)
		})
	}
}

func TestBundleValidate_DimensionMismatch(t *testing.T) {
	recs := []models.Memory{
		{ID: hasher.RecordID("x", "s", "project"), Content: "x", Embedding: []float32{1, 0}, Type: models.TypeContext, Scope: models.ScopeProject},
		{ID: hasher.RecordID("y", "s", "project"), Content: "y", Embedding: []float32{1, 0, 0}, Type: models.TypeContext, Scope: models.ScopeProject},
	}
	assert.ErrorIs(t, NewBundle(models.ScopeProject, recs, time.Now()).Validate(), apperr.ErrValidation)
}

func TestLoad_RejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "b.json")
	require.NoError(t, os.WriteFile(p, []byte("{nope"), 0o644))
	_, err := Load(p)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeMerge, m)
	m, err = ParseMode("REPLACE")
	require.NoError(t, err)
	assert.Equal(t, ModeReplace, m)
	_, err = ParseMode("wipe")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
