//go:build sqlite_fts5

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/starford/mneme/internal/models"
)

func TestFTS5_TableExists(t *testing.T) {
	s := testStore(t, models.ScopeProject)
	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM memories_fts`).Scan(&count); err != nil {
		t.Fatalf("memories_fts table missing: %v", err)
	}
}

func TestFTS5_DeleteRemovesEntry(t *testing.T) {
	s := testStore(t, models.ScopeProject)
	ctx := context.Background()
	r := record("powerful retrieval", "fts.md", models.ScopeProject, models.TypeDocument, time.Now())
	if err := s.Upsert(ctx, []models.Memory{r}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.KeywordSearch(ctx, "powerful", 10, Filter{})
	if err != nil || len(ids) != 1 {
		t.Fatalf("search = %v, %v", ids, err)
	}
	if _, err := s.Delete(ctx, []string{r.ID}); err != nil {
		t.Fatal(err)
	}
	ids, _ = s.KeywordSearch(ctx, "powerful", 10, Filter{})
	if len(ids) != 0 {
		t.Errorf("deleted record still searchable: %v", ids)
	}
}

func TestFTS5_QuotesUserInput(t *testing.T) {
	s := testStore(t, models.ScopeProject)
	if _, err := s.KeywordSearch(context.Background(), `AND "( NEAR`, 10, Filter{}); err != nil {
		t.Errorf("query syntax leaked: %v", err)
	}
}
