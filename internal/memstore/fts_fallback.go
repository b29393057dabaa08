//go:build !sqlite_fts5

package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; keyword search uses LIKE on memories.content.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _ string, _ []string) error {
	// Content is already stored in the memories table; nothing extra to do.
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

func ftsClear(_ *sql.Tx) error { return nil }

// KeywordSearch ranks records by how many query terms their content or tags
// contain (LIKE fallback when FTS5 is not compiled in).
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int, f Filter) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := strings.Fields(query)
	if f.excludes(s.scope) || len(terms) == 0 {
		return []string{}, nil
	}

	var score []string
	var termArgs []any
	for _, t := range terms {
		score = append(score, "(content LIKE ? OR tags LIKE ?)")
		like := "%" + t + "%"
		termArgs = append(termArgs, like, like)
	}
	clauses, args := f.where([]string{"(" + strings.Join(score, " OR ") + ")"}, termArgs)
	args = append(args, termArgs...)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id FROM memories
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY (`+strings.Join(score, " + ")+`) DESC, created_at DESC
		LIMIT ?
	`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("memstore: keyword search: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
