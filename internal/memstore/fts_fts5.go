//go:build sqlite_fts5

package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED,
			content,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, id, content string, tags []string) error {
	_, _ = tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id)
	_, err := tx.Exec(`INSERT INTO memories_fts (id, content, tags) VALUES (?, ?, ?)`,
		id, content, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("memstore: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, id string) {
	_, _ = tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id)
}

func ftsClear(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM memories_fts`); err != nil {
		return fmt.Errorf("memstore: clear fts: %w", err)
	}
	return nil
}

// ftsQuery turns free text into an OR of quoted terms so user input never
// trips the FTS5 query syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// KeywordSearch ranks records by BM25 over content and tags.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int, f Filter) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	if f.excludes(s.scope) || strings.TrimSpace(query) == "" {
		return []string{}, nil
	}
	clauses, args := f.where([]string{"memories_fts MATCH ?"}, []any{ftsQuery(query)})
	rows, err := s.conn.QueryContext(ctx, `
		SELECT m.id
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY bm25(memories_fts), m.created_at DESC
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
