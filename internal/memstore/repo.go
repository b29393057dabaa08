package memstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
)

// Filter restricts reads by equality on record metadata. Zero fields match all.
type Filter struct {
	Type   models.MemoryType
	Source string
	Scope  models.Scope
}

// excludes reports whether the filter can never match this store.
func (f Filter) excludes(scope models.Scope) bool {
	return f.Scope != "" && f.Scope != models.ScopeAll && f.Scope != scope
}

func (f Filter) where(clauses []string, args []any) ([]string, []any) {
	if f.Type != "" {
		clauses = append(clauses, "memory_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	return clauses, args
}

const selectColumns = `id, content, embedding, memory_type, tags, source, scope, created_at`

// Upsert writes records by id. An existing id is replaced in full.
// Records are validated before anything is written.
func (s *Store) Upsert(ctx context.Context, records []models.Memory) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if err := s.validate(&records[i]); err != nil {
			return err
		}
	}
	return s.withWriteLock(ctx, "memstore.upsert", func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("memstore: begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // best-effort on failure path

		if err := s.upsertTx(ctx, tx, records); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("memstore: commit: %w", err)
		}
		s.writes.Add(int64(len(records)))
		return nil
	})
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, records []models.Memory) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (id, content, embedding, dim, memory_type, tags, source, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content     = excluded.content,
			embedding   = excluded.embedding,
			dim         = excluded.dim,
			memory_type = excluded.memory_type,
			tags        = excluded.tags,
			source      = excluded.source,
			scope       = excluded.scope,
			created_at  = excluded.created_at
	`)
	if err != nil {
		return fmt.Errorf("memstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range records {
		blob, err := sqlite_vec.SerializeFloat32(m.Embedding)
		if err != nil {
			return fmt.Errorf("memstore: serialize %s: %w", m.ID, err)
		}
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, _ := json.Marshal(tags)
		if _, err := stmt.ExecContext(ctx, m.ID, m.Content, blob, len(m.Embedding), string(m.Type),
			string(tagsJSON), m.Source, string(m.Scope), m.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("memstore: upsert %s: %w", m.ID, err)
		}
		if err := ftsUpsert(tx, m.ID, m.Content, tags); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) validate(m *models.Memory) error {
	const op = "memstore.upsert"
	switch {
	case !hasher.IsDigest(m.ID):
		return apperr.Validation(op, "malformed id %q", m.ID).WithScope(string(s.scope))
	case m.Scope != s.scope:
		return apperr.Validation(op, "record %s has scope %q", m.ID, m.Scope).WithScope(string(s.scope))
	case len(m.Embedding) == 0:
		return apperr.Validation(op, "record %s has no embedding", m.ID).WithScope(string(s.scope))
	case strings.TrimSpace(m.Content) == "":
		return apperr.Validation(op, "record %s has empty content", m.ID).WithScope(string(s.scope))
	}
	if _, err := models.ParseMemoryType(string(m.Type)); err != nil {
		return apperr.Validation(op, "%v", err).WithScope(string(s.scope))
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*models.Memory, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("memstore.get", id).WithScope(string(s.scope))
	}
	if err != nil {
		return nil, fmt.Errorf("memstore: get: %w", err)
	}
	return m, nil
}

// Query returns up to k records ranked by cosine similarity to vec, ties
// broken by newest first. Only records of vec's dimension are considered.
func (s *Store) Query(ctx context.Context, vec []float32, k int, f Filter) ([]models.ScoredMemory, error) {
	if k <= 0 || f.excludes(s.scope) {
		return []models.ScoredMemory{}, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("memstore: serialize query: %w", err)
	}

	clauses, args := f.where([]string{"dim = ?"}, []any{len(vec)})
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+selectColumns+`, vec_distance_cosine(embedding, ?) AS distance
		FROM memories
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY distance ASC, created_at DESC
		LIMIT ?
	`, append(append([]any{blob}, args...), k)...)
	if err != nil {
		return nil, fmt.Errorf("memstore: query: %w", err)
	}
	defer rows.Close()

	out := []models.ScoredMemory{}
	for rows.Next() {
		var distance float64
		m, err := scanMemory(rows, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredMemory{Memory: *m, Score: 1 - distance})
	}
	return out, rows.Err()
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int) ([]models.Memory, int, error) {
	if f.excludes(s.scope) {
		return []models.Memory{}, 0, nil
	}
	clauses, args := f.where([]string{"1 = 1"}, nil)
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("memstore: count: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM memories
		WHERE `+where+`
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, max(offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("memstore: list: %w", err)
	}
	defer rows.Close()

	out := []models.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *m)
	}
	return out, total, rows.Err()
}

// All returns every record in id order, vectors included.
func (s *Store) All(ctx context.Context) ([]models.Memory, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+selectColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("memstore: all: %w", err)
	}
	defer rows.Close()
	out := []models.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// IDsBySource returns the ids of every record from source.
func (s *Store) IDsBySource(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM memories WHERE source = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("memstore: ids by source: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// Exists returns the subset of ids already stored.
func (s *Store) Exists(ctx context.Context, ids []string) (map[string]struct{}, error) {
	sources, err := s.Sources(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(sources))
	for id := range sources {
		out[id] = struct{}{}
	}
	return out, nil
}

// Sources maps each stored id among ids to its record's source.
func (s *Store) Sources(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for start := 0; start < len(ids); start += 500 {
		batch := ids[start:min(start+500, len(ids))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := s.conn.QueryContext(ctx,
			`SELECT id, source FROM memories WHERE id IN (?`+strings.Repeat(",?", len(batch)-1)+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("memstore: lookup ids: %w", err)
		}
		for rows.Next() {
			var id, source string
			if err := rows.Scan(&id, &source); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = source
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes records by id and returns how many existed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := s.withWriteLock(ctx, "memstore.delete", func() error {
		var err error
		n, err = s.deleteIDs(ctx, ids)
		return err
	})
	return n, err
}

func (s *Store) deleteIDs(ctx context.Context, ids []string) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	n := 0
	for _, id := range ids {
		ftsDelete(tx, id)
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("memstore: delete %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memstore: commit: %w", err)
	}
	s.writes.Add(int64(len(ids)))
	return n, nil
}

// DeleteBySource removes every record from source.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int, error) {
	ids, err := s.IDsBySource(ctx, source)
	if err != nil {
		return 0, err
	}
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	return s.Delete(ctx, list)
}

// Stats summarizes the collection.
type Stats struct {
	Scope    models.Scope   `json:"scope"`
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type"`
	BySource map[string]int `json:"by_source"`
}

// Stats counts records by type and by source.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Scope: s.scope, ByType: map[string]int{}, BySource: map[string]int{}}
	for _, q := range []struct {
		sql  string
		into map[string]int
	}{
		{`SELECT memory_type, count(*) FROM memories GROUP BY memory_type`, st.ByType},
		{`SELECT source, count(*) FROM memories GROUP BY source`, st.BySource},
	} {
		rows, err := s.conn.QueryContext(ctx, q.sql)
		if err != nil {
			return nil, fmt.Errorf("memstore: stats: %w", err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			q.into[key] = n
		}
		rows.Close()
	}
	for _, n := range st.ByType {
		st.Total += n
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner, extra ...any) (*models.Memory, error) {
	var (
		m        models.Memory
		blob     []byte
		typ      string
		tagsJSON string
		scope    string
		created  int64
	)
	dest := append([]any{&m.ID, &m.Content, &blob, &typ, &tagsJSON, &m.Source, &scope, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	m.Type = models.MemoryType(typ)
	m.Scope = models.Scope(scope)
	m.CreatedAt = time.Unix(0, created).UTC()
	m.Embedding = decodeVector(blob)
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil || m.Tags == nil {
		m.Tags = []string{}
	}
	return &m, nil
}

// decodeVector reverses sqlite_vec.SerializeFloat32 (little-endian float32).
func decodeVector(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
