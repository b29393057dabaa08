package memstore

import (
	"context"
	"fmt"
	"log/slog"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/starford/mneme/internal/destructive"
	"github.com/starford/mneme/internal/models"
)

// Snapshotter writes a full backup of a store and returns where it went.
type Snapshotter interface {
	Snapshot(ctx context.Context, s *Store) (string, error)
}

// DeleteByQuery removes every record whose similarity to vec is at least
// threshold and returns the deleted ids mapped to their sources. op must be
// a confirmed destructive.DeleteByQuery for this scope.
func (s *Store) DeleteByQuery(ctx context.Context, op *destructive.Operation, vec []float32, threshold float64) (map[string]string, error) {
	if err := op.Authorize(destructive.DeleteByQuery, s.scope); err != nil {
		return nil, err
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("memstore: serialize query: %w", err)
	}

	deleted := map[string]string{}
	err = s.withWriteLock(ctx, "memstore.delete_by_query", func() error {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, source FROM memories
			WHERE dim = ? AND 1 - vec_distance_cosine(embedding, ?) >= ?
		`, len(vec), blob, threshold)
		if err != nil {
			return fmt.Errorf("memstore: match query: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id, source string
			if err := rows.Scan(&id, &source); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			deleted[id] = source
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = s.deleteIDs(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("memstore: deleted by query", slog.Int("count", len(deleted)), slog.Float64("threshold", threshold))
	return deleted, nil
}

// Reset clears the collection after snap has written a backup of it.
// The backup is taken under the write lock, so no write can land between
// it and the clear. If the backup fails nothing is deleted. It returns the
// backup path.
func (s *Store) Reset(ctx context.Context, op *destructive.Operation, snap Snapshotter) (string, error) {
	if err := op.Authorize(destructive.Reset, s.scope); err != nil {
		return "", err
	}
	path, err := s.snapshotAndClear(ctx, "memstore.reset", snap, nil)
	if err != nil {
		return "", err
	}
	s.logger.Info("memstore: reset", slog.String("backup", path))
	return path, nil
}

// ReplaceAll swaps the whole collection for records in one transaction.
// op must be a confirmed destructive.RestoreReplace for this scope. When
// snap is set it backs up the current contents under the same write lock
// and ReplaceAll returns that path.
func (s *Store) ReplaceAll(ctx context.Context, op *destructive.Operation, records []models.Memory, snap Snapshotter) (string, error) {
	if err := op.Authorize(destructive.RestoreReplace, s.scope); err != nil {
		return "", err
	}
	for i := range records {
		if err := s.validate(&records[i]); err != nil {
			return "", err
		}
	}
	return s.snapshotAndClear(ctx, "memstore.replace_all", snap, records)
}

func (s *Store) snapshotAndClear(ctx context.Context, op string, snap Snapshotter, records []models.Memory) (string, error) {
	var path string
	err := s.withWriteLock(ctx, op, func() error {
		if snap != nil {
			p, err := snap.Snapshot(ctx, s)
			if err != nil {
				return fmt.Errorf("memstore: backup before clear: %w", err)
			}
			path = p
		}
		return s.clear(ctx, records)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// clear deletes everything and inserts records, atomically.
func (s *Store) clear(ctx context.Context, records []models.Memory) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM memories`)
	if err != nil {
		return fmt.Errorf("memstore: clear: %w", err)
	}
	if err := ftsClear(tx); err != nil {
		return err
	}
	if err := s.upsertTx(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memstore: commit: %w", err)
	}
	n, _ := res.RowsAffected()
	s.writes.Add(n + int64(len(records)))
	return nil
}
