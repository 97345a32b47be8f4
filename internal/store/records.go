package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kamesync/internal/models"
)

// Record is one replica row: the server id plus the resource body as JSON.
// The engine does not interpret Data; consumers decode into their own types.
type Record struct {
	ID        models.EntityID
	Data      json.RawMessage
	Origin    string
	UpdatedAt time.Time
}

// NewRecord marshals v into a Record with the given id.
func NewRecord(id models.EntityID, v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode record %d: %w", id, err)
	}
	return Record{ID: id, Data: data}, nil
}

// BulkUpsert writes one authoritative page into the replica. Keyed upserts
// make re-applying the same page a no-op, so an interrupted walk can safely
// re-fetch pages it already applied.
func (s *Store) BulkUpsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (collection, id, data, origin, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(collection, id) DO UPDATE SET
            data = excluded.data,
            origin = excluded.origin,
            updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, collection, rec.ID.Int64(), string(rec.Data), models.OriginAuthoritative, now); err != nil {
			return fmt.Errorf("upsert record %s/%d: %w", collection, rec.ID, err)
		}
	}

	return tx.Commit()
}

// PutOptimistic writes a single locally-fabricated record. It never
// overwrites an authoritative row for the same id.
func (s *Store) PutOptimistic(ctx context.Context, collection string, rec Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO records (collection, id, data, origin, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(collection, id) DO UPDATE SET
            data = excluded.data,
            origin = excluded.origin,
            updated_at = excluded.updated_at
        WHERE records.origin = ?`,
		collection, rec.ID.Int64(), string(rec.Data), models.OriginOptimistic, time.Now(), models.OriginOptimistic)
	if err != nil {
		return fmt.Errorf("put optimistic %s/%d: %w", collection, rec.ID, err)
	}
	return nil
}

// PurgeOptimistic removes every optimistic record of the collection. Called
// after a full authoritative pull: any surviving placeholder would now
// double-count data the server has already incorporated.
func (s *Store) PurgeOptimistic(ctx context.Context, collection string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND (origin = ? OR id < 0)`,
		collection, models.OriginOptimistic)
	if err != nil {
		return 0, fmt.Errorf("purge optimistic %s: %w", collection, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge optimistic %s: %w", collection, err)
	}
	return n, nil
}

// Get returns one record or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection string, id models.EntityID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, origin, updated_at FROM records WHERE collection = ? AND id = ?`,
		collection, id.Int64())

	var rec Record
	var data string
	err := row.Scan(&rec.ID, &data, &rec.Origin, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%d: %w", collection, id, err)
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// FindBySubject returns the collection record whose body carries the given
// subject_id, or ErrNotFound. Pending placeholders shadow authoritative rows.
func (s *Store) FindBySubject(ctx context.Context, collection string, subjectID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, origin, updated_at FROM records
         WHERE collection = ? AND json_extract(data, '$.subject_id') = ?
         ORDER BY id LIMIT 1`,
		collection, subjectID)

	var rec Record
	var data string
	err := row.Scan(&rec.ID, &data, &rec.Origin, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by subject %s/%d: %w", collection, subjectID, err)
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// List returns all records of the collection ordered by id.
func (s *Store) List(ctx context.Context, collection string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT id, data, origin, updated_at FROM records WHERE collection = ? ORDER BY id`,
		collection)
}

// ListUpdatedSince returns records written after the given time.
func (s *Store) ListUpdatedSince(ctx context.Context, collection string, since time.Time) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT id, data, origin, updated_at FROM records WHERE collection = ? AND updated_at > ? ORDER BY id`,
		collection, since)
}

// ListOptimistic returns the collection's placeholder records.
func (s *Store) ListOptimistic(ctx context.Context, collection string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT id, data, origin, updated_at FROM records WHERE collection = ? AND (origin = ? OR id < 0) ORDER BY id`,
		collection, models.OriginOptimistic)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.ID, &data, &rec.Origin, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = json.RawMessage(data)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records %s: %w", collection, err)
	}
	return count, nil
}

// Delete removes one record; missing rows are not an error.
func (s *Store) Delete(ctx context.Context, collection string, id models.EntityID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id.Int64())
	if err != nil {
		return fmt.Errorf("delete record %s/%d: %w", collection, id, err)
	}
	return nil
}
