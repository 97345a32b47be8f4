package store

import (
	"context"
	"database/sql"
	"fmt"

	"kamesync/internal/models"
)

// Cursor returns the stored sync cursor for a collection, or a zero cursor
// (no prior sync) when none exists.
func (s *Store) Cursor(ctx context.Context, collection string) (models.SyncCursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at, schema_version, known_total FROM sync_cursors WHERE collection = ?`,
		collection)

	cursor := models.SyncCursor{Collection: collection}
	var lastSynced sql.NullTime
	err := row.Scan(&lastSynced, &cursor.SchemaVersion, &cursor.KnownTotal)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("get cursor %s: %w", collection, err)
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		cursor.LastSyncedAt = &t
	}
	return cursor, nil
}

// SaveCursor persists the cursor after a completed walk.
func (s *Store) SaveCursor(ctx context.Context, cursor models.SyncCursor) error {
	var lastSynced interface{}
	if cursor.LastSyncedAt != nil {
		lastSynced = *cursor.LastSyncedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursors (collection, last_synced_at, schema_version, known_total)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(collection) DO UPDATE SET
            last_synced_at = excluded.last_synced_at,
            schema_version = excluded.schema_version,
            known_total = excluded.known_total`,
		cursor.Collection, lastSynced, cursor.SchemaVersion, cursor.KnownTotal)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", cursor.Collection, err)
	}
	return nil
}

// SaveKnownTotal updates only the cached server-declared total. Used for the
// progress indicator mid-walk without advancing the cursor.
func (s *Store) SaveKnownTotal(ctx context.Context, collection string, total int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursors (collection, last_synced_at, schema_version, known_total)
        VALUES (?, NULL, 0, ?)
        ON CONFLICT(collection) DO UPDATE SET known_total = excluded.known_total`,
		collection, total)
	if err != nil {
		return fmt.Errorf("save known total %s: %w", collection, err)
	}
	return nil
}
