package store

import (
	"context"
	"fmt"
	"time"

	"kamesync/internal/models"
)

func (s *Store) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	query := `INSERT INTO submission_queue (kind, target_id, session_ref, item_ref, payload, idempotency_key, created_at, failed_attempts, last_error)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, query,
		item.Kind,
		item.TargetID.Int64(),
		item.SessionRef,
		item.ItemRef,
		item.Payload,
		item.IdempotencyKey,
		item.CreatedAt,
		item.FailedAttempts,
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id

	return nil
}

// ListQueueItems returns all pending submissions in arrival order.
func (s *Store) ListQueueItems(ctx context.Context) ([]models.QueueItem, error) {
	query := `SELECT id, kind, target_id, session_ref, item_ref, payload, idempotency_key, created_at, failed_attempts, last_error, processed_at
              FROM submission_queue
              ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		var targetID int64
		err := rows.Scan(
			&item.ID, &item.Kind, &targetID, &item.SessionRef, &item.ItemRef,
			&item.Payload, &item.IdempotencyKey, &item.CreatedAt,
			&item.FailedAttempts, &item.LastError, &item.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.TargetID = models.EntityID(targetID)
		items = append(items, item)
	}
	return items, rows.Err()
}

// BumpQueueItemFailure increments the failure counter and records the error.
func (s *Store) BumpQueueItemFailure(ctx context.Context, id int64, errMsg string) error {
	query := `UPDATE submission_queue SET failed_attempts = failed_attempts + 1, last_error = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to bump queue item %d: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteQueueItem(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM submission_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	return nil
}

func (s *Store) CountQueueItems(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submission_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}
