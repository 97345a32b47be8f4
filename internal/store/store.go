package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Store is the local durable replica: collection records, sync cursors, the
// submission queue and scalar state all live in one sqlite file. It is the
// sole source of truth between process restarts.
type Store struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewStore(path string, logger *zerolog.Logger) (*Store, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	logger.Info().Str("path", path).Msg("local store initialized")
	return &Store{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Реплики серверных коллекций, ключ (collection, id)
		`CREATE TABLE IF NOT EXISTS records (
            collection TEXT NOT NULL,
            id INTEGER NOT NULL,
            data TEXT NOT NULL,
            origin TEXT NOT NULL DEFAULT 'authoritative',
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (collection, id)
        )`,

		// Курсоры инкрементальной синхронизации
		`CREATE TABLE IF NOT EXISTS sync_cursors (
            collection TEXT PRIMARY KEY,
            last_synced_at DATETIME,
            schema_version INTEGER NOT NULL,
            known_total INTEGER NOT NULL DEFAULT 0
        )`,

		// Очередь отложенных отправок
		`CREATE TABLE IF NOT EXISTS submission_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            target_id INTEGER NOT NULL,
            session_ref TEXT NOT NULL DEFAULT '',
            item_ref INTEGER NOT NULL DEFAULT 0,
            payload TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            failed_attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            processed_at DATETIME
        )`,

		// Скалярное состояние: счетчики временных id, профиль, сводка
		`CREATE TABLE IF NOT EXISTS scalar_state (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_records_origin ON records(collection, origin)`,
		`CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(collection, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_created_at ON submission_queue(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %v", query, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
