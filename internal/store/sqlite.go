package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend on a single SQLite database file
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := &SQLiteBackend{db: db}

	if err := b.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return b, nil
}

// InitSchema creates the database schema
func (b *SQLiteBackend) InitSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000", // 30 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := b.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := b.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Load returns the stored document of prefix
func (b *SQLiteBackend) Load(prefix string) (json.RawMessage, error) {
	var doc string
	err := b.db.QueryRow("SELECT document FROM collections WHERE prefix = ?", prefix).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", prefix, err)
	}
	return json.RawMessage(doc), nil
}

// Save replaces the document of prefix and appends to the flush log
func (b *SQLiteBackend) Save(prefix string, doc json.RawMessage) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO collections (prefix, document, size_bytes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(prefix) DO UPDATE SET
			document = excluded.document,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at
	`, prefix, string(doc), len(doc), now); err != nil {
		return fmt.Errorf("failed to save collection %s: %w", prefix, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO flush_log (prefix, size_bytes, flushed_at) VALUES (?, ?, ?)",
		prefix, len(doc), now,
	); err != nil {
		return fmt.Errorf("failed to record flush of %s: %w", prefix, err)
	}

	return tx.Commit()
}

// Prefixes lists stored prefixes in sorted order
func (b *SQLiteBackend) Prefixes() ([]string, error) {
	rows, err := b.db.Query("SELECT prefix FROM collections ORDER BY prefix")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prefixes []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan prefix: %w", err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, rows.Err()
}

// FlushCount returns how many times prefix has been saved
func (b *SQLiteBackend) FlushCount(prefix string) (int, error) {
	var n int
	if err := b.db.QueryRow("SELECT COUNT(*) FROM flush_log WHERE prefix = ?", prefix).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count flushes: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
