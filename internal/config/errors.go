package config

import "errors"

var (
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidTimeout is returned when a task or request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("task_timeout and request_timeout must be greater than 0")
	// ErrInvalidTTL is returned when ttl_hours is not greater than 0
	ErrInvalidTTL = errors.New("ttl_hours must be greater than 0")
	// ErrEmptyRootDir is returned when root_dir is empty
	ErrEmptyRootDir = errors.New("root_dir cannot be empty")
	// ErrEmptyDatabasePath is returned when the sqlite backend has no database path
	ErrEmptyDatabasePath = errors.New("store.database_path cannot be empty")
	// ErrUnknownBackend is returned for a store backend other than json or sqlite
	ErrUnknownBackend = errors.New("store.backend must be json or sqlite")
	// ErrInvalidQuality is returned when media.encoder_quality is outside 0-100
	ErrInvalidQuality = errors.New("media.encoder_quality must be between 0 and 100")
	// ErrInvalidSource is returned for a source without name or base_url, or a duplicate name
	ErrInvalidSource = errors.New("each source needs a unique single-segment name and a base_url")
)
