package store

const schemaSQL = `
-- One row per collection prefix; document holds the flat JSON object
-- keyed by entity ID exactly as the file backend writes it
CREATE TABLE IF NOT EXISTS collections (
    prefix TEXT PRIMARY KEY NOT NULL,
    document TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_collections_updated ON collections(updated_at);

-- Flush history for observing write pressure per collection
CREATE TABLE IF NOT EXISTS flush_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prefix TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    flushed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flush_log_prefix ON flush_log(prefix, flushed_at);
`
