package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/masahif/itemtadoru/internal/config"
)

var (
	// ErrUnknownBackend is returned by OpenBackend for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown store backend")
	// ErrInvalidPrefix is returned for collection prefixes that cannot name a file
	ErrInvalidPrefix = errors.New("invalid collection prefix")
)

// Backend persists whole collection documents keyed by prefix. Load returns
// a nil document without error when the prefix was never saved.
type Backend interface {
	Load(prefix string) (json.RawMessage, error)
	Save(prefix string, doc json.RawMessage) error
	Prefixes() ([]string, error)
	Close() error
}

// OpenBackend opens the backend selected by cfg. dataDir holds the JSON
// collections.
func OpenBackend(cfg config.StoreConfig, dataDir string) (Backend, error) {
	switch cfg.Backend {
	case config.BackendJSON, "":
		return NewJSONBackend(dataDir)
	case config.BackendSQLite:
		return NewSQLiteBackend(cfg.DatabasePath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// JSONBackend stores one JSON document per prefix at <dir>/<prefix>.json
type JSONBackend struct {
	dir string
}

// NewJSONBackend creates dir if needed and returns a backend rooted there
func NewJSONBackend(dir string) (*JSONBackend, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}
	return &JSONBackend{dir: dir}, nil
}

func (b *JSONBackend) path(prefix string) (string, error) {
	if prefix == "" || strings.ContainsAny(prefix, `/\`) || prefix == "." || prefix == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	return filepath.Join(b.dir, prefix+".json"), nil
}

// Load reads the document of prefix
func (b *JSONBackend) Load(prefix string) (json.RawMessage, error) {
	path, err := b.path(prefix)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", prefix, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Save atomically replaces the document of prefix (temp file, fsync, rename)
func (b *JSONBackend) Save(prefix string, doc json.RawMessage) error {
	path, err := b.path(prefix)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, "."+prefix+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing collection %s: %w", prefix, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Prefixes lists saved prefixes in sorted order
func (b *JSONBackend) Prefixes() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var prefixes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		prefixes = append(prefixes, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

// Close is a no-op for the file backend
func (b *JSONBackend) Close() error { return nil }
