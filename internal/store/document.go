package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Side collection kinds, stored under the prefix <source>-<kind>
const (
	KindProducts    = "products"
	KindReviews     = "reviews"
	KindFiles       = "files"
	KindFavorite    = "favorite"
	KindPredictions = "predictions"
)

// Document is a flat JSON object keyed by entity ID whose values the store
// does not interpret. Side collections use it.
type Document struct {
	prefix  string
	mu      sync.RWMutex
	entries map[string]json.RawMessage
	backend Backend
	cache   *WriteCache
	logger  *slog.Logger
}

func newDocument(prefix string, backend Backend, cache *WriteCache, logger *slog.Logger) *Document {
	return &Document{
		prefix:  prefix,
		entries: make(map[string]json.RawMessage),
		backend: backend,
		cache:   cache,
		logger:  logger.With("collection", prefix),
	}
}

func (d *Document) load(doc json.RawMessage) error {
	if len(doc) == 0 {
		return nil
	}
	return json.Unmarshal(doc, &d.entries)
}

// Get returns the raw value stored under id
func (d *Document) Get(id string) (json.RawMessage, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// Set stores value under id and flushes. A nil value or an empty id is
// rejected.
func (d *Document) Set(id string, value any) bool {
	if d == nil {
		slog.Error("Collection handle missing", "op", "Set")
		return false
	}
	if id == "" {
		d.logger.Error("Missing required input", "op", "Set", "field", "id")
		return false
	}
	raw, err := encodePayload(value)
	if err != nil || raw == nil {
		d.logger.Error("Missing required input", "op", "Set", "field", "value", "id", id, "error", err)
		return false
	}

	d.mu.Lock()
	d.entries[id] = raw
	d.mu.Unlock()

	d.Flush()
	return true
}

// Delete removes id and flushes
func (d *Document) Delete(id string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	_, ok := d.entries[id]
	delete(d.entries, id)
	d.mu.Unlock()

	if ok {
		d.Flush()
	}
	return ok
}

// Keys returns the entry IDs in sorted order
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush writes the document to the backend, coalesced like Collection.Flush
func (d *Document) Flush() bool {
	if d == nil {
		return false
	}
	return flushPrefix(d.prefix, d.backend, d.cache, d.logger, func() ([]byte, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return json.Marshal(d.entries)
	})
}
