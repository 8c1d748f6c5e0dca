// Package store implements the incremental document store: one item
// collection per source plus side collections, held in memory and flushed
// whole to a JSON-file or SQLite backend on every write.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/masahif/itemtadoru/internal/freshness"
	"github.com/masahif/itemtadoru/internal/logging"
)

// Registry owns every open collection of the process. It is constructed
// once at startup and passed to the components that read or write items.
type Registry struct {
	backend Backend
	cache   *WriteCache
	policy  freshness.Policy
	logger  *slog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
	documents   map[string]*Document
}

// NewRegistry returns a registry on backend. Each registry starts with an
// empty write cache.
func NewRegistry(backend Backend, policy freshness.Policy, logger *slog.Logger) *Registry {
	return &Registry{
		backend:     backend,
		cache:       NewWriteCache(),
		policy:      policy,
		logger:      logging.Component(logger, "store"),
		collections: make(map[string]*Collection),
		documents:   make(map[string]*Document),
	}
}

// Policy returns the freshness policy applied to collections
func (r *Registry) Policy() freshness.Policy {
	return r.policy
}

// Collection returns the item collection of source, loading it from the
// backend on first access. A blank source yields a nil handle, on which
// every operation logs and fails.
func (r *Registry) Collection(source string) *Collection {
	if strings.TrimSpace(source) == "" {
		r.logger.Error("Missing required input", "op", "Collection", "field", "source")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.collections[source]; ok {
		return c
	}

	c := newCollection(source, r.backend, r.cache, r.policy, r.logger)
	doc, err := r.backend.Load(source)
	if err != nil {
		r.logger.Error("Failed to load collection, starting empty", "collection", source, "error", err)
	} else if err := c.load(doc); err != nil {
		r.logger.Error("Failed to decode collection, starting empty", "collection", source, "error", err)
		c.items = make(map[string]*Item)
	}
	r.logger.Debug("Collection opened", "collection", source, "items", len(c.items))

	r.collections[source] = c
	return c
}

// Side returns the side collection <source>-<kind>
func (r *Registry) Side(source, kind string) *Document {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(kind) == "" {
		r.logger.Error("Missing required input", "op", "Side", "source", source, "kind", kind)
		return nil
	}
	prefix := source + "-" + kind

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.documents[prefix]; ok {
		return d
	}

	d := newDocument(prefix, r.backend, r.cache, r.logger)
	doc, err := r.backend.Load(prefix)
	if err != nil {
		r.logger.Error("Failed to load collection, starting empty", "collection", prefix, "error", err)
	} else if err := d.load(doc); err != nil {
		r.logger.Error("Failed to decode collection, starting empty", "collection", prefix, "error", err)
	}

	r.documents[prefix] = d
	return d
}

// RecordFiles replaces the known file list of an item
func (r *Registry) RecordFiles(source, itemID string, files []string) bool {
	sorted := append([]string{}, files...)
	sort.Strings(sorted)
	return r.Side(source, KindFiles).Set(itemID, sorted)
}

// SetFavorite marks or unmarks an item as favorite
func (r *Registry) SetFavorite(source, itemID string, favorite bool) bool {
	doc := r.Side(source, KindFavorite)
	if !favorite {
		doc.Delete(itemID)
		return true
	}
	return doc.Set(itemID, true)
}

// SetPrediction stores an opaque classification result for an item
func (r *Registry) SetPrediction(source, itemID string, prediction any) bool {
	return r.Side(source, KindPredictions).Set(itemID, prediction)
}

// Sources lists the item collections known to the backend and the ones
// opened during this run, side collections excluded.
func (r *Registry) Sources() []string {
	seen := make(map[string]bool)

	prefixes, err := r.backend.Prefixes()
	if err != nil {
		r.logger.Error("Failed to list collections", "error", err)
	}
	for _, p := range prefixes {
		if isSidePrefix(p) {
			continue
		}
		seen[p] = true
	}

	r.mu.Lock()
	for name := range r.collections {
		seen[name] = true
	}
	r.mu.Unlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isSidePrefix(prefix string) bool {
	for _, kind := range []string{KindProducts, KindReviews, KindFiles, KindFavorite, KindPredictions} {
		if strings.HasSuffix(prefix, "-"+kind) {
			return true
		}
	}
	return false
}

// FlushAll writes every open collection, waiting for in-progress flushes
// of the same prefix to finish first so the final state is captured.
func (r *Registry) FlushAll() {
	r.mu.Lock()
	collections := make([]*Collection, 0, len(r.collections))
	for _, c := range r.collections {
		collections = append(collections, c)
	}
	documents := make([]*Document, 0, len(r.documents))
	for _, d := range r.documents {
		documents = append(documents, d)
	}
	r.mu.Unlock()

	for _, c := range collections {
		r.waitIdle(c.prefix)
		c.Flush()
	}
	for _, d := range documents {
		r.waitIdle(d.prefix)
		d.Flush()
	}
}

func (r *Registry) waitIdle(prefix string) {
	for r.cache.InProgress(prefix) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close flushes everything and closes the backend
func (r *Registry) Close() error {
	r.FlushAll()
	return r.backend.Close()
}
