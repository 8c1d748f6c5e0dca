package store

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/masahif/itemtadoru/internal/freshness"
)

// Collection is the item collection of one source. Reads are safe
// concurrently; every mutation schedules a flush of the whole collection.
type Collection struct {
	prefix  string
	mu      sync.RWMutex
	items   map[string]*Item
	backend Backend
	cache   *WriteCache
	policy  freshness.Policy
	logger  *slog.Logger
	now     func() time.Time
}

func newCollection(prefix string, backend Backend, cache *WriteCache, policy freshness.Policy, logger *slog.Logger) *Collection {
	now := policy.Now
	if now == nil {
		now = time.Now
	}
	return &Collection{
		prefix:  prefix,
		items:   make(map[string]*Item),
		backend: backend,
		cache:   cache,
		policy:  policy,
		logger:  logger.With("collection", prefix),
		now:     now,
	}
}

// load fills the collection from its stored document
func (c *Collection) load(doc json.RawMessage) error {
	if len(doc) == 0 {
		return nil
	}
	var items map[string]*Item
	if err := json.Unmarshal(doc, &items); err != nil {
		return err
	}
	for id, it := range items {
		if it == nil {
			continue
		}
		if it.ID == "" {
			it.ID = id
		}
		c.items[id] = it
	}
	return nil
}

// missing logs an input contract violation and reports whether one occurred
func missing(c *Collection, op string, fields map[string]string) bool {
	if c == nil {
		slog.Error("Collection handle missing", "op", op)
		return true
	}
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			c.logger.Error("Missing required input", "op", op, "field", name)
			return true
		}
	}
	return false
}

// ensure returns the item with id, creating it when absent. Caller holds mu.
func (c *Collection) ensure(id string) *Item {
	it, ok := c.items[id]
	if !ok {
		it = newItem(id)
		c.items[id] = it
		c.logger.Debug("Item created", "item_id", id)
	}
	return it
}

// Name returns the collection prefix
func (c *Collection) Name() string {
	if c == nil {
		return ""
	}
	return c.prefix
}

// UpsertItem creates the item if absent and shallowly merges patch into it.
// Existing fields are never removed: nil values are ignored, tags are
// unioned, and last_updated and reviews cannot be set through a patch.
func (c *Collection) UpsertItem(id string, patch map[string]any) bool {
	if missing(c, "UpsertItem", map[string]string{"id": id}) {
		return false
	}

	c.mu.Lock()
	it := c.ensure(id)
	for k, v := range patch {
		if v == nil {
			continue
		}
		switch k {
		case keyID:
		case keyBrand:
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				it.Brand = s
			}
		case keyTags:
			for _, tag := range toStrings(v) {
				if strings.TrimSpace(tag) != "" && !it.HasTag(tag) {
					it.Tags = append(it.Tags, tag)
				}
			}
		case keyDeleted:
			if b, ok := v.(bool); ok {
				it.Deleted = b
			}
		case keyLastUpdated, keyReviews:
			c.logger.Warn("Patch field ignored", "item_id", id, "field", k)
		default:
			raw, err := encodePayload(v)
			if err != nil {
				c.logger.Error("Patch field not encodable", "item_id", id, "field", k, "error", err)
				continue
			}
			if raw != nil {
				it.Meta[k] = raw
			}
		}
	}
	c.mu.Unlock()

	c.Flush()
	return true
}

// TouchUpdatedTime sets the item's last update time, creating the item if
// absent. A zero at means now.
func (c *Collection) TouchUpdatedTime(id string, at time.Time) bool {
	if missing(c, "TouchUpdatedTime", map[string]string{"id": id}) {
		return false
	}
	if at.IsZero() {
		at = c.now()
	}

	c.mu.Lock()
	it := c.ensure(id)
	at = at.UTC()
	it.LastUpdated = &at
	c.mu.Unlock()

	c.Flush()
	return true
}

// AddTag appends tag to the item's tag set if not already present
func (c *Collection) AddTag(id, tag string) bool {
	if missing(c, "AddTag", map[string]string{"id": id}) {
		return false
	}
	if strings.TrimSpace(tag) == "" {
		return false
	}

	c.mu.Lock()
	it := c.ensure(id)
	if it.HasTag(tag) {
		c.mu.Unlock()
		return true
	}
	it.Tags = append(it.Tags, tag)
	c.mu.Unlock()

	c.logger.Debug("Tag added", "item_id", id, "tag", tag)
	c.Flush()
	return true
}

// SetBrand sets the item's brand only if it is unset
func (c *Collection) SetBrand(id, brand string) bool {
	if missing(c, "SetBrand", map[string]string{"id": id, "brand": brand}) {
		return false
	}

	c.mu.Lock()
	it := c.ensure(id)
	if it.Brand != "" {
		c.mu.Unlock()
		return false
	}
	it.Brand = brand
	c.mu.Unlock()

	c.logger.Info("Brand set", "item_id", id, "brand", brand)
	c.Flush()
	return true
}

// AddReview stores a review under item id, creating the item if needed.
// Re-adding an identical payload is a silent no-op; a different payload
// overwrites the entry. With suppressWrite the in-memory state changes but
// no flush is issued.
func (c *Collection) AddReview(id, reviewID string, payload any, suppressWrite bool) bool {
	if missing(c, "AddReview", map[string]string{"id": id, "review_id": reviewID}) {
		return false
	}

	raw, err := encodePayload(payload)
	if err != nil {
		c.logger.Error("Review payload not encodable", "item_id", id, "review_id", reviewID, "error", err)
		return false
	}
	if raw == nil {
		c.logger.Error("Missing required input", "op", "AddReview", "field", "payload", "item_id", id)
		return false
	}

	c.mu.Lock()
	it := c.ensure(id)
	existing, found := it.Reviews[reviewID]
	if found && bytes.Equal(existing.Payload, raw) {
		c.mu.Unlock()
		return true
	}
	it.Reviews[reviewID] = Review{ID: reviewID, Payload: raw}
	count := len(it.Reviews)
	c.mu.Unlock()

	if found {
		c.logger.Info("Review updated", "item_id", id, "review_id", reviewID)
	} else {
		c.logger.Info("Review added", "item_id", id, "review_id", reviewID, "reviews", count)
	}

	if !suppressWrite {
		c.Flush()
	}
	return true
}

// MarkDeleted flags the item as deleted; deleted items are skipped by ListActive
func (c *Collection) MarkDeleted(id string) bool {
	if missing(c, "MarkDeleted", map[string]string{"id": id}) {
		return false
	}

	c.mu.Lock()
	it := c.ensure(id)
	it.Deleted = true
	c.mu.Unlock()

	c.logger.Info("Item marked deleted", "item_id", id)
	c.Flush()
	return true
}

// GetItem returns a copy of the item
func (c *Collection) GetItem(id string) (Item, bool) {
	if missing(c, "GetItem", map[string]string{"id": id}) {
		return Item{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// GetReview returns a copy of one review of an item
func (c *Collection) GetReview(id, reviewID string) (Review, bool) {
	if missing(c, "GetReview", map[string]string{"id": id, "review_id": reviewID}) {
		return Review{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[id]
	if !ok {
		return Review{}, false
	}
	r, ok := it.Reviews[reviewID]
	if !ok {
		return Review{}, false
	}
	return Review{ID: r.ID, Payload: append(json.RawMessage(nil), r.Payload...)}, true
}

// IsFresh reports whether item id was updated within the TTL
func (c *Collection) IsFresh(id string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[id]
	if !ok {
		return false
	}
	return c.policy.Fresh(it.LastUpdated)
}

// ListActive returns the IDs that still need work: neither deleted nor
// fresh, ordered by ascending review count so unseen items come first.
// A non-empty singleID restricts the result to that entity; an ID the
// collection has never seen is returned as is.
func (c *Collection) ListActive(singleID string) []string {
	if c == nil {
		slog.Error("Collection handle missing", "op", "ListActive")
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if singleID != "" {
		it, ok := c.items[singleID]
		if !ok {
			return []string{singleID}
		}
		if it.Deleted || c.policy.Fresh(it.LastUpdated) {
			return nil
		}
		return []string{singleID}
	}

	type candidate struct {
		id      string
		reviews int
	}
	candidates := make([]candidate, 0, len(c.items))
	for id, it := range c.items {
		if it.Deleted || c.policy.Fresh(it.LastUpdated) {
			continue
		}
		candidates = append(candidates, candidate{id: id, reviews: len(it.Reviews)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].reviews != candidates[j].reviews {
			return candidates[i].reviews < candidates[j].reviews
		}
		return candidates[i].id < candidates[j].id
	})

	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.id
	}
	return ids
}

// IDs returns every item ID in sorted order, deleted ones included
func (c *Collection) IDs() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of items
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Flush writes the collection to its backend. It returns false when a
// flush for the same prefix is already in progress or the write failed;
// failures are logged and the in-memory state stays authoritative.
func (c *Collection) Flush() bool {
	if c == nil {
		slog.Error("Collection handle missing", "op", "Flush")
		return false
	}
	return flushPrefix(c.prefix, c.backend, c.cache, c.logger, func() ([]byte, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return json.Marshal(c.items)
	})
}

// flushPrefix runs one coalesced flush
func flushPrefix(prefix string, backend Backend, cache *WriteCache, logger *slog.Logger, snapshot func() ([]byte, error)) bool {
	if !cache.TryBegin(prefix) {
		logger.Debug("Flush skipped, already in progress")
		return false
	}
	defer cache.End(prefix)

	doc, err := snapshot()
	if err != nil {
		logger.Error("Failed to encode collection", "error", err)
		return false
	}
	if err := backend.Save(prefix, doc); err != nil {
		logger.Error("Failed to flush collection", "error", err)
		return false
	}
	return true
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
