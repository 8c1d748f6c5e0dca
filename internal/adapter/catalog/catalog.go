// Package catalog is a reference adapter for shops exposing a JSON catalog:
//
//	GET /search?q=<query>&page=<n>         listing page
//	GET /brands/<brand>/items?page=<n>     listing page
//	GET /items/<id>                        item detail
//	GET /items/<id>/reviews?page=<n>       review page
//	GET /tags                              tag index
//
// Listing pages are {"items": [...], "has_more": bool}; review pages are
// {"reviews": [...], "has_more": bool}; the tag index is
// {"tags": {"<tag>": ["<id>", ...]}}.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/masahif/itemtadoru/internal/adapter"
	"github.com/masahif/itemtadoru/internal/fetch"
	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/media"
	"github.com/masahif/itemtadoru/internal/parser"
	"github.com/masahif/itemtadoru/internal/scheduler"
	"github.com/masahif/itemtadoru/internal/store"
)

// ErrIncompleteEnv is returned when a capability runs without its runtime
var ErrIncompleteEnv = errors.New("catalog: scheduler, collection and client are required")

// Config describes one catalog site
type Config struct {
	Name     string
	BaseURL  string
	MaxPages int // 0 follows has_more until the listing ends
}

// Catalog implements every capability of the adapter contract
type Catalog struct {
	cfg Config
}

// New returns a catalog adapter for cfg
func New(cfg Config) *Catalog {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Catalog{cfg: cfg}
}

// Register adds a catalog source to r
func Register(r *adapter.Registry, cfg Config) error {
	return r.Register(New(cfg).Source())
}

// Source returns the capability set
func (c *Catalog) Source() adapter.Source {
	return adapter.Source{
		Name:            c.cfg.Name,
		GetItemsByQuery: c.getItemsByQuery,
		UpdateItems:     c.updateItems,
		UpdateReviews:   c.updateReviews,
		UpdateItemByID:  c.updateItemByID,
		GetItemsByBrand: c.getItemsByBrand,
		UpdateWithTags:  c.updateWithTags,
	}
}

type listingPage struct {
	Items   []map[string]any `json:"items"`
	HasMore bool             `json:"has_more"`
}

type reviewPage struct {
	Reviews []json.RawMessage `json:"reviews"`
	HasMore bool              `json:"has_more"`
}

type reviewFields struct {
	ID       string `json:"id"`
	BodyHTML string `json:"body_html"`
}

type tagIndex struct {
	Tags map[string][]string `json:"tags"`
}

func (c *Catalog) endpoint(path string, query url.Values) string {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Catalog) logger(env adapter.Env) *slog.Logger {
	return logging.Component(env.Logger, "catalog").With("source", env.Source)
}

func checkEnv(env adapter.Env) error {
	if env.Scheduler == nil || env.Collection == nil || env.Client == nil {
		return ErrIncompleteEnv
	}
	return nil
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *Catalog) getItemsByQuery(ctx context.Context, env adapter.Env, query string) error {
	return c.paginate(ctx, env, "search "+query, func(page int) string {
		return c.endpoint("/search", url.Values{"q": {query}, "page": {strconv.Itoa(page)}})
	})
}

func (c *Catalog) getItemsByBrand(ctx context.Context, env adapter.Env, brand string) error {
	return c.paginate(ctx, env, "brand "+brand, func(page int) string {
		return c.endpoint("/brands/"+url.PathEscape(brand)+"/items", url.Values{"page": {strconv.Itoa(page)}})
	})
}

// paginate requests listing pages one at a time at page-discovery
// priority. Each page's items are upserted and stale ones get a detail
// task; the loop stops scheduling once a page reports the end.
func (c *Catalog) paginate(ctx context.Context, env adapter.Env, label string, pageURL func(page int) string) error {
	if err := checkEnv(env); err != nil {
		return err
	}
	logger := c.logger(env)

	ended := false
	for page := 1; !ended; page++ {
		if c.cfg.MaxPages > 0 && page > c.cfg.MaxPages {
			logger.Info("Page limit reached", "listing", label, "max_pages", c.cfg.MaxPages)
			break
		}

		target := pageURL(page)
		h := env.Scheduler.Submit(scheduler.PageDiscovery, fmt.Sprintf("%s page %d", label, page), func(ctx context.Context) (any, error) {
			resp, err := env.Client.Get(ctx, target)
			if err != nil {
				return nil, err
			}
			var lp listingPage
			if err := decode(resp.Body, &lp); err != nil {
				return nil, fmt.Errorf("decode listing %s: %w", target, err)
			}
			return lp, nil
		})
		v, err := h.Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s page %d: %w", label, page, err)
		}
		lp := v.(listingPage)

		scheduled := 0
		for _, entry := range lp.Items {
			id := idOf(entry["id"])
			if id == "" {
				logger.Warn("Listing entry without id", "listing", label, "page", page)
				continue
			}
			delete(entry, "id")
			env.Collection.UpsertItem(id, entry)
			if len(env.Collection.ListActive(id)) > 0 {
				c.submitItem(ctx, env, id)
				scheduled++
			}
		}
		logger.Info("Listing page processed", "listing", label, "page", page, "items", len(lp.Items), "scheduled", scheduled)

		if len(lp.Items) == 0 || !lp.HasMore {
			ended = true
		}
	}
	return nil
}

func (c *Catalog) updateItems(ctx context.Context, env adapter.Env) error {
	if err := checkEnv(env); err != nil {
		return err
	}
	ids := env.Collection.ListActive("")
	for _, id := range ids {
		c.submitItem(ctx, env, id)
	}
	c.logger(env).Info("Item updates scheduled", "items", len(ids))
	return nil
}

func (c *Catalog) updateReviews(ctx context.Context, env adapter.Env) error {
	if err := checkEnv(env); err != nil {
		return err
	}
	ids := env.Collection.ListActive("")
	for _, id := range ids {
		c.submitReviews(ctx, env, id)
	}
	c.logger(env).Info("Review updates scheduled", "items", len(ids))
	return nil
}

func (c *Catalog) updateItemByID(ctx context.Context, env adapter.Env, id string) error {
	if err := checkEnv(env); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		c.logger(env).Error("Missing required input", "op", "UpdateItemByID", "field", "id")
		return nil
	}
	if len(env.Collection.ListActive(id)) == 0 {
		c.logger(env).Info("Item fresh or deleted, skipping", "item_id", id)
		return nil
	}
	c.submitItem(ctx, env, id)
	c.submitReviews(ctx, env, id)
	return nil
}

func (c *Catalog) updateWithTags(ctx context.Context, env adapter.Env) error {
	if err := checkEnv(env); err != nil {
		return err
	}
	target := c.endpoint("/tags", nil)
	h := env.Scheduler.Submit(scheduler.PageDiscovery, "tag index", func(ctx context.Context) (any, error) {
		resp, err := env.Client.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		var idx tagIndex
		if err := decode(resp.Body, &idx); err != nil {
			return nil, fmt.Errorf("decode tag index: %w", err)
		}
		return idx, nil
	})
	v, err := h.Wait(ctx)
	if err != nil {
		return fmt.Errorf("tag index: %w", err)
	}
	idx := v.(tagIndex)

	tagged := make(map[string]bool)
	for tag, ids := range idx.Tags {
		for _, id := range ids {
			env.Collection.AddTag(id, tag)
			tagged[id] = true
		}
	}
	scheduled := 0
	for _, id := range env.Collection.ListActive("") {
		if tagged[id] {
			c.submitItem(ctx, env, id)
			scheduled++
		}
	}
	c.logger(env).Info("Tags applied", "tags", len(idx.Tags), "scheduled", scheduled)
	return nil
}

// submitItem queues the detail fetch of id. Media found there is handed
// to the pipeline under runCtx, which outlives the task.
func (c *Catalog) submitItem(runCtx context.Context, env adapter.Env, id string) *scheduler.Handle {
	return env.Scheduler.Submit(scheduler.ItemDetail, "item "+id, func(ctx context.Context) (any, error) {
		return nil, c.updateItem(runCtx, ctx, env, id)
	})
}

func (c *Catalog) updateItem(runCtx, ctx context.Context, env adapter.Env, id string) error {
	logger := c.logger(env)
	target := c.endpoint("/items/"+url.PathEscape(id), nil)

	resp, err := env.Client.Get(ctx, target)
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) && statusErr.NotFound() {
		env.Collection.MarkDeleted(id)
		logger.Info("Item gone", "item_id", id)
		return nil
	}
	if err != nil {
		return err
	}

	var detail map[string]any
	if err := decode(resp.Body, &detail); err != nil {
		return fmt.Errorf("decode item %s: %w", id, err)
	}

	if env.Store != nil {
		env.Store.Side(env.Source, store.KindProducts).Set(id, json.RawMessage(resp.Body))
	}

	urls := append(stringsOf(detail["images"]), stringsOf(detail["videos"])...)
	if body, ok := detail["description_html"].(string); ok && body != "" {
		if found, err := parser.ExtractMedia(resp.FinalURL, []byte(body)); err == nil {
			urls = append(urls, found...)
		}
	}

	for _, k := range []string{"id", "reviews", "last_updated"} {
		delete(detail, k)
	}
	env.Collection.UpsertItem(id, detail)
	c.enqueueMedia(runCtx, env, id, urls)
	env.Collection.TouchUpdatedTime(id, time.Time{})
	return nil
}

// submitReviews queues the review fetch of id
func (c *Catalog) submitReviews(runCtx context.Context, env adapter.Env, id string) *scheduler.Handle {
	return env.Scheduler.Submit(scheduler.ReviewDetail, "reviews "+id, func(ctx context.Context) (any, error) {
		return nil, c.fetchReviews(runCtx, ctx, env, id)
	})
}

func (c *Catalog) fetchReviews(runCtx, ctx context.Context, env adapter.Env, id string) error {
	logger := c.logger(env)
	total := 0

	ended := false
	for page := 1; !ended; page++ {
		if c.cfg.MaxPages > 0 && page > c.cfg.MaxPages {
			break
		}
		target := c.endpoint("/items/"+url.PathEscape(id)+"/reviews", url.Values{"page": {strconv.Itoa(page)}})
		resp, err := env.Client.Get(ctx, target)
		if err != nil {
			return err
		}
		var rp reviewPage
		if err := json.Unmarshal(resp.Body, &rp); err != nil {
			return fmt.Errorf("decode reviews %s: %w", target, err)
		}

		for _, raw := range rp.Reviews {
			var r reviewFields
			if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" {
				logger.Warn("Review without id", "item_id", id, "page", page)
				continue
			}
			env.Collection.AddReview(id, r.ID, raw, true)

			var urls []string
			if stored, ok := env.Collection.GetReview(id, r.ID); ok {
				urls = stored.Media()
			}
			if r.BodyHTML != "" {
				if found, err := parser.ExtractMedia(resp.FinalURL, []byte(r.BodyHTML)); err == nil {
					urls = append(urls, found...)
				}
			}
			c.enqueueMedia(runCtx, env, id, urls)
			total++
		}

		if len(rp.Reviews) == 0 || !rp.HasMore {
			ended = true
		}
	}

	// Reviews were added without flushing; the touch writes them out
	env.Collection.TouchUpdatedTime(id, time.Time{})
	logger.Debug("Reviews fetched", "item_id", id, "reviews", total)
	return nil
}

func (c *Catalog) enqueueMedia(ctx context.Context, env adapter.Env, id string, urls []string) {
	if len(urls) == 0 {
		return
	}
	if env.Pipeline == nil {
		c.logger(env).Warn("Media pipeline missing, skipping media", "item_id", id, "urls", len(urls))
		return
	}
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		env.Pipeline.Enqueue(ctx, media.Request{
			Source: env.Source,
			ItemID: id,
			URL:    u,
			Video:  media.IsVideo(u),
		})
	}
}

func idOf(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	}
	return ""
}

func stringsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
