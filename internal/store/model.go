package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Keys the store interprets. Every other key of an item document is kept
// verbatim in Item.Meta.
const (
	keyID          = "id"
	keyTags        = "tags"
	keyBrand       = "brand"
	keyLastUpdated = "last_updated"
	keyDeleted     = "deleted"
	keyReviews     = "reviews"
)

// Item is one tracked product or listing of a source
type Item struct {
	ID          string
	Tags        []string
	Brand       string
	LastUpdated *time.Time
	Deleted     bool
	Reviews     map[string]Review
	Meta        map[string]json.RawMessage // source-specific payload, not interpreted
}

// Review is one user-submitted feedback entry nested under an item
type Review struct {
	ID      string
	Payload json.RawMessage
}

func newItem(id string) *Item {
	return &Item{
		ID:      id,
		Reviews: make(map[string]Review),
		Meta:    make(map[string]json.RawMessage),
	}
}

// HasTag reports whether the item carries tag
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ReviewIDs returns the review keys in sorted order
func (it *Item) ReviewIDs() []string {
	ids := make([]string, 0, len(it.Reviews))
	for id := range it.Reviews {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (it *Item) clone() Item {
	cp := Item{
		ID:      it.ID,
		Tags:    append([]string(nil), it.Tags...),
		Brand:   it.Brand,
		Deleted: it.Deleted,
		Reviews: make(map[string]Review, len(it.Reviews)),
		Meta:    make(map[string]json.RawMessage, len(it.Meta)),
	}
	if it.LastUpdated != nil {
		t := *it.LastUpdated
		cp.LastUpdated = &t
	}
	for k, r := range it.Reviews {
		cp.Reviews[k] = Review{ID: r.ID, Payload: append(json.RawMessage(nil), r.Payload...)}
	}
	for k, v := range it.Meta {
		cp.Meta[k] = append(json.RawMessage(nil), v...)
	}
	return cp
}

// MarshalJSON writes the item as one flat object with Meta keys inlined
func (it *Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(it.Meta)+6)
	for k, v := range it.Meta {
		out[k] = v
	}
	out[keyID] = it.ID
	if len(it.Tags) > 0 {
		out[keyTags] = it.Tags
	}
	if it.Brand != "" {
		out[keyBrand] = it.Brand
	}
	if it.LastUpdated != nil {
		out[keyLastUpdated] = it.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	if it.Deleted {
		out[keyDeleted] = true
	}
	reviews := make(map[string]json.RawMessage, len(it.Reviews))
	for k, r := range it.Reviews {
		reviews[k] = r.Payload
	}
	out[keyReviews] = reviews
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat item object; unknown keys go to Meta
func (it *Item) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*it = *newItem("")
	for k, v := range raw {
		var err error
		switch k {
		case keyID:
			err = json.Unmarshal(v, &it.ID)
		case keyTags:
			err = json.Unmarshal(v, &it.Tags)
		case keyBrand:
			err = json.Unmarshal(v, &it.Brand)
		case keyDeleted:
			err = json.Unmarshal(v, &it.Deleted)
		case keyLastUpdated:
			var ts *time.Time
			if err = json.Unmarshal(v, &ts); err == nil {
				it.LastUpdated = ts
			}
		case keyReviews:
			var reviews map[string]json.RawMessage
			if err = json.Unmarshal(v, &reviews); err == nil {
				for id, payload := range reviews {
					it.Reviews[id] = Review{ID: id, Payload: payload}
				}
			}
		default:
			it.Meta[k] = append(json.RawMessage(nil), v...)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}

// Media returns the media URLs referenced by the review payload, read from
// a "media" array and a single "url" string.
func (r Review) Media() []string {
	var body struct {
		URL   string   `json:"url"`
		Media []string `json:"media"`
	}
	if err := json.Unmarshal(r.Payload, &body); err != nil {
		return nil
	}

	var urls []string
	seen := make(map[string]bool)
	for _, u := range append([]string{body.URL}, body.Media...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// encodePayload returns the compact JSON form of payload, or nil when the
// payload is missing.
func encodePayload(payload any) (json.RawMessage, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		data = encoded
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	if buf.Len() == 0 || bytes.Equal(buf.Bytes(), []byte("null")) {
		return nil, nil
	}
	return buf.Bytes(), nil
}
