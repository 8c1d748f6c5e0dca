// Package adapter is the boundary between the crawl runtime and per-site
// code. A site registers a Source holding the capabilities it implements;
// the runner looks them up by source name and calls only those present.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/masahif/itemtadoru/internal/fetch"
	"github.com/masahif/itemtadoru/internal/media"
	"github.com/masahif/itemtadoru/internal/scheduler"
	"github.com/masahif/itemtadoru/internal/store"
)

var (
	// ErrEmptyName is returned by Register for a Source without a name
	ErrEmptyName = errors.New("source name is required")
	// ErrDuplicateSource is returned by Register for a name already taken
	ErrDuplicateSource = errors.New("source already registered")
	// ErrUnknownSource is returned by Invoke for an unregistered name
	ErrUnknownSource = errors.New("unknown source")
	// ErrUnknownCapability is returned by Invoke for a capability outside the contract
	ErrUnknownCapability = errors.New("unknown capability")
)

// Env is what a capability receives: the shared runtime plus the items
// collection of its own source.
type Env struct {
	Source     string
	Scheduler  *scheduler.Scheduler
	Store      *store.Registry
	Collection *store.Collection
	Pipeline   *media.Pipeline
	Client     *fetch.Client
	Logger     *slog.Logger
}

// Func is a capability without arguments
type Func func(ctx context.Context, env Env) error

// ArgFunc is a capability taking a query, brand or entity ID
type ArgFunc func(ctx context.Context, env Env, arg string) error

// Source is the capability set of one site. Any field may be nil.
type Source struct {
	Name            string
	GetItemsByQuery ArgFunc
	UpdateItems     Func
	UpdateReviews   Func
	UpdateItemByID  ArgFunc
	GetItemsByBrand ArgFunc
	UpdateWithTags  Func
}

// Capability names one entry of the adapter contract
type Capability string

// Capabilities, named after the run modes that invoke them
const (
	CapQuery   Capability = "query"
	CapItems   Capability = "items"
	CapReviews Capability = "reviews"
	CapID      Capability = "id"
	CapBrand   Capability = "brand"
	CapTags    Capability = "tags"
)

// AllCapabilities lists the contract in a stable order
func AllCapabilities() []Capability {
	return []Capability{CapQuery, CapItems, CapReviews, CapID, CapBrand, CapTags}
}

// ParseCapability maps a mode name onto a Capability
func ParseCapability(name string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(name)))
	if !c.known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c, nil
}

func (c Capability) known() bool {
	for _, k := range AllCapabilities() {
		if c == k {
			return true
		}
	}
	return false
}

// TakesArg reports whether the capability needs an argument
func (c Capability) TakesArg() bool {
	return c == CapQuery || c == CapID || c == CapBrand
}

// Has reports whether the source implements c
func (s Source) Has(c Capability) bool {
	switch c {
	case CapQuery:
		return s.GetItemsByQuery != nil
	case CapItems:
		return s.UpdateItems != nil
	case CapReviews:
		return s.UpdateReviews != nil
	case CapID:
		return s.UpdateItemByID != nil
	case CapBrand:
		return s.GetItemsByBrand != nil
	case CapTags:
		return s.UpdateWithTags != nil
	}
	return false
}

// Capabilities returns the implemented subset of the contract
func (s Source) Capabilities() []Capability {
	var out []Capability
	for _, c := range AllCapabilities() {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Registry maps source names to capability sets. It is populated at
// startup and read during the run.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds s under s.Name
func (r *Registry) Register(s Source) error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, s.Name)
	}
	r.sources[s.Name] = s
	return nil
}

// Lookup returns the source registered under name
func (r *Registry) Lookup(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

// Names returns every registered source name, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls capability c of source name. It reports false without error
// when the source lacks c. An unregistered source is an error.
func (r *Registry) Invoke(ctx context.Context, name string, c Capability, arg string, env Env) (bool, error) {
	s, ok := r.Lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if !c.known() {
		return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	if !s.Has(c) {
		return false, nil
	}

	var err error
	switch c {
	case CapQuery:
		err = s.GetItemsByQuery(ctx, env, arg)
	case CapItems:
		err = s.UpdateItems(ctx, env)
	case CapReviews:
		err = s.UpdateReviews(ctx, env)
	case CapID:
		err = s.UpdateItemByID(ctx, env, arg)
	case CapBrand:
		err = s.GetItemsByBrand(ctx, env, arg)
	case CapTags:
		err = s.UpdateWithTags(ctx, env)
	}
	return true, err
}
