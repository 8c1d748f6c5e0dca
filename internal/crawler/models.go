package crawler

import (
	"time"

	"github.com/masahif/itemtadoru/internal/adapter"
)

// Job describes one run: the mode picks the capability invoked on every
// selected source
type Job struct {
	Mode    adapter.Capability // query, items, reviews, id, brand or tags
	Sources []string           // Source names (empty means every registered source)
	Query   string             // Search term for query mode
	Brand   string             // Brand for brand mode
	ID      string             // Item ID for id mode
}

// Arg returns the argument the mode passes to the capability
func (j Job) Arg() string {
	switch j.Mode {
	case adapter.CapQuery:
		return j.Query
	case adapter.CapBrand:
		return j.Brand
	case adapter.CapID:
		return j.ID
	}
	return ""
}

// RunStats summarises a finished run
type RunStats struct {
	Mode      adapter.Capability
	Invoked   []string      // Sources whose capability ran
	Skipped   []string      // Sources lacking the capability
	Failed    []string      // Sources whose capability returned an error
	Tasks     int           // Scheduler tasks completed
	TaskFails int           // Scheduler tasks that failed or timed out
	StartTime time.Time     // Run start (UTC)
	Duration  time.Duration // Wall time including drain and flush
}
