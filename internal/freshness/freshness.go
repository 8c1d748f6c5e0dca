// Package freshness decides whether previously fetched state is recent
// enough to skip re-fetching.
package freshness

import "time"

// IsFresh reports whether an entity last updated at lastUpdated can be
// skipped. It holds iff lastUpdated is set, now-lastUpdated <= ttl and force
// is false.
func IsFresh(lastUpdated *time.Time, ttl time.Duration, force bool, now time.Time) bool {
	if force || lastUpdated == nil {
		return false
	}
	return now.Sub(*lastUpdated) <= ttl
}

// FromHours converts a TTL expressed in hours to a duration
func FromHours(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// Policy binds a TTL and the force override. Now defaults to time.Now.
type Policy struct {
	TTL   time.Duration
	Force bool
	Now   func() time.Time
}

// Fresh applies IsFresh with the policy's settings
func (p Policy) Fresh(lastUpdated *time.Time) bool {
	return IsFresh(lastUpdated, p.TTL, p.Force, p.now())
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
