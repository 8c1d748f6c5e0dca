package media

import "sync"

// InflightSet records URLs with a download in progress. It is advisory:
// callers check it rather than block on it, and a lost race costs at most
// one duplicate download.
type InflightSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewInflightSet returns an empty set
func NewInflightSet() *InflightSet {
	return &InflightSet{urls: make(map[string]struct{})}
}

// Add registers url and reports whether it was absent
func (s *InflightSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[url]; ok {
		return false
	}
	s.urls[url] = struct{}{}
	return true
}

// Remove clears url
func (s *InflightSet) Remove(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.urls, url)
}

// Has reports whether url is registered
func (s *InflightSet) Has(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urls[url]
	return ok
}

// Len returns the number of registered URLs
func (s *InflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}
