package store

import "sync"

// WriteCache tracks which collection prefixes have a flush in progress.
// A flush requested while another is running for the same prefix is
// dropped: the in-memory state is already current and the next write
// captures it.
type WriteCache struct {
	mu       sync.Mutex
	flushing map[string]bool
}

// NewWriteCache returns an empty cache
func NewWriteCache() *WriteCache {
	return &WriteCache{flushing: make(map[string]bool)}
}

// TryBegin marks prefix as flushing. It returns false when a flush for the
// prefix is already in progress.
func (w *WriteCache) TryBegin(prefix string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flushing[prefix] {
		return false
	}
	w.flushing[prefix] = true
	return true
}

// End clears the flushing flag of prefix
func (w *WriteCache) End(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushing[prefix] = false
}

// InProgress reports whether a flush for prefix is running
func (w *WriteCache) InProgress(prefix string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushing[prefix]
}
