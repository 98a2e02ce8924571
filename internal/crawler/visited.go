package crawler

import "sync"

// VisitedSet tracks normalized URLs fetched within one batch. It is shared by
// every worker, so mutation happens under a mutex.
type VisitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{seen: make(map[string]struct{})}
}

// MarkIfNew normalizes rawURL, stores it if unseen and reports whether the
// caller now owns the fetch. Unparseable URLs are never marked.
func (s *VisitedSet) MarkIfNew(rawURL string) bool {
	key, err := NormalizeURL(rawURL)
	if err != nil || key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Seen reports whether rawURL was already marked.
func (s *VisitedSet) Seen(rawURL string) bool {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// Len returns the number of marked URLs.
func (s *VisitedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
