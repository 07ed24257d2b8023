package session

import (
	"sync"
	"time"
)

// Store holds the current Session for the run. It is the only owner of
// session state: the browser controller publishes into it and every API
// caller reads from it. Callers must re-fetch Current() before each
// request rather than caching a Session across a blocking call, because a
// refresh may have replaced it in the meantime.
type Store struct {
	mu      sync.RWMutex
	current *Session

	// ttl estimates how long a captured session stays valid; the provider
	// does not announce an expiry. margin makes IsStale fire before the
	// estimate so refresh starts ahead of actual expiry.
	ttl    time.Duration
	margin time.Duration
}

// NewStore creates an empty credential store. ttl is the assumed session
// lifetime from capture; margin is subtracted from it when deciding
// staleness.
func NewStore(ttl, margin time.Duration) *Store {
	return &Store{ttl: ttl, margin: margin}
}

// Current returns the held Session, or false if none has been captured yet.
func (s *Store) Current() (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil, false
	}

	return s.current, true
}

// Replace atomically swaps in a new Session. The store fills in
// EstimatedExpiry from its configured ttl when the controller left it zero.
func (s *Store) Replace(sess *Session) {
	if sess.EstimatedExpiry.IsZero() {
		sess.EstimatedExpiry = sess.CapturedAt.Add(s.ttl)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

// IsStale reports whether the held session is within the safety margin of
// its estimated expiry (or absent entirely).
func (s *Store) IsStale(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return true
	}

	return !now.Before(s.current.EstimatedExpiry.Add(-s.margin))
}
