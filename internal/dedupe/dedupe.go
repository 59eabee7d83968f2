// ABOUTME: TTL-bounded seen-set for suppressing replayed channel events.
// ABOUTME: Matrix sync can redeliver events across reconnects; each event ID is processed once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at      time.Time
	element *list.Element
}

// Seen tracks recently processed event IDs. It is size- and TTL-bounded
// so unbounded runtime cannot grow it without limit.
type Seen struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // event IDs, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a seen-set with the given TTL and maximum size, and
// starts a janitor goroutine that prunes expired entries. Call Close
// when done.
func New(ttl time.Duration, maxSize int) *Seen {
	s := &Seen{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Observe reports whether eventID was already seen within the TTL, and
// marks it seen if not. The check and mark are a single atomic step.
func (s *Seen) Observe(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[eventID]; ok && time.Since(e.at) < s.ttl {
		return true
	}
	s.markLocked(eventID)
	return false
}

// markLocked records eventID, evicting the oldest entry at capacity.
// Caller holds s.mu.
func (s *Seen) markLocked(eventID string) {
	if e, ok := s.entries[eventID]; ok {
		// Refresh an expired entry in place.
		e.at = time.Now()
		s.order.MoveToBack(e.element)
		return
	}

	if len(s.entries) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			oldest := front.Value.(string)
			s.order.Remove(front)
			delete(s.entries, oldest)
		}
	}

	s.entries[eventID] = &entry{
		at:      time.Now(),
		element: s.order.PushBack(eventID),
	}
}

// Len returns the number of tracked event IDs.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor goroutine. Idempotent.
func (s *Seen) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// janitor prunes expired entries once per TTL interval.
func (s *Seen) janitor() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

// prune removes all entries older than the TTL.
func (s *Seen) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for front := s.order.Front(); front != nil; {
		id := front.Value.(string)
		e := s.entries[id]
		if time.Since(e.at) < s.ttl {
			break
		}
		next := front.Next()
		s.order.Remove(front)
		delete(s.entries, id)
		front = next
	}
}
