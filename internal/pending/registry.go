// ABOUTME: Registry of outstanding waits for a human reply, keyed by request ID.
// ABOUTME: Replies carry no correlation ID, so resolution targets the newest waiting slot.

package pending

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateKey indicates a wait already exists for the given key.
// Keys are caller-generated per request; a collision is a programming error.
var ErrDuplicateKey = errors.New("wait already registered for key")

// State describes the lifecycle of a wait slot. Waiting is the only
// non-terminal state; there are no transitions out of the others.
type State int

const (
	StateWaiting State = iota
	StateResolved
	StateTimedOut
	StateCancelled
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Policy selects which waiting slot an uncorrelated reply resolves.
type Policy int

const (
	// ResolveNewest wakes the most recently created slot. This is the
	// behavior for a single-human channel: the human is answering the
	// question they were asked last.
	ResolveNewest Policy = iota
	// ResolveOldest wakes the first created slot (FIFO).
	ResolveOldest
)

// Wait is a single suspended request. The creating caller suspends on
// Done(); the registry closes it exactly once on any terminal transition.
type Wait struct {
	key       string
	seq       uint64
	createdAt time.Time
	done      chan struct{}

	// reply and state are written under the registry lock before done
	// is closed, and read by the owner only after done is closed.
	reply string
	state State
}

// Done returns a channel that is closed when the wait reaches a
// terminal state.
func (w *Wait) Done() <-chan struct{} {
	return w.done
}

// Reply returns the human's reply text. Valid only after Done() is
// closed with state StateResolved.
func (w *Wait) Reply() string {
	return w.reply
}

// State returns the terminal state. Valid only after Done() is closed.
func (w *Wait) State() State {
	return w.state
}

// Key returns the correlation key the wait was registered under.
func (w *Wait) Key() string {
	return w.key
}

// Registry tracks all outstanding waits. Mutations from the send path
// and the inbound path are serialized on a single mutex.
type Registry struct {
	mu      sync.Mutex
	waits   map[string]*Wait
	nextSeq uint64
	policy  Policy
}

// NewRegistry creates an empty registry with the given resolution policy.
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		waits:  make(map[string]*Wait),
		policy: policy,
	}
}

// Begin registers a new waiting slot under key and returns it.
// Returns ErrDuplicateKey if a slot for key is still waiting.
func (r *Registry) Begin(key string) (*Wait, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.waits[key]; exists {
		return nil, ErrDuplicateKey
	}

	r.nextSeq++
	w := &Wait{
		key:       key,
		seq:       r.nextSeq,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateWaiting,
	}
	r.waits[key] = w
	return w, nil
}

// ResolveLatest delivers reply to the slot selected by the registry
// policy, transitions it to StateResolved, removes it, and wakes its
// owner. Returns false when no slot is waiting.
func (r *Registry) ResolveLatest(reply string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.selectLocked()
	if target == nil {
		return false
	}

	target.reply = reply
	target.state = StateResolved
	delete(r.waits, target.key)
	close(target.done)
	return true
}

// selectLocked picks the slot the policy designates. Caller holds r.mu.
func (r *Registry) selectLocked() *Wait {
	var target *Wait
	for _, w := range r.waits {
		if target == nil {
			target = w
			continue
		}
		switch r.policy {
		case ResolveOldest:
			if w.seq < target.seq {
				target = w
			}
		default:
			if w.seq > target.seq {
				target = w
			}
		}
	}
	return target
}

// Abandon transitions the slot for key to the given terminal state and
// removes it, waking the owner. Returns false if no slot exists for key,
// which means it already reached a terminal state (typically resolved by
// a concurrent reply). Safe to call repeatedly; only the first terminal
// transition wins.
func (r *Registry) Abandon(key string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waits[key]
	if !ok {
		return false
	}

	w.state = state
	delete(r.waits, key)
	close(w.done)
	return true
}

// CancelAll transitions every waiting slot to StateCancelled and wakes
// all owners. Used at process shutdown so no suspended caller is
// orphaned. Returns the number of slots cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.waits)
	for key, w := range r.waits {
		w.state = StateCancelled
		delete(r.waits, key)
		close(w.done)
	}
	return n
}

// Len returns the number of outstanding waits.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}
