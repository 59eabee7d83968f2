// ABOUTME: Bounded in-memory record of the conversation between LLM and human.
// ABOUTME: Append-only with FIFO eviction once capacity is reached.

package ledger

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of messages kept when no capacity is configured.
const DefaultCapacity = 1000

// Direction indicates which way a message travelled.
type Direction string

const (
	// DirectionOutbound is a message from the LLM to the human.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is a message from the human to the LLM.
	DirectionInbound Direction = "inbound"
)

// Message is a single immutable conversation record.
type Message struct {
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger holds the most recent conversation messages in arrival order.
// All methods are safe for concurrent use; callers never get access to
// the internal storage, only copies.
type Ledger struct {
	mu       sync.Mutex
	messages []Message
	capacity int
}

// New creates a ledger bounded to the given capacity.
// Capacities below 1 fall back to DefaultCapacity.
func New(capacity int) *Ledger {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		messages: make([]Message, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a message at the tail, evicting the oldest message when
// the ledger is full.
func (l *Ledger) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.messages) == l.capacity {
		copy(l.messages, l.messages[1:])
		l.messages = l.messages[:len(l.messages)-1]
	}
	l.messages = append(l.messages, msg)
}

// Recent returns up to limit of the newest messages in chronological
// order (oldest of the window first). A non-positive limit yields an
// empty slice; a limit beyond the stored count yields everything.
func (l *Ledger) Recent(limit int) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return []Message{}
	}
	if limit > len(l.messages) {
		limit = len(l.messages)
	}

	out := make([]Message, limit)
	copy(out, l.messages[len(l.messages)-limit:])
	return out
}

// Clear removes all messages and returns how many were removed. Calling
// it on an empty ledger is a no-op returning zero.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := len(l.messages)
	l.messages = l.messages[:0]
	return removed
}

// Len returns the current number of stored messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
