// ABOUTME: Tests for the pending wait registry.
// ABOUTME: Verifies resolution policy, terminal transitions, and cleanup guarantees.

package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Begin_DuplicateKey(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	_, err := r.Begin("k1")
	require.NoError(t, err)

	_, err = r.Begin("k1")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRegistry_ResolveLatest_EmptyRegistry(t *testing.T) {
	r := NewRegistry(ResolveNewest)
	assert.False(t, r.ResolveLatest("nobody asked"))
}

func TestRegistry_ResolveLatest_NewestWins(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	w1, err := r.Begin("first")
	require.NoError(t, err)
	w2, err := r.Begin("second")
	require.NoError(t, err)

	require.True(t, r.ResolveLatest("pong"))

	// The newest slot was woken with the reply.
	select {
	case <-w2.Done():
	case <-time.After(time.Second):
		t.Fatal("newest wait was not woken")
	}
	assert.Equal(t, StateResolved, w2.State())
	assert.Equal(t, "pong", w2.Reply())

	// The older slot is still waiting.
	select {
	case <-w1.Done():
		t.Fatal("older wait should remain waiting")
	default:
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ResolveLatest_OldestPolicy(t *testing.T) {
	r := NewRegistry(ResolveOldest)

	w1, err := r.Begin("first")
	require.NoError(t, err)
	_, err = r.Begin("second")
	require.NoError(t, err)

	require.True(t, r.ResolveLatest("answer"))

	select {
	case <-w1.Done():
	case <-time.After(time.Second):
		t.Fatal("oldest wait was not woken")
	}
	assert.Equal(t, "answer", w1.Reply())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Abandon_WakesOwner(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	w, err := r.Begin("k")
	require.NoError(t, err)

	require.True(t, r.Abandon("k", StateTimedOut))

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("abandoned wait was not woken")
	}
	assert.Equal(t, StateTimedOut, w.State())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Abandon_AfterResolveIsNoOp(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	w, err := r.Begin("k")
	require.NoError(t, err)
	require.True(t, r.ResolveLatest("got it"))

	// Timeout path losing the race against resolution.
	assert.False(t, r.Abandon("k", StateTimedOut))
	assert.Equal(t, StateResolved, w.State())
	assert.Equal(t, "got it", w.Reply())
}

func TestRegistry_KeyIsReusableAfterTermination(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	_, err := r.Begin("k")
	require.NoError(t, err)
	r.Abandon("k", StateCancelled)

	_, err = r.Begin("k")
	assert.NoError(t, err)
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry(ResolveNewest)

	w1, _ := r.Begin("a")
	w2, _ := r.Begin("b")
	w3, _ := r.Begin("c")

	assert.Equal(t, 3, r.CancelAll())
	assert.Equal(t, 0, r.Len())

	for _, w := range []*Wait{w1, w2, w3} {
		select {
		case <-w.Done():
			assert.Equal(t, StateCancelled, w.State())
		case <-time.After(time.Second):
			t.Fatal("wait not woken by CancelAll")
		}
	}
}

func TestRegistry_ConcurrentResolveAndAbandon(t *testing.T) {
	// Only one terminal transition may win; the slot must be gone after.
	for i := 0; i < 100; i++ {
		r := NewRegistry(ResolveNewest)
		w, err := r.Begin("k")
		require.NoError(t, err)

		resolved := make(chan bool, 1)
		abandoned := make(chan bool, 1)
		go func() { resolved <- r.ResolveLatest("reply") }()
		go func() { abandoned <- r.Abandon("k", StateTimedOut) }()

		gotResolve := <-resolved
		gotAbandon := <-abandoned
		assert.NotEqual(t, gotResolve, gotAbandon, "exactly one transition must win")
		assert.Equal(t, 0, r.Len())

		<-w.Done()
		if gotResolve {
			assert.Equal(t, StateResolved, w.State())
		} else {
			assert.Equal(t, StateTimedOut, w.State())
		}
	}
}
