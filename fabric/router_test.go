package fabric

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateSpaceReturnsSameInstance(t *testing.T) {
	r := NewRouter(testLogger())

	a := r.GetOrCreateSpace("s1")
	b := r.GetOrCreateSpace("s1")
	assert.Same(t, a, b)

	c := r.GetOrCreateSpace("s2")
	assert.NotSame(t, a, c)
}

func TestRemoveSpaceOnlyRemovesOwnInstance(t *testing.T) {
	r := NewRouter(testLogger())

	old := r.GetOrCreateSpace("s1")
	r.RemoveSpace("s1", old)
	_, ok := r.LookupSpace("s1")
	assert.False(t, ok)

	// A stale handle must not evict a re-created space.
	replacement := r.GetOrCreateSpace("s1")
	r.RemoveSpace("s1", old)
	got, ok := r.LookupSpace("s1")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestBindUserDisplacesPrevious(t *testing.T) {
	r := NewRouter(testLogger())
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	r.BindUser("u1", first)
	r.BindUser("u1", second)

	got, ok := r.LookupUser("u1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.True(t, first.isClosed(), "displaced connection must be closed")
	assert.False(t, second.isClosed())
}

func TestUnbindUserIgnoresStaleConn(t *testing.T) {
	r := NewRouter(testLogger())
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	r.BindUser("u1", first)
	r.BindUser("u1", second)

	// The displaced parser's cleanup must not evict the successor.
	assert.False(t, r.UnbindUser("u1", first))
	got, ok := r.LookupUser("u1")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.UnbindUser("u1", second))
	_, ok = r.LookupUser("u1")
	assert.False(t, ok)
}

func TestConcurrentBindConvergesOnOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := NewRouter(testLogger())
		a := newFakeConn("a")
		b := newFakeConn("b")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); r.BindUser("u1", a) }()
		go func() { defer wg.Done(); r.BindUser("u1", b) }()
		wg.Wait()

		winner, ok := r.LookupUser("u1")
		require.True(t, ok)
		require.Contains(t, []*fakeConn{a, b}, winner)

		loser := a
		if winner == a {
			loser = b
		}
		assert.True(t, loser.isClosed(), "loser must be closed")
	}
}

func TestConnectionStats(t *testing.T) {
	r := NewRouter(testLogger())
	b := r.GetOrCreateSpace("s1")
	r.GetOrCreateSpace("s2")
	b.AddSubscriber(newFakeConn("c1"), nil)
	b.AddSubscriber(newFakeConn("c2"), nil)
	r.BindUser("u1", newFakeConn("c1"))

	stats := r.ConnectionStats()
	assert.Equal(t, 1, stats.BoundUsers)
	assert.Equal(t, 2, stats.ActiveSpaces)
	assert.Equal(t, 2, stats.Subscribers["s1"])
	assert.Equal(t, 0, stats.Subscribers["s2"])
}

func TestShutdownStopsBroadcasters(t *testing.T) {
	r := NewRouter(testLogger())
	b := r.GetOrCreateSpace("s1")
	b.StartIfNotRunning(context.Background())

	r.Shutdown()

	_, ok := r.LookupSpace("s1")
	assert.False(t, ok)
	// Stop is idempotent after shutdown.
	b.Stop()
}
