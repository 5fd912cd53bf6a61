package fabric

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/protocol"
)

func startedBroadcaster(t *testing.T) *SpaceBroadcaster {
	t.Helper()
	b := NewSpaceBroadcaster("s1", testLogger())
	b.StartIfNotRunning(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func TestFanOutDeliversIdenticalFrames(t *testing.T) {
	b := startedBroadcaster(t)
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	b.AddSubscriber(c1, func() {})
	b.AddSubscriber(c2, func() {})

	require.NoError(t, b.EnqueueEvent(protocol.EvtChatMessage, &protocol.ChatMessageEvent{
		Event:   protocol.EvtChatMessage,
		SpaceID: "s1",
		Message: "hello",
	}))

	ev1 := c1.waitForEvent(t, protocol.EvtChatMessage)
	ev2 := c2.waitForEvent(t, protocol.EvtChatMessage)
	assert.Equal(t, ev1, ev2, "one serialization serves every subscriber")
}

func TestFanOutExcludesSender(t *testing.T) {
	b := startedBroadcaster(t)
	sender := newFakeConn("sender")
	other := newFakeConn("other")
	b.AddSubscriber(sender, func() {})
	b.AddSubscriber(other, func() {})

	require.NoError(t, b.Enqueue(Update{
		Event:   protocol.EvtUserJoined,
		Exclude: sender,
		Payload: &protocol.UserJoinedEvent{Event: protocol.EvtUserJoined, SpaceID: "s1", UserID: "u1"},
	}))

	other.waitForEvent(t, protocol.EvtUserJoined)
	assert.Zero(t, sender.countEvents(protocol.EvtUserJoined), "excluded subscriber received the frame")
}

func TestFanOutRemovesFailedSubscriber(t *testing.T) {
	b := startedBroadcaster(t)
	healthy := newFakeConn("healthy")
	broken := newFakeConn("broken")
	broken.setFailWrites(true)
	b.AddSubscriber(healthy, func() {})
	b.AddSubscriber(broken, func() {})

	require.NoError(t, b.EnqueueEvent("PING", map[string]string{"event": "PING"}))
	healthy.waitForEvent(t, "PING")

	requireEventually(t, func() bool { return b.SubscriberCount() == 1 },
		"failed subscriber not removed")
}

func TestEnqueueFailsWhenQueueFull(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())
	// Loop not started, so nothing drains the queue.
	for i := 0; i < updateQueueCap; i++ {
		require.NoError(t, b.EnqueueEvent("E", map[string]int{"i": i}))
	}
	err := b.EnqueueEvent("E", map[string]string{"overflow": "yes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestOrderingWithinSpace(t *testing.T) {
	b := startedBroadcaster(t)
	c := newFakeConn("c1")
	b.AddSubscriber(c, func() {})

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.EnqueueEvent(protocol.EvtPositionUpdate, &protocol.PositionUpdateEvent{
			Event: protocol.EvtPositionUpdate, UserID: "u1", NX: float64(i),
		}))
	}

	requireEventually(t, func() bool {
		return c.countEvents(protocol.EvtPositionUpdate) == n
	}, "not all updates delivered")

	prev := -1.0
	for _, ev := range c.sentEvents() {
		if ev["event"] != protocol.EvtPositionUpdate {
			continue
		}
		nx := ev["nx"].(float64)
		require.Greater(t, nx, prev, "delivery must preserve enqueue order")
		prev = nx
	}
}

func TestPositionsTrackJoinedUsers(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())

	b.AddUser(&domain.UserSnapshot{ID: "u1", UserName: "ada"}, domain.Position{X: 1, Y: 2})
	b.AddUser(&domain.UserSnapshot{ID: "u2", UserName: "lin"}, domain.Position{})

	assert.False(t, b.UpdatePosition("ghost", domain.Position{X: 9, Y: 9}),
		"position for a user that never joined")

	users, positions, _ := b.Snapshot()
	for id := range positions {
		_, ok := users[id]
		assert.True(t, ok, "position without user entry: %s", id)
	}

	b.RemoveUser("u1")
	users, positions, _ = b.Snapshot()
	assert.NotContains(t, users, "u1")
	assert.NotContains(t, positions, "u1")
}

func TestSeedUsersKeepsLiveState(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())
	b.AddUser(&domain.UserSnapshot{ID: "u1", UserName: "ada"}, domain.Position{X: 3, Y: 4})

	b.SeedUsers([]*domain.UserSnapshot{
		{ID: "u1", UserName: "stale"},
		{ID: "u2", UserName: "lin"},
	})

	users, positions, _ := b.Snapshot()
	assert.Equal(t, "ada", users["u1"].UserName, "live snapshot must win over the stored row")
	assert.Equal(t, domain.Position{X: 3, Y: 4}, positions["u1"])
	assert.Equal(t, "lin", users["u2"].UserName)
	assert.Equal(t, domain.Position{}, positions["u2"], "seeded members start at the origin")
}

func TestUserNameFallsBackToID(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())
	b.AddUser(&domain.UserSnapshot{ID: "u1", UserName: "ada"}, domain.Position{})

	assert.Equal(t, "ada", b.UserName("u1"))
	assert.Equal(t, "u9", b.UserName("u9"))
}

func TestStartIfNotRunningIsIdempotent(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())
	b.StartIfNotRunning(context.Background())
	b.StartIfNotRunning(context.Background())
	b.Stop()
	b.Stop()
}

func TestStopCancelsAttachedParsers(t *testing.T) {
	b := NewSpaceBroadcaster("s1", testLogger())
	b.StartIfNotRunning(context.Background())

	cancelled := make(chan string, 2)
	for i := 0; i < 2; i++ {
		conn := newFakeConn(fmt.Sprintf("c%d", i))
		id := conn.ID()
		b.AddSubscriber(conn, func() { cancelled <- id })
	}

	b.Stop()
	assert.Len(t, cancelled, 2)
}
