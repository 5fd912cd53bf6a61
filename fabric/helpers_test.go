package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory protocol.Conn. Inbound frames are pushed by
// the test; outbound frames are recorded for inspection.
type fakeConn struct {
	id      string
	inbound chan []byte

	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, inbound: make(chan []byte, 32)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) ReadText() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) SendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return fmt.Errorf("conn %s: write refused", c.id)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) SendEvent(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendText(data)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// push feeds one inbound frame to the read loop.
func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("conn %s: inbound queue stuck", c.id)
	}
}

// sentEvents decodes every recorded outbound frame.
func (c *fakeConn) sentEvents() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev map[string]any
		if json.Unmarshal(frame, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

// countEvents counts recorded frames with the given event name.
func (c *fakeConn) countEvents(name string) int {
	n := 0
	for _, ev := range c.sentEvents() {
		if ev["event"] == name {
			n++
		}
	}
	return n
}

// waitForEvent blocks until a frame with the event name shows up.
func (c *fakeConn) waitForEvent(t *testing.T, name string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.sentEvents() {
			if ev["event"] == name {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conn %s: event %q never arrived; got %v", c.id, name, c.sentEvents())
	return nil
}

// fakeStore serves join lookups from fixed fixtures.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	spaces  map[string]*domain.Space
	members map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*domain.User),
		spaces:  make(map[string]*domain.Space),
		members: make(map[string][]string),
	}
}

func (s *fakeStore) addUser(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &domain.User{ID: id, UserName: name, IsActive: true}
}

func (s *fakeStore) addSpace(id string, maxUsers, currentUsers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[id] = &domain.Space{
		ID: id, Name: "space " + id, MapID: "map-" + id,
		MaxUsers: maxUsers, CurrentUsers: currentUsers, IsActive: true,
	}
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) GetSpace(_ context.Context, id string) (*domain.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.spaces[id]; ok {
		return sp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) GetSpaceMapID(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.spaces[id]; ok {
		return sp.MapID, nil
	}
	return "", domain.ErrNotFound
}

func (s *fakeStore) addMember(spaceID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[spaceID] = append(s.members[spaceID], userID)
}

func (s *fakeStore) ListSpaceMembers(_ context.Context, spaceID string) ([]*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.User
	for _, id := range s.members[spaceID] {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}
