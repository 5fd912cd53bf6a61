package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/metaspace/cache"
	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/invite"
	"github.com/longregen/metaspace/protocol"
	"github.com/longregen/metaspace/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSpace struct {
	id string

	mu     sync.Mutex
	events []string
}

func (s *fakeSpace) SpaceID() string { return s.id }

func (s *fakeSpace) EnqueueEvent(event string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSpace) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type noConns struct{}

func (noConns) LookupUser(string) (protocol.Conn, bool) { return nil, false }

type rig struct {
	handler  *MessageHandler
	pipeline *chat.Pipeline
	mock     pgxmock.PgxPoolIface
	space    *fakeSpace
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := testLogger()
	st := store.New(mock)
	pipeline := chat.NewPipeline(st, cache.NewMemory(), noConns{}, 0, logger)
	invites := invite.NewManager(st, nil, 24*time.Hour, logger)

	space := &fakeSpace{id: "s1"}
	resolver := func(spaceID string) (chat.Space, bool) {
		if spaceID == space.id {
			return space, true
		}
		return nil, false
	}

	return &rig{
		handler:  NewMessageHandler(st, invites, pipeline, resolver, logger),
		pipeline: pipeline,
		mock:     mock,
		space:    space,
	}
}

func (r *rig) handle(t *testing.T, requesterID, msgType, payload string) *Response {
	t.Helper()
	req := &Request{Type: msgType}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return r.handler.Handle(context.Background(), requesterID, req)
}

func expectSpaceRow(mock pgxmock.PgxPoolIface, id string, maxUsers, current int) {
	now := time.Now().UTC()
	mock.ExpectQuery("FROM spaces").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "description", "map_image_url", "map_id",
			"admin_user_id", "is_public", "max_users", "is_active",
			"created_at", "updated_at", "count",
		}).AddRow(id, "hq", "", "", "", "u1", true, maxUsers, true, now, now, current))
}

func expectUserRow(mock pgxmock.PgxPoolIface, id, name string) {
	now := time.Now().UTC()
	mock.ExpectQuery("FROM users").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_name", "email", "role", "user_avatar_url",
			"user_designation", "user_is_active", "user_created_at", "user_updated_at",
		}).AddRow(id, name, name+"@example.com", "member", "", "", true, now, now))
}

func TestUnknownType(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", "TELEPORT", "")
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "unknown message type", resp.Error)
}

func TestInvalidPayload(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeMove, `{"x":`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "invalid payload", resp.Error)
}

func TestJoinSpace(t *testing.T) {
	r := newRig(t)
	expectSpaceRow(r.mock, "s1", 10, 3)
	r.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	resp := r.handle(t, "u1", TypeJoinSpace, `{"space_id":"s1"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, resp.Broadcast)
	assert.Equal(t, protocol.EvtUserJoined, resp.BroadcastType)
	space, ok := resp.Data.(*domain.Space)
	require.True(t, ok)
	assert.Equal(t, "s1", space.ID)
}

func TestJoinSpaceFullRejectsNonMember(t *testing.T) {
	r := newRig(t)
	expectSpaceRow(r.mock, "s1", 3, 3)
	r.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	resp := r.handle(t, "u1", TypeJoinSpace, `{"space_id":"s1"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "space is full", resp.Error)
}

func TestJoinSpaceFullAdmitsMember(t *testing.T) {
	r := newRig(t)
	expectSpaceRow(r.mock, "s1", 3, 3)
	r.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	resp := r.handle(t, "u1", TypeJoinSpace, `{"space_id":"s1"}`)
	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestJoinSpaceRequiresSpaceID(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeJoinSpace, `{}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "space_id and user_id required", resp.Error)
}

func TestLeaveSpace(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeLeaveSpace, `{"space_id":"s1"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, resp.Broadcast)
	assert.Equal(t, protocol.EvtUserLeft, resp.BroadcastType)
}

func TestMove(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeMove, `{"space_id":"s1","x":3,"y":4,"direction":"up"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, protocol.EvtPositionUpdate, resp.BroadcastType)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, domain.Position{X: 3, Y: 4}, data["position"])
}

func TestMovePositionObjectWins(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeMove,
		`{"space_id":"s1","x":1,"y":1,"position":{"x":7,"y":8}}`)
	require.Equal(t, StatusSuccess, resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, domain.Position{X: 7, Y: 8}, data["position"])
}

func TestActionRequiresAction(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeAction, `{}`)
	assert.Equal(t, StatusFailed, resp.Status)

	resp = r.handle(t, "u1", TypeAction, `{"action":"wave"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "USER_STATE_CHANGED", resp.BroadcastType)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "wave", data["action"])
	assert.Equal(t, "u1", data["user_name"], "name lookup falls back to the id")
}

func TestChat(t *testing.T) {
	r := newRig(t)
	expectUserRow(r.mock, "u1", "ada")
	expectSpaceRow(r.mock, "s1", 10, 2)
	r.mock.ExpectExec("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	resp := r.handle(t, "u1", TypeChat, `{"space_id":"s1","content":"hi"}`)
	require.Equal(t, StatusSuccess, resp.Status)

	data := resp.Data.(map[string]any)
	assert.NotEmpty(t, data["message_id"])
	assert.Equal(t, []string{protocol.EvtChatMessage}, r.space.eventNames())

	r.pipeline.Wait()
	require.NoError(t, r.mock.ExpectationsWereMet())
}

func TestChatValidationFailure(t *testing.T) {
	r := newRig(t)
	resp := r.handle(t, "u1", TypeChat, `{"space_id":"s1","content":""}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "validation failed", resp.Error)
	assert.Empty(t, r.space.eventNames())
}

func TestChatUnresolvedSpace(t *testing.T) {
	r := newRig(t)
	expectUserRow(r.mock, "u1", "ada")
	expectSpaceRow(r.mock, "s9", 10, 2)

	resp := r.handle(t, "u1", TypeChat, `{"space_id":"s9","content":"hi"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "not found", resp.Error)
}

func TestSendInvite(t *testing.T) {
	r := newRig(t)
	expectSpaceRow(r.mock, "s1", 10, 2)
	expectUserRow(r.mock, "u1", "ada")
	r.mock.ExpectExec("INSERT INTO notifications").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	resp := r.handle(t, "u1", TypeSendInvite, `{"to_user_id":"u2","space_id":"s1"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, resp.Broadcast)
	assert.Equal(t, protocol.EvtInviteReceived, resp.BroadcastType)
	assert.Equal(t, "u2", resp.BroadcastTo)
}

func TestSendInviteConflict(t *testing.T) {
	r := newRig(t)
	expectSpaceRow(r.mock, "s1", 10, 2)
	expectUserRow(r.mock, "u1", "ada")
	r.mock.ExpectExec("INSERT INTO notifications").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	resp := r.handle(t, "u1", TypeSendInvite, `{"to_user_id":"u2","space_id":"s1"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "conflict", resp.Error)
}

func TestDeclineInviteNotFound(t *testing.T) {
	r := newRig(t)
	r.mock.ExpectExec("UPDATE notifications").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	resp := r.handle(t, "u2", TypeDeclineInvite, `{"notification_id":"n1"}`)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "not found", resp.Error)
}

func TestGetInvites(t *testing.T) {
	r := newRig(t)
	now := time.Now().UTC()
	expires := now.Add(time.Hour)
	r.mock.ExpectQuery("FROM notifications").
		WithArgs("u2", domain.NotificationTypeInvites, domain.NotificationStatusUnread, false).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "type", "title", "message", "data", "status",
			"expires_at", "is_active", "created_at", "updated_at",
		}).AddRow("n1", "u2", "invites", "Space Invitation", "join hq",
			[]byte(`{"spaceId":"s1"}`), "unread", &expires, true, now, now))

	resp := r.handle(t, "u2", TypeGetInvites, "")
	require.Equal(t, StatusSuccess, resp.Status)
	invites := resp.Data.(map[string]any)["invites"].([]*domain.Notification)
	require.Len(t, invites, 1)
	assert.Equal(t, "s1", invites[0].Data.SpaceID)
}

func TestGetUsersExcludesSpaceMembers(t *testing.T) {
	r := newRig(t)
	now := time.Now().UTC()
	r.mock.ExpectQuery("FROM users").
		WithArgs("u1", "s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_name", "email", "role", "user_avatar_url",
			"user_designation", "user_is_active", "user_created_at", "user_updated_at",
		}).AddRow("u3", "kim", "kim@example.com", "member", "", "", true, now, now))

	resp := r.handle(t, "u1", TypeGetUsers, `{"space_id":"s1"}`)
	require.Equal(t, StatusSuccess, resp.Status)
	users := resp.Data.(map[string]any)["users"].([]*domain.User)
	require.Len(t, users, 1)
	assert.Equal(t, "kim", users[0].UserName)
}
