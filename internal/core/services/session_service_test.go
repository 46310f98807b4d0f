package services

import (
	"context"
	"sync"
	"testing"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/infrastructure/repositories/memory"
	"coderoom/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentEvent struct {
	conn    domain.ConnID
	event   string
	payload interface{}
}

// fakeBroadcaster records everything and applies no throttling.
type fakeBroadcaster struct {
	mu             sync.Mutex
	events         []sentEvent
	stateCalls     []protocol.StateEnvelope
	codeCalls      []protocol.CodeChangeEvent
	codeAuthors    []domain.ConnID
	forgotten      []domain.RoomID
	allowRoomState bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{allowRoomState: true}
}

var _ ports.Broadcaster = (*fakeBroadcaster)(nil)

func (f *fakeBroadcaster) Register(connID domain.ConnID, sender ports.Sender) {}
func (f *fakeBroadcaster) Unregister(connID domain.ConnID)                   {}

func (f *fakeBroadcaster) Send(connID domain.ConnID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{conn: connID, event: event, payload: payload})
}

func (f *fakeBroadcaster) SendAll(conns []domain.ConnID, event string, payload interface{}) {
	for _, conn := range conns {
		f.Send(conn, event, payload)
	}
}

func (f *fakeBroadcaster) SendAllExcept(conns []domain.ConnID, except domain.ConnID, event string, payload interface{}) {
	for _, conn := range conns {
		if conn != except {
			f.Send(conn, event, payload)
		}
	}
}

func (f *fakeBroadcaster) BroadcastState(roomID domain.RoomID, conns []domain.ConnID, envelope protocol.StateEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls = append(f.stateCalls, envelope)
}

func (f *fakeBroadcaster) BroadcastCode(roomID domain.RoomID, fileID domain.FileID, conns []domain.ConnID, author domain.ConnID, change protocol.CodeChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls = append(f.codeCalls, change)
	f.codeAuthors = append(f.codeAuthors, author)
}

func (f *fakeBroadcaster) AllowRoomState(connID domain.ConnID, roomID domain.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowRoomState
}

func (f *fakeBroadcaster) Forget(roomID domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, roomID)
}

func (f *fakeBroadcaster) eventsFor(conn domain.ConnID, event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.conn == conn && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBroadcaster) lastState() protocol.StateEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls[len(f.stateCalls)-1]
}

// fakeMetrics satisfies the recorder without a Prometheus registry.
type fakeMetrics struct {
	mu      sync.Mutex
	denials map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{denials: make(map[string]int)}
}

var _ ports.MetricsRecorder = (*fakeMetrics)(nil)

func (f *fakeMetrics) SetRoomsActive(n int)            {}
func (f *fakeMetrics) SetParticipantsConnected(n int)  {}
func (f *fakeMetrics) RecordBroadcast(event string)    {}
func (f *fakeMetrics) RecordSuppressedBroadcast()      {}
func (f *fakeMetrics) RecordCodeChange()               {}
func (f *fakeMetrics) RecordSnapshotError()            {}
func (f *fakeMetrics) RecordRequestDuration(string, float64) {}

func (f *fakeMetrics) RecordPermissionDenied(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denials[action]++
}

func (f *fakeMetrics) denied(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denials[action]
}

type coordinatorFixture struct {
	coordinator ports.Coordinator
	rooms       *memory.MemoryRoomRepository
	broadcaster *fakeBroadcaster
	metrics     *fakeMetrics
}

func newCoordinator(t *testing.T) *coordinatorFixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	rooms := memory.NewMemoryRoomRepository()
	broadcaster := newFakeBroadcaster()
	metrics := newFakeMetrics()
	coordinator := NewSessionService(
		rooms,
		memory.NewMemorySnapshotRepository(),
		NewMembershipService(log),
		NewPermissionService(),
		broadcaster,
		metrics,
		log,
	)
	return &coordinatorFixture{coordinator: coordinator, rooms: rooms, broadcaster: broadcaster, metrics: metrics}
}

func teacherCaller() ports.Caller {
	return ports.Caller{ConnID: "conn-t", Identity: "teacher-1", Username: "Ms. Lee"}
}

func studentCaller() ports.Caller {
	return ports.Caller{ConnID: "conn-s", Identity: "student-1", Username: "Sam"}
}

func (fx *coordinatorFixture) createClassroom(t *testing.T) {
	t.Helper()
	ack := fx.coordinator.CreateRoom(context.Background(), teacherCaller(), protocol.CreateRoomRequest{
		Username: "Ms. Lee", RoomID: "room-1", UserID: "teacher-1",
	})
	require.Equal(t, "room-1", ack.RoomID)

	join := fx.coordinator.JoinRoom(context.Background(), studentCaller(), protocol.JoinRoomRequest{
		RoomID: "room-1", Username: "Sam", UserID: "student-1",
	})
	require.True(t, join.Success)
}

func TestCreateRoom_GeneratesIDAndAssignsTeacher(t *testing.T) {
	fx := newCoordinator(t)

	ack := fx.coordinator.CreateRoom(context.Background(), teacherCaller(), protocol.CreateRoomRequest{
		Username: "Ms. Lee", UserID: "teacher-1",
	})

	assert.NotEmpty(t, ack.RoomID)
	assert.Equal(t, string(domain.RoleTeacher), ack.Role)
	require.Len(t, ack.Users, 1)
	assert.True(t, ack.Users[0].CanEdit)
}

func TestJoinRoom_MissingRoomFailsWithoutCreating(t *testing.T) {
	fx := newCoordinator(t)

	ack := fx.coordinator.JoinRoom(context.Background(), studentCaller(), protocol.JoinRoomRequest{
		RoomID: "no-such-room", Username: "Sam", UserID: "student-1",
	})

	assert.False(t, ack.Success)
	assert.Equal(t, "Room does not exist", ack.Error)

	_, err := fx.rooms.Get(context.Background(), "no-such-room")
	assert.Error(t, err)
}

func TestJoinRoom_NotifiesExistingMembers(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	// The teacher hears about the newcomer, the newcomer does not.
	assert.Len(t, fx.broadcaster.eventsFor("conn-t", protocol.EvtUserJoined), 1)
	assert.Empty(t, fx.broadcaster.eventsFor("conn-s", protocol.EvtUserJoined))

	// Both get the refreshed membership list.
	assert.NotEmpty(t, fx.broadcaster.eventsFor("conn-s", protocol.EvtRoomUsersUpdated))
}

func TestJoinRoom_NewcomerGetsPeerSyncWhenRoomHasContent(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.CodeChange(context.Background(), teacherCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "print('hi')", UserID: "teacher-1", Username: "Ms. Lee",
	})

	late := ports.Caller{ConnID: "conn-l", Identity: "student-2", Username: "Lia"}
	ack := fx.coordinator.JoinRoom(context.Background(), late, protocol.JoinRoomRequest{
		RoomID: "room-1", Username: "Lia", UserID: "student-2",
	})
	require.True(t, ack.Success)

	// The teacher is preferred as sync peer.
	syncs := fx.broadcaster.eventsFor("conn-t", protocol.EvtGetInitialCode)
	require.Len(t, syncs, 1)
	payload := syncs[0].payload.(protocol.GetInitialCodeEvent)
	assert.Equal(t, "student-2", payload.RequestingUserID)
}

func TestJoinRoom_ReconnectSkipsUserJoined(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	reconnect := ports.Caller{ConnID: "conn-s2", Identity: "student-1", Username: "Sam"}
	ack := fx.coordinator.JoinRoom(context.Background(), reconnect, protocol.JoinRoomRequest{
		RoomID: "room-1", Username: "Sam", UserID: "student-1",
	})

	require.True(t, ack.Success)
	assert.Len(t, ack.Users, 2)
	assert.Len(t, fx.broadcaster.eventsFor("conn-t", protocol.EvtUserJoined), 1)
	assert.Equal(t, protocol.StateEventUserReconnected, fx.broadcaster.lastState().EventType)
}

func TestValidateRoom(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	assert.True(t, fx.coordinator.ValidateRoom(context.Background(), protocol.ValidateRoomRequest{RoomID: "room-1"}).Exists)
	assert.False(t, fx.coordinator.ValidateRoom(context.Background(), protocol.ValidateRoomRequest{RoomID: "other"}).Exists)
}

func TestToggleRoomPermission_StudentDenied(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.ToggleRoomPermission(context.Background(), studentCaller(), protocol.ToggleRoomPermissionRequest{RoomID: "room-1"})

	assert.False(t, ack.Success)
	assert.Equal(t, "Only teachers can toggle room permissions", ack.Error)
	assert.Equal(t, 1, fx.metrics.denied("toggle-room-permission"))
}

func TestToggleRoomPermission_TeacherFlipsAndBroadcasts(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.ToggleRoomPermission(context.Background(), teacherCaller(), protocol.ToggleRoomPermissionRequest{RoomID: "room-1"})

	require.True(t, ack.Success)
	assert.True(t, ack.CanEdit)

	changed := fx.broadcaster.eventsFor("conn-s", protocol.EvtRoomPermissionChanged)
	require.Len(t, changed, 1)
	evt := changed[0].payload.(protocol.RoomPermissionChangedEvent)
	assert.True(t, evt.CanEdit)
	assert.Equal(t, "teacher-1", evt.ChangedBy)

	// Students can now edit.
	fx.coordinator.CodeChange(context.Background(), studentCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "x = 1", UserID: "student-1", Username: "Sam",
	})
	assert.Empty(t, fx.broadcaster.eventsFor("conn-s", protocol.EvtPermissionDenied))
}

func TestToggleRoomPermission_ParityAfterManyToggles(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	var last bool
	for i := 0; i < 100; i++ {
		ack := fx.coordinator.ToggleRoomPermission(context.Background(), teacherCaller(), protocol.ToggleRoomPermissionRequest{RoomID: "room-1"})
		require.True(t, ack.Success)
		last = ack.CanEdit
	}

	// Started at false, so an even count lands back on false.
	assert.False(t, last)
}

func TestToggleRoomPermission_TeacherAfterReconnectRace(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	// Teacher drops, leaving only the student. The stale teacher connection
	// still carries the durable identity.
	fx.coordinator.LeaveRoom(context.Background(), teacherCaller(), "room-1")

	stale := ports.Caller{ConnID: "conn-t-old", Identity: "teacher-1", Username: "Ms. Lee"}
	ack := fx.coordinator.ToggleRoomPermission(context.Background(), stale, protocol.ToggleRoomPermissionRequest{RoomID: "room-1"})

	assert.True(t, ack.Success)
}

func TestSetUserPermission_GrantBeatsLockedRoom(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.SetUserPermission(context.Background(), teacherCaller(), protocol.SetUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "student-1", CanEdit: true, Reason: "board work",
	})
	require.True(t, ack.Success)

	// Target is notified directly.
	notified := fx.broadcaster.eventsFor("conn-s", protocol.EvtUserPermissionChanged)
	require.Len(t, notified, 1)
	evt := notified[0].payload.(protocol.UserPermissionChangedEvent)
	assert.True(t, evt.CanEdit)
	assert.Equal(t, "board work", evt.Reason)

	// The grant works even though the room is locked.
	fx.coordinator.CodeChange(context.Background(), studentCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "y = 2", UserID: "student-1", Username: "Sam",
	})
	assert.Empty(t, fx.broadcaster.eventsFor("conn-s", protocol.EvtPermissionDenied))
}

func TestSetUserPermission_TargetNotInRoom(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.SetUserPermission(context.Background(), teacherCaller(), protocol.SetUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "ghost", CanEdit: true,
	})

	assert.False(t, ack.Success)
	assert.Equal(t, "User not found in room", ack.Error)
}

func TestSetUserPermission_StudentDenied(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.SetUserPermission(context.Background(), studentCaller(), protocol.SetUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "teacher-1", CanEdit: false,
	})

	assert.False(t, ack.Success)
	assert.Equal(t, 1, fx.metrics.denied("set-user-permission"))
}

func TestRemoveUserPermission_FallsBackToRoomFlag(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.SetUserPermission(context.Background(), teacherCaller(), protocol.SetUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "student-1", CanEdit: true,
	})
	ack := fx.coordinator.RemoveUserPermission(context.Background(), teacherCaller(), protocol.RemoveUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "student-1",
	})
	require.True(t, ack.Success)

	notified := fx.broadcaster.eventsFor("conn-s", protocol.EvtUserPermissionChanged)
	require.Len(t, notified, 2)
	// Room is still locked, so the fallback value is false.
	assert.False(t, notified[1].payload.(protocol.UserPermissionChangedEvent).CanEdit)

	fx.coordinator.CodeChange(context.Background(), studentCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "z = 3", UserID: "student-1", Username: "Sam",
	})
	assert.Len(t, fx.broadcaster.eventsFor("conn-s", protocol.EvtPermissionDenied), 1)
}

func TestRemoveUserPermission_IdempotentForUnknownTarget(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	ack := fx.coordinator.RemoveUserPermission(context.Background(), teacherCaller(), protocol.RemoveUserPermissionRequest{
		RoomID: "room-1", TargetUserID: "ghost",
	})
	assert.True(t, ack.Success)
}

func TestRequestStudentList_ExcludesTeacher(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.RequestStudentList(context.Background(), teacherCaller(), protocol.RequestStudentListRequest{RoomID: "room-1"})

	lists := fx.broadcaster.eventsFor("conn-t", protocol.EvtUpdateStudentList)
	require.Len(t, lists, 1)
	students := lists[0].payload.(protocol.UpdateStudentListEvent).Students
	require.Len(t, students, 1)
	assert.Equal(t, "student-1", students[0].UserID)
	assert.False(t, students[0].HasIndividualPermission)
}

func TestRequestRoomState_RateLimited(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)
	fx.broadcaster.allowRoomState = false

	ack := fx.coordinator.RequestRoomState(context.Background(), studentCaller(), protocol.RequestRoomStateRequest{RoomID: "room-1"})

	assert.False(t, ack.Success)
	assert.Equal(t, "rate limit exceeded", ack.Error)
}

func TestRequestRoomState_ReturnsSnapshot(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.CodeChange(context.Background(), teacherCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "a = 1", UserID: "teacher-1", Username: "Ms. Lee",
	})

	ack := fx.coordinator.RequestRoomState(context.Background(), studentCaller(), protocol.RequestRoomStateRequest{RoomID: "room-1"})

	require.True(t, ack.Success)
	require.NotNil(t, ack.State)
	assert.Equal(t, "a = 1", ack.State.Files["main"])
	assert.Len(t, ack.State.Users, 2)
	assert.False(t, ack.State.RoomPermission)
}

func TestCodeChange_DeniedFailsClosed(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.CodeChange(context.Background(), studentCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "evil", UserID: "student-1", Username: "Sam",
	})

	denials := fx.broadcaster.eventsFor("conn-s", protocol.EvtPermissionDenied)
	require.Len(t, denials, 1)
	assert.Equal(t, "You do not have permission to edit", denials[0].payload.(protocol.PermissionDeniedEvent).Message)

	// Document unchanged, nothing broadcast.
	room, err := fx.rooms.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, room.Document(""))
	assert.Empty(t, fx.broadcaster.codeCalls)
}

func TestCodeChange_UnknownSenderFailsClosed(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	// Open the room wide; an unknown sender must still be rejected.
	fx.coordinator.ToggleRoomPermission(context.Background(), teacherCaller(), protocol.ToggleRoomPermissionRequest{RoomID: "room-1"})

	ghost := ports.Caller{ConnID: "conn-g", Identity: "ghost", Username: "Ghost"}
	fx.coordinator.CodeChange(context.Background(), ghost, protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "boo", UserID: "ghost", Username: "Ghost",
	})

	assert.Len(t, fx.broadcaster.eventsFor("conn-g", protocol.EvtPermissionDenied), 1)
	assert.Empty(t, fx.broadcaster.codeCalls)
}

func TestCodeChange_StoresAndBroadcastsExcludingAuthor(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.CodeChange(context.Background(), teacherCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", FileID: "lesson.py", Code: "print(1)", UserID: "teacher-1", Username: "Ms. Lee", Timestamp: 42,
	})

	room, err := fx.rooms.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", room.Document("lesson.py"))

	require.Len(t, fx.broadcaster.codeCalls, 1)
	assert.Equal(t, "lesson.py", fx.broadcaster.codeCalls[0].FileID)
	assert.Equal(t, int64(42), fx.broadcaster.codeCalls[0].Timestamp)
	assert.Equal(t, domain.ConnID("conn-t"), fx.broadcaster.codeAuthors[0])
}

func TestCodeChange_LastWriteWins(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.CodeChange(context.Background(), teacherCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "first", UserID: "teacher-1", Username: "Ms. Lee",
	})
	fx.coordinator.CodeChange(context.Background(), teacherCaller(), protocol.CodeChangeRequest{
		RoomID: "room-1", Code: "second", UserID: "teacher-1", Username: "Ms. Lee",
	})

	room, err := fx.rooms.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "second", room.Document(""))
}

func TestLeaveRoom_LastMemberTriggersGC(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.LeaveRoom(context.Background(), studentCaller(), "room-1")
	_, err := fx.rooms.Get(context.Background(), "room-1")
	require.NoError(t, err)

	fx.coordinator.LeaveRoom(context.Background(), teacherCaller(), "room-1")

	_, err = fx.rooms.Get(context.Background(), "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, []domain.RoomID{"room-1"}, fx.broadcaster.forgotten)
}

func TestDisconnect_NoRoomIsNoop(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.Disconnect(context.Background(), ports.Caller{ConnID: "conn-x"}, "")

	_, err := fx.rooms.Get(context.Background(), "room-1")
	assert.NoError(t, err)
}

func TestDisconnect_EmitsDisconnectedStateEvent(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	fx.coordinator.Disconnect(context.Background(), studentCaller(), "room-1")

	assert.Equal(t, protocol.StateEventUserDisconnected, fx.broadcaster.lastState().EventType)
}

func TestRoomStats(t *testing.T) {
	fx := newCoordinator(t)
	fx.createClassroom(t)

	stats, err := fx.coordinator.RoomStats(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Participants)
	assert.Equal(t, "teacher-1", stats.TeacherID)
	assert.False(t, stats.RoomPermission)

	_, err = fx.coordinator.RoomStats(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
