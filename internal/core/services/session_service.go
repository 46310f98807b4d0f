package services

import (
	"context"
	"sync/atomic"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const snapshotTimeout = 3 * time.Second

// sessionService composes the registry, membership manager, permission
// resolver and broadcaster into the request handlers of the coordinator.
// Every handler is a fast synchronous state transition plus a broadcast;
// nothing here blocks on I/O while a room lock is held.
type sessionService struct {
	rooms       ports.RoomRepository
	snapshots   ports.SnapshotRepository
	membership  ports.MembershipService
	permissions ports.PermissionService
	broadcaster ports.Broadcaster
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	participants atomic.Int64
}

func NewSessionService(
	rooms ports.RoomRepository,
	snapshots ports.SnapshotRepository,
	membership ports.MembershipService,
	permissions ports.PermissionService,
	broadcaster ports.Broadcaster,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.Coordinator {
	return &sessionService{
		rooms:       rooms,
		snapshots:   snapshots,
		membership:  membership,
		permissions: permissions,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
	}
}

var _ ports.Coordinator = (*sessionService)(nil)

func (s *sessionService) CreateRoom(ctx context.Context, caller ports.Caller, req protocol.CreateRoomRequest) protocol.CreateRoomAck {
	defer s.observe("create-room", time.Now())

	roomID := domain.RoomID(req.RoomID)
	if roomID == "" {
		roomID = domain.RoomID(uuid.NewString())
	}

	room, _ := s.rooms.GetOrCreate(ctx, roomID)

	room.Mu.Lock()
	res := s.membership.CreateRoom(room, domain.UserID(req.UserID), req.Username, caller.ConnID)
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	envelope := s.stateEnvelope(room, s.joinEventType(res), nil)
	room.Mu.Unlock()

	if res.IsNew {
		s.participants.Add(1)
	}
	s.refreshGauges(ctx)

	s.logger.Infow("room created",
		"room_id", roomID,
		"teacher_id", req.UserID,
		"conn_id", caller.ConnID,
		"reconnect", !res.IsNew,
	)

	s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
	s.broadcaster.BroadcastState(roomID, conns, envelope)
	s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)

	return protocol.CreateRoomAck{
		RoomID:   string(roomID),
		Username: req.Username,
		Role:     string(res.Role),
		Users:    users,
	}
}

func (s *sessionService) JoinRoom(ctx context.Context, caller ports.Caller, req protocol.JoinRoomRequest) protocol.JoinRoomAck {
	defer s.observe("join-room", time.Now())

	roomID := domain.RoomID(req.RoomID)
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.JoinRoomAck{Success: false, Error: domain.ErrRoomNotFound.Error()}
	}

	room.Mu.Lock()
	res := s.membership.Join(room, domain.UserID(req.UserID), req.Username, caller.ConnID)
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	envelope := s.stateEnvelope(room, s.joinEventType(res), nil)
	needsSync := res.IsNew && room.HasContent()
	var syncPeer domain.ConnID
	if needsSync {
		syncPeer = s.pickSyncPeer(room, caller.ConnID)
	}
	room.Mu.Unlock()

	if res.IsNew {
		s.participants.Add(1)
	}
	s.refreshGauges(ctx)

	s.logger.Infow("user joined room",
		"room_id", roomID,
		"user_id", req.UserID,
		"role", res.Role,
		"reconnect", !res.IsNew,
	)

	s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
	s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)

	if res.IsNew {
		s.broadcaster.SendAllExcept(conns, caller.ConnID, protocol.EvtUserJoined, protocol.UserJoinedEvent{
			NewUserSocketID: string(caller.ConnID),
			NewUserName:     req.Username,
			NewUserID:       req.UserID,
			NewUserRole:     string(res.Role),
			AllUsers:        users,
			Timestamp:       nowMillis(),
			TotalUsers:      len(users),
		})
		s.metrics.RecordBroadcast(protocol.EvtUserJoined)
	}
	if syncPeer != "" {
		// Peer-assisted handshake: one existing member pushes its document
		// to the newcomer instead of the server replaying state to everyone.
		s.broadcaster.Send(syncPeer, protocol.EvtGetInitialCode, protocol.GetInitialCodeEvent{
			RequestingUserID:   req.UserID,
			RequestingUsername: req.Username,
		})
	}
	s.broadcaster.BroadcastState(roomID, conns, envelope)

	return protocol.JoinRoomAck{
		Success:  true,
		Users:    users,
		Role:     string(res.Role),
		Username: req.Username,
	}
}

func (s *sessionService) ValidateRoom(ctx context.Context, req protocol.ValidateRoomRequest) protocol.ValidateRoomAck {
	_, err := s.rooms.Get(ctx, domain.RoomID(req.RoomID))
	return protocol.ValidateRoomAck{Exists: err == nil}
}

func (s *sessionService) ToggleRoomPermission(ctx context.Context, caller ports.Caller, req protocol.ToggleRoomPermissionRequest) protocol.ToggleRoomPermissionAck {
	defer s.observe("toggle-room-permission", time.Now())

	roomID := domain.RoomID(req.RoomID)
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.ToggleRoomPermissionAck{Success: false, Error: domain.ErrRoomNotFound.Error()}
	}

	room.Mu.Lock()
	teacher := s.resolveTeacher(room, caller)
	if teacher == nil {
		role := domain.RoleStudent
		if p := s.callerParticipant(room, caller); p != nil {
			role = room.RoleOf(p.Identity)
		}
		room.Mu.Unlock()
		s.logger.Warnw("toggle-room-permission denied",
			"room_id", roomID,
			"conn_id", caller.ConnID,
			"resolved_role", role,
		)
		s.metrics.RecordPermissionDenied("toggle-room-permission")
		return protocol.ToggleRoomPermissionAck{Success: false, Error: "Only teachers can toggle room permissions"}
	}

	room.RoomPermission = !room.RoomPermission
	newValue := room.RoomPermission
	room.Touch()
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	envelope := s.stateEnvelope(room, protocol.StateEventPermissionChanged, &newValue)
	changedBy := teacher.Identity
	room.Mu.Unlock()

	ts := nowMillis()
	s.broadcaster.SendAll(conns, protocol.EvtRoomPermissionChanged, protocol.RoomPermissionChangedEvent{
		CanEdit:   newValue,
		ChangedBy: string(changedBy),
		Timestamp: ts,
		RoomID:    string(roomID),
	})
	s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
	s.metrics.RecordBroadcast(protocol.EvtRoomPermissionChanged)
	s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)
	s.broadcaster.BroadcastState(roomID, conns, envelope)

	return protocol.ToggleRoomPermissionAck{Success: true, CanEdit: newValue, RoomID: string(roomID), Timestamp: ts}
}

func (s *sessionService) SetUserPermission(ctx context.Context, caller ports.Caller, req protocol.SetUserPermissionRequest) protocol.SetUserPermissionAck {
	defer s.observe("set-user-permission", time.Now())

	roomID := domain.RoomID(req.RoomID)
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.SetUserPermissionAck{Success: false, Error: domain.ErrRoomNotFound.Error()}
	}

	room.Mu.Lock()
	teacher := s.resolveTeacher(room, caller)
	if teacher == nil {
		room.Mu.Unlock()
		s.metrics.RecordPermissionDenied("set-user-permission")
		return protocol.SetUserPermissionAck{Success: false, Error: "Only teachers can change user permissions"}
	}

	target := room.FindByIdentity(domain.UserID(req.TargetUserID))
	if target == nil {
		room.Mu.Unlock()
		return protocol.SetUserPermissionAck{Success: false, Error: "User not found in room"}
	}

	room.Overrides[target.Identity] = &domain.PermissionOverride{
		CanEdit:   req.CanEdit,
		GrantedBy: teacher.Identity,
		GrantedAt: time.Now(),
		Reason:    req.Reason,
	}
	room.Touch()
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	targetConn := target.ConnID
	grantedBy := teacher.Identity
	room.Mu.Unlock()

	s.logger.Infow("user permission set",
		"room_id", roomID,
		"target_user_id", req.TargetUserID,
		"can_edit", req.CanEdit,
		"granted_by", grantedBy,
	)

	s.broadcaster.Send(targetConn, protocol.EvtUserPermissionChanged, protocol.UserPermissionChangedEvent{
		CanEdit:   req.CanEdit,
		GrantedBy: string(grantedBy),
		Reason:    req.Reason,
	})
	s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
	s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)

	return protocol.SetUserPermissionAck{
		Success:      true,
		TargetUserID: req.TargetUserID,
		CanEdit:      req.CanEdit,
		Reason:       req.Reason,
	}
}

func (s *sessionService) RemoveUserPermission(ctx context.Context, caller ports.Caller, req protocol.RemoveUserPermissionRequest) protocol.RemoveUserPermissionAck {
	defer s.observe("remove-user-permission", time.Now())

	roomID := domain.RoomID(req.RoomID)
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.RemoveUserPermissionAck{Success: false, Error: domain.ErrRoomNotFound.Error()}
	}

	room.Mu.Lock()
	teacher := s.resolveTeacher(room, caller)
	if teacher == nil {
		room.Mu.Unlock()
		s.metrics.RecordPermissionDenied("remove-user-permission")
		return protocol.RemoveUserPermissionAck{Success: false, Error: "Only teachers can change user permissions"}
	}

	targetID := domain.UserID(req.TargetUserID)
	delete(room.Overrides, targetID)
	room.Touch()
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	fallback := room.RoomPermission
	grantedBy := teacher.Identity
	var targetConn domain.ConnID
	if target := room.FindByIdentity(targetID); target != nil {
		targetConn = target.ConnID
	}
	room.Mu.Unlock()

	if targetConn != "" {
		// The target's effective permission falls back to the room-wide flag.
		s.broadcaster.Send(targetConn, protocol.EvtUserPermissionChanged, protocol.UserPermissionChangedEvent{
			CanEdit:   fallback,
			GrantedBy: string(grantedBy),
		})
	}
	s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
	s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)

	return protocol.RemoveUserPermissionAck{Success: true, TargetUserID: req.TargetUserID}
}

func (s *sessionService) RequestStudentList(ctx context.Context, caller ports.Caller, req protocol.RequestStudentListRequest) {
	room, err := s.rooms.Get(ctx, domain.RoomID(req.RoomID))
	if err != nil {
		return
	}

	room.Mu.Lock()
	students := s.studentEntries(room)
	conns := s.connIDs(room)
	room.Mu.Unlock()

	s.broadcaster.SendAll(conns, protocol.EvtUpdateStudentList, protocol.UpdateStudentListEvent{Students: students})
	s.metrics.RecordBroadcast(protocol.EvtUpdateStudentList)
}

func (s *sessionService) RequestRoomState(ctx context.Context, caller ports.Caller, req protocol.RequestRoomStateRequest) protocol.RoomStateAck {
	roomID := domain.RoomID(req.RoomID)

	// Limits are checked before touching any room state.
	if !s.broadcaster.AllowRoomState(caller.ConnID, roomID) {
		return protocol.RoomStateAck{Success: false, Error: domain.ErrRateLimited.Error()}
	}

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return protocol.RoomStateAck{Success: false, Error: domain.ErrRoomNotFound.Error()}
	}

	room.Mu.Lock()
	state := s.roomState(room)
	room.Mu.Unlock()

	return protocol.RoomStateAck{Success: true, State: &state, Timestamp: nowMillis()}
}

func (s *sessionService) CodeChange(ctx context.Context, caller ports.Caller, req protocol.CodeChangeRequest) {
	defer s.observe("code-change", time.Now())

	roomID := domain.RoomID(req.RoomID)
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		// Fire-and-forget request: the rejection is delivered as a push.
		s.denyEdit(caller.ConnID, "code-change", domain.ErrRoomNotFound.Error())
		return
	}

	fileID := domain.FileID(req.FileID)
	if fileID == "" {
		fileID = domain.DefaultFileID
	}

	room.Mu.Lock()
	identity := domain.UserID(req.UserID)
	if !s.permissions.Resolve(room, identity, caller.ConnID) {
		room.Mu.Unlock()
		s.metrics.RecordPermissionDenied("code-change")
		s.denyEdit(caller.ConnID, "code-change", "You do not have permission to edit")
		return
	}

	room.Files[fileID] = req.Code
	room.Touch()
	if p := room.FindByIdentity(identity); p != nil {
		p.LastActivity = time.Now()
	}
	conns := s.connIDs(room)
	room.Mu.Unlock()

	s.metrics.RecordCodeChange()
	s.broadcaster.BroadcastCode(roomID, fileID, conns, caller.ConnID, protocol.CodeChangeEvent{
		Code:      req.Code,
		FileID:    string(fileID),
		UserID:    req.UserID,
		Username:  req.Username,
		RoomID:    string(roomID),
		Timestamp: req.Timestamp,
	})

	// Best-effort persistence. A failed write never rolls back or retries
	// the in-memory change.
	go s.saveSnapshot(roomID, fileID, req.Code)
}

func (s *sessionService) LeaveRoom(ctx context.Context, caller ports.Caller, roomID domain.RoomID) {
	s.leave(ctx, caller, roomID, protocol.StateEventUserLeft)
}

func (s *sessionService) Disconnect(ctx context.Context, caller ports.Caller, roomID domain.RoomID) {
	if roomID == "" {
		return
	}
	s.leave(ctx, caller, roomID, protocol.StateEventUserDisconnected)
}

func (s *sessionService) RoomStats(ctx context.Context, roomID domain.RoomID) (*ports.RoomStats, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()
	return &ports.RoomStats{
		RoomID:         string(room.ID),
		Participants:   len(room.Users),
		TeacherID:      string(room.TeacherID),
		RoomPermission: room.RoomPermission,
		Overrides:      len(room.Overrides),
		CreatedAt:      room.CreatedAt.UnixMilli(),
		LastActivity:   room.LastActivity.UnixMilli(),
	}, nil
}

func (s *sessionService) leave(ctx context.Context, caller ports.Caller, roomID domain.RoomID, eventType string) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return
	}

	room.Mu.Lock()
	p := s.membership.Leave(room, caller.ConnID)
	if p == nil {
		room.Mu.Unlock()
		return
	}
	users := s.userSummaries(room)
	conns := s.connIDs(room)
	empty := room.Empty()
	var envelope protocol.StateEnvelope
	if !empty {
		envelope = s.stateEnvelope(room, eventType, nil)
	}
	room.Mu.Unlock()

	s.participants.Add(-1)

	s.logger.Infow("user left room",
		"room_id", roomID,
		"user_id", p.Identity,
		"event", eventType,
		"room_empty", empty,
	)

	if empty {
		// Empty-room GC frees the room and every throttle entry scoped to it.
		if err := s.rooms.Delete(ctx, roomID); err != nil {
			s.logger.Errorw("failed to delete empty room", "room_id", roomID, "error", err)
		}
		s.broadcaster.Forget(roomID)
	} else {
		s.broadcaster.SendAll(conns, protocol.EvtRoomUsersUpdated, protocol.RoomUsersUpdatedEvent{Users: users})
		s.metrics.RecordBroadcast(protocol.EvtRoomUsersUpdated)
		s.broadcaster.BroadcastState(roomID, conns, envelope)
	}
	s.refreshGauges(ctx)
}

// resolveTeacher applies the authorization fallback chain: connection id
// first, then durable identity, then a synthesized record when the identity
// matches the room's teacher but a reconnect race removed its participant.
func (s *sessionService) resolveTeacher(room *domain.Room, caller ports.Caller) *domain.Participant {
	p := room.FindByConn(caller.ConnID)
	if p == nil && caller.Identity != "" {
		p = room.FindByIdentity(caller.Identity)
	}
	if p == nil {
		p = s.membership.EnsureTeacher(room, caller.Identity, caller.Username, caller.ConnID)
	}
	if p == nil || room.RoleOf(p.Identity) != domain.RoleTeacher {
		return nil
	}
	return p
}

func (s *sessionService) callerParticipant(room *domain.Room, caller ports.Caller) *domain.Participant {
	if p := room.FindByConn(caller.ConnID); p != nil {
		return p
	}
	return room.FindByIdentity(caller.Identity)
}

// pickSyncPeer chooses the member that supplies the newcomer's initial
// document, preferring the teacher.
func (s *sessionService) pickSyncPeer(room *domain.Room, newcomer domain.ConnID) domain.ConnID {
	if t := room.FindByIdentity(room.TeacherID); t != nil && t.ConnID != newcomer {
		return t.ConnID
	}
	for _, p := range room.Users {
		if p.ConnID != newcomer {
			return p.ConnID
		}
	}
	return ""
}

func (s *sessionService) joinEventType(res ports.JoinResult) string {
	if res.IsNew {
		return protocol.StateEventUserJoined
	}
	return protocol.StateEventUserReconnected
}

func (s *sessionService) userSummaries(room *domain.Room) []protocol.UserSummary {
	users := make([]protocol.UserSummary, 0, len(room.Users))
	for _, p := range room.Users {
		users = append(users, protocol.UserSummary{
			SocketID: string(p.ConnID),
			Username: p.Username,
			UserID:   string(p.Identity),
			Role:     string(room.RoleOf(p.Identity)),
			CanEdit:  s.permissions.ResolveFor(room, p),
		})
	}
	return users
}

func (s *sessionService) studentEntries(room *domain.Room) []protocol.StudentEntry {
	students := make([]protocol.StudentEntry, 0, len(room.Users))
	for _, p := range room.Users {
		if room.RoleOf(p.Identity) == domain.RoleTeacher {
			continue
		}
		entry := protocol.StudentEntry{
			SocketID:     string(p.ConnID),
			Username:     p.Username,
			UserID:       string(p.Identity),
			CanEdit:      s.permissions.ResolveFor(room, p),
			JoinedAt:     p.JoinedAt.UnixMilli(),
			LastActivity: p.LastActivity.UnixMilli(),
		}
		if ov, ok := room.Overrides[p.Identity]; ok {
			entry.HasIndividualPermission = true
			entry.PermissionGrantedBy = string(ov.GrantedBy)
		}
		students = append(students, entry)
	}
	return students
}

func (s *sessionService) roomState(room *domain.Room) protocol.RoomState {
	files := make(map[string]string, len(room.Files))
	for id, code := range room.Files {
		files[string(id)] = code
	}
	return protocol.RoomState{
		Files:          files,
		Users:          s.userSummaries(room),
		RoomPermission: room.RoomPermission,
	}
}

func (s *sessionService) stateEnvelope(room *domain.Room, eventType string, canEdit *bool) protocol.StateEnvelope {
	return protocol.StateEnvelope{
		State:     s.roomState(room),
		Timestamp: nowMillis(),
		EventType: eventType,
		CanEdit:   canEdit,
	}
}

func (s *sessionService) connIDs(room *domain.Room) []domain.ConnID {
	conns := make([]domain.ConnID, 0, len(room.Users))
	for _, p := range room.Users {
		conns = append(conns, p.ConnID)
	}
	return conns
}

func (s *sessionService) denyEdit(connID domain.ConnID, action, message string) {
	s.broadcaster.Send(connID, protocol.EvtPermissionDenied, protocol.PermissionDeniedEvent{
		Message:   message,
		Action:    action,
		Timestamp: nowMillis(),
	})
}

func (s *sessionService) saveSnapshot(roomID domain.RoomID, fileID domain.FileID, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if err := s.snapshots.Save(ctx, roomID, fileID, code); err != nil {
		s.metrics.RecordSnapshotError()
		s.logger.Warnw("snapshot write failed",
			"room_id", roomID,
			"file_id", fileID,
			"error", err,
		)
	}
}

func (s *sessionService) refreshGauges(ctx context.Context) {
	if count, err := s.rooms.Count(ctx); err == nil {
		s.metrics.SetRoomsActive(count)
	}
	s.metrics.SetParticipantsConnected(int(s.participants.Load()))
}

func (s *sessionService) observe(request string, start time.Time) {
	s.metrics.RecordRequestDuration(request, time.Since(start).Seconds())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
