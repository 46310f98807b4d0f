package ports

import (
	"context"

	"coderoom/internal/core/domain"
	"coderoom/internal/protocol"
)

// Caller identifies the connection issuing a request. Identity and Username
// are filled in by the transport layer once the connection has joined or
// created a room; they are the durable values, ConnID is transient.
type Caller struct {
	ConnID   domain.ConnID
	Identity domain.UserID
	Username string
}

// JoinResult reports how a join was applied. Reconnect means an existing
// participant record was updated in place rather than appended.
type JoinResult struct {
	Participant *domain.Participant
	Role        domain.Role
	IsNew       bool
}

// MembershipService mutates a room's participant list. All methods expect
// the caller to hold the room's mutex.
type MembershipService interface {
	CreateRoom(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) JoinResult
	Join(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) JoinResult
	Leave(room *domain.Room, connID domain.ConnID) *domain.Participant
	// EnsureTeacher synthesizes a participant record for the room's teacher
	// when a reconnect race left the identity without one.
	EnsureTeacher(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) *domain.Participant
}

// PermissionService resolves effective edit permissions. Resolution is pure
// and side-effect-free; the same room snapshot always yields the same
// answer.
type PermissionService interface {
	// Resolve computes the effective canEdit for an identity, falling back
	// to the connection id when the identity is not yet resolvable.
	Resolve(room *domain.Room, identity domain.UserID, connID domain.ConnID) bool
	// ResolveFor computes the effective canEdit for a known participant.
	ResolveFor(room *domain.Room, p *domain.Participant) bool
}

// Coordinator answers every connection-lifecycle request arriving over the
// event transport. Implementations must convert internal failures to the
// ack error shapes instead of propagating them to the transport.
type Coordinator interface {
	CreateRoom(ctx context.Context, caller Caller, req protocol.CreateRoomRequest) protocol.CreateRoomAck
	JoinRoom(ctx context.Context, caller Caller, req protocol.JoinRoomRequest) protocol.JoinRoomAck
	ValidateRoom(ctx context.Context, req protocol.ValidateRoomRequest) protocol.ValidateRoomAck
	ToggleRoomPermission(ctx context.Context, caller Caller, req protocol.ToggleRoomPermissionRequest) protocol.ToggleRoomPermissionAck
	SetUserPermission(ctx context.Context, caller Caller, req protocol.SetUserPermissionRequest) protocol.SetUserPermissionAck
	RemoveUserPermission(ctx context.Context, caller Caller, req protocol.RemoveUserPermissionRequest) protocol.RemoveUserPermissionAck
	RequestStudentList(ctx context.Context, caller Caller, req protocol.RequestStudentListRequest)
	RequestRoomState(ctx context.Context, caller Caller, req protocol.RequestRoomStateRequest) protocol.RoomStateAck
	CodeChange(ctx context.Context, caller Caller, req protocol.CodeChangeRequest)
	LeaveRoom(ctx context.Context, caller Caller, roomID domain.RoomID)
	// Disconnect runs the leave path for a dropped connection. Transport
	// closes are not errors; roomID may be empty when the connection never
	// joined a room.
	Disconnect(ctx context.Context, caller Caller, roomID domain.RoomID)
	// RoomStats backs the HTTP stats endpoint.
	RoomStats(ctx context.Context, roomID domain.RoomID) (*RoomStats, error)
}

// RoomStats is the HTTP-facing summary of a room.
type RoomStats struct {
	RoomID         string `json:"roomId"`
	Participants   int    `json:"participants"`
	TeacherID      string `json:"teacherId"`
	RoomPermission bool   `json:"roomPermission"`
	Overrides      int    `json:"overrides"`
	CreatedAt      int64  `json:"createdAt"`
	LastActivity   int64  `json:"lastActivity"`
}
