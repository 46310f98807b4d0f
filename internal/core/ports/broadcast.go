package ports

import (
	"coderoom/internal/core/domain"
	"coderoom/internal/protocol"
)

// Sender delivers one event to a single connection.
type Sender interface {
	Send(event string, payload interface{}) error
}

// Broadcaster is the protocol layer between room mutations and connected
// clients. Full-state broadcasts are throttled per room; the targeted
// users-updated push is not. All per-room gate state must be released with
// Forget when the room is deleted.
type Broadcaster interface {
	Register(connID domain.ConnID, sender Sender)
	Unregister(connID domain.ConnID)

	Send(connID domain.ConnID, event string, payload interface{})
	SendAll(conns []domain.ConnID, event string, payload interface{})
	SendAllExcept(conns []domain.ConnID, except domain.ConnID, event string, payload interface{})

	// BroadcastState emits a full snapshot to conns, coalesced to at most
	// one emission per room per throttle window with a trailing-edge flush
	// of the latest suppressed envelope.
	BroadcastState(roomID domain.RoomID, conns []domain.ConnID, envelope protocol.StateEnvelope)

	// BroadcastCode emits a document change to every connection except the
	// author, gated per (room, file) independently of the full-state
	// throttle.
	BroadcastCode(roomID domain.RoomID, fileID domain.FileID, conns []domain.ConnID, author domain.ConnID, change protocol.CodeChangeEvent)

	// AllowRoomState applies the request-room-state limits: one request per
	// (connection, room) per window, and a per-room budget per minute.
	AllowRoomState(connID domain.ConnID, roomID domain.RoomID) bool

	// Forget drops every throttle and limiter entry scoped to the room.
	Forget(roomID domain.RoomID)
}

// MetricsRecorder receives coordinator and broadcaster counters. The
// Prometheus collector implements it; tests substitute fakes.
type MetricsRecorder interface {
	SetRoomsActive(n int)
	SetParticipantsConnected(n int)
	RecordBroadcast(event string)
	RecordSuppressedBroadcast()
	RecordCodeChange()
	RecordPermissionDenied(action string)
	RecordSnapshotError()
	RecordRequestDuration(request string, seconds float64)
}
