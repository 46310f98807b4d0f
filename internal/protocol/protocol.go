// Package protocol defines the closed set of request and event shapes
// exchanged with clients. Every inbound payload is validated here before it
// reaches the coordinator.
package protocol

import (
	"encoding/json"

	"coderoom/pkg/validation"
)

// Inbound request types (client -> server).
const (
	ReqCreateRoom           = "create-room"
	ReqJoinRoom             = "join-room"
	ReqValidateRoom         = "validate-room"
	ReqToggleRoomPermission = "toggle-room-permission"
	ReqSetUserPermission    = "set-user-permission"
	ReqRemoveUserPermission = "remove-user-permission"
	ReqRequestStudentList   = "request-student-list"
	ReqRequestRoomState     = "request-room-state"
	ReqCodeChange           = "code-change"
	ReqLeaveRoom            = "leave-room"
)

// Outbound event types (server -> client).
const (
	EvtRoomUsersUpdated      = "room-users-updated"
	EvtUpdateStudentList     = "update-student-list"
	EvtRoomPermissionChanged = "room-permission-changed"
	EvtUserPermissionChanged = "user-permission-changed"
	EvtPermissionDenied      = "permission-denied"
	EvtCodeChange            = "code-change"
	EvtCodeUpdate            = "code-update"
	EvtRoomStateUpdate       = "room-state-update"
	EvtUserJoined            = "user-joined"
	EvtGetInitialCode        = "get-initial-code"
	EvtAck                   = "ack"
)

// Full-state envelope event causes.
const (
	StateEventRoomState         = "room-state-update"
	StateEventPermissionChanged = "room-permission-changed"
	StateEventUserJoined        = "user-joined"
	StateEventUserLeft          = "user-left"
	StateEventUserReconnected   = "user-reconnected"
	StateEventUserDisconnected  = "user-disconnected"
)

// Envelope frames every message in both directions. Requests may carry an
// ack id; the server answers them with an EvtAck envelope echoing it.
type Envelope struct {
	Type    string          `json:"type"`
	AckID   uint64          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CreateRoomRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
}

func (r *CreateRoomRequest) Validate() error {
	if err := validation.ValidateUsername(r.Username); err != nil {
		return err
	}
	if err := validation.ValidateUserID(r.UserID); err != nil {
		return err
	}
	if r.RoomID != "" {
		return validation.ValidateRoomID(r.RoomID)
	}
	return nil
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

func (r *JoinRoomRequest) Validate() error {
	if err := validation.ValidateRoomID(r.RoomID); err != nil {
		return err
	}
	if err := validation.ValidateUsername(r.Username); err != nil {
		return err
	}
	return validation.ValidateUserID(r.UserID)
}

type ValidateRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *ValidateRoomRequest) Validate() error {
	return validation.ValidateRoomID(r.RoomID)
}

type ToggleRoomPermissionRequest struct {
	RoomID string `json:"roomId"`
}

func (r *ToggleRoomPermissionRequest) Validate() error {
	return validation.ValidateRoomID(r.RoomID)
}

type SetUserPermissionRequest struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	CanEdit      bool   `json:"canEdit"`
	Reason       string `json:"reason,omitempty"`
}

func (r *SetUserPermissionRequest) Validate() error {
	if err := validation.ValidateRoomID(r.RoomID); err != nil {
		return err
	}
	if err := validation.ValidateUserID(r.TargetUserID); err != nil {
		return err
	}
	return validation.ValidateReason(r.Reason)
}

type RemoveUserPermissionRequest struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
}

func (r *RemoveUserPermissionRequest) Validate() error {
	if err := validation.ValidateRoomID(r.RoomID); err != nil {
		return err
	}
	return validation.ValidateUserID(r.TargetUserID)
}

type RequestStudentListRequest struct {
	RoomID string `json:"roomId"`
}

func (r *RequestStudentListRequest) Validate() error {
	return validation.ValidateRoomID(r.RoomID)
}

type RequestRoomStateRequest struct {
	RoomID string `json:"roomId"`
}

func (r *RequestRoomStateRequest) Validate() error {
	return validation.ValidateRoomID(r.RoomID)
}

type CodeChangeRequest struct {
	RoomID    string `json:"roomId"`
	FileID    string `json:"fileId,omitempty"`
	Code      string `json:"code"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

func (r *CodeChangeRequest) Validate() error {
	if err := validation.ValidateRoomID(r.RoomID); err != nil {
		return err
	}
	if err := validation.ValidateFileID(r.FileID); err != nil {
		return err
	}
	return validation.ValidateDocument(r.Code)
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *LeaveRoomRequest) Validate() error {
	return validation.ValidateRoomID(r.RoomID)
}
