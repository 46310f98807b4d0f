package protocol

// UserSummary is one entry of the membership list pushed with
// room-users-updated and returned in create/join acks. CanEdit is always
// the resolved effective permission, never the raw override.
type UserSummary struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	CanEdit  bool   `json:"canEdit"`
}

type RoomUsersUpdatedEvent struct {
	Users []UserSummary `json:"users"`
}

// StudentEntry carries the richer per-student view for update-student-list.
type StudentEntry struct {
	SocketID                string `json:"socketId"`
	Username                string `json:"username"`
	UserID                  string `json:"userId"`
	CanEdit                 bool   `json:"canEdit"`
	HasIndividualPermission bool   `json:"hasIndividualPermission"`
	PermissionGrantedBy     string `json:"permissionGrantedBy,omitempty"`
	JoinedAt                int64  `json:"joinedAt"`
	LastActivity            int64  `json:"lastActivity"`
}

type UpdateStudentListEvent struct {
	Students []StudentEntry `json:"students"`
}

type RoomPermissionChangedEvent struct {
	CanEdit   bool   `json:"canEdit"`
	ChangedBy string `json:"changedBy"`
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

type UserPermissionChangedEvent struct {
	CanEdit   bool   `json:"canEdit"`
	GrantedBy string `json:"grantedBy"`
	Reason    string `json:"reason,omitempty"`
}

type PermissionDeniedEvent struct {
	Message   string `json:"message"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

type CodeChangeEvent struct {
	Code      string `json:"code"`
	FileID    string `json:"fileId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

type CodeUpdateEvent struct {
	Code   string `json:"code"`
	FileID string `json:"fileId"`
}

// RoomState is the complete snapshot sent in full-state broadcasts and
// request-room-state acks.
type RoomState struct {
	Files          map[string]string `json:"files"`
	Users          []UserSummary     `json:"users"`
	RoomPermission bool              `json:"roomPermission"`
}

// StateEnvelope wraps a RoomState with the mutation that caused it.
type StateEnvelope struct {
	State     RoomState `json:"state"`
	Timestamp int64     `json:"timestamp"`
	EventType string    `json:"eventType"`
	CanEdit   *bool     `json:"canEdit,omitempty"`
}

type UserJoinedEvent struct {
	NewUserSocketID string        `json:"newUserSocketId"`
	NewUserName     string        `json:"newUserName"`
	NewUserID       string        `json:"newUserId"`
	NewUserRole     string        `json:"newUserRole"`
	AllUsers        []UserSummary `json:"allUsers"`
	Timestamp       int64         `json:"timestamp"`
	TotalUsers      int           `json:"totalUsers"`
}

// GetInitialCodeEvent asks one existing peer to push its document to a
// newcomer. The sync is peer-assisted, not server-mediated.
type GetInitialCodeEvent struct {
	RequestingUserID   string `json:"requestingUserId"`
	RequestingUsername string `json:"requestingUsername"`
}

// Ack payloads.

// BasicAck answers requests that carry no richer result, and decode or
// validation failures on any request.
type BasicAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type CreateRoomAck struct {
	RoomID   string        `json:"roomId"`
	Username string        `json:"username"`
	Role     string        `json:"role"`
	Users    []UserSummary `json:"users"`
}

type JoinRoomAck struct {
	Success  bool          `json:"success"`
	Users    []UserSummary `json:"users,omitempty"`
	Role     string        `json:"role,omitempty"`
	Username string        `json:"username,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type ValidateRoomAck struct {
	Exists bool `json:"exists"`
}

type ToggleRoomPermissionAck struct {
	Success   bool   `json:"success"`
	CanEdit   bool   `json:"canEdit,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SetUserPermissionAck struct {
	Success      bool   `json:"success"`
	TargetUserID string `json:"targetUserId,omitempty"`
	CanEdit      bool   `json:"canEdit,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

type RemoveUserPermissionAck struct {
	Success      bool   `json:"success"`
	TargetUserID string `json:"targetUserId,omitempty"`
	Error        string `json:"error,omitempty"`
}

type RoomStateAck struct {
	Success   bool       `json:"success"`
	State     *RoomState `json:"state,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
}
