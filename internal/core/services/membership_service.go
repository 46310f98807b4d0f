package services

import (
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"

	"go.uber.org/zap"
)

type membershipService struct {
	logger *zap.SugaredLogger
}

func NewMembershipService(logger *zap.SugaredLogger) ports.MembershipService {
	return &membershipService{logger: logger}
}

var _ ports.MembershipService = (*membershipService)(nil)

// CreateRoom adds the creator and makes them the teacher. Explicit creation
// intent overrides a heuristic first-joiner claim, but only the first
// explicit creator wins; later create-room calls on a live room behave like
// joins.
func (s *membershipService) CreateRoom(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) ports.JoinResult {
	if !room.TeacherClaimed {
		if room.TeacherID != "" && room.TeacherID != identity {
			s.logger.Infow("explicit create overrides heuristic teacher",
				"room_id", room.ID,
				"previous_teacher", room.TeacherID,
				"new_teacher", identity,
			)
		}
		room.TeacherID = identity
		room.TeacherClaimed = true
	}
	return s.apply(room, identity, username, connID)
}

// Join adds or reconnects a participant. The first participant of a room
// that was never explicitly created claims the teacher role.
func (s *membershipService) Join(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) ports.JoinResult {
	if room.TeacherID == "" && len(room.Users) == 0 {
		room.TeacherID = identity
	}
	return s.apply(room, identity, username, connID)
}

// apply performs the shared join/reconnect bookkeeping. Role is always
// recomputed from TeacherID here so it survives page reloads without any
// session storage.
func (s *membershipService) apply(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) ports.JoinResult {
	role := room.RoleOf(identity)
	now := time.Now()

	if existing := room.FindByIdentity(identity); existing != nil {
		existing.ConnID = connID
		existing.Role = role
		existing.Username = username
		existing.LastActivity = now
		room.Touch()
		return ports.JoinResult{Participant: existing, Role: role, IsNew: false}
	}

	p := &domain.Participant{
		ConnID:       connID,
		Identity:     identity,
		Username:     username,
		Role:         role,
		JoinedAt:     now,
		LastActivity: now,
	}
	room.Users = append(room.Users, p)
	room.Touch()
	return ports.JoinResult{Participant: p, Role: role, IsNew: true}
}

// Leave removes the participant bound to connID. Immediate and permanent
// for that connection; overrides keyed by identity survive for a later
// rejoin.
func (s *membershipService) Leave(room *domain.Room, connID domain.ConnID) *domain.Participant {
	p := room.RemoveByConn(connID)
	if p != nil {
		room.Touch()
	}
	return p
}

// EnsureTeacher resolves the teacher's participant record, synthesizing one
// when a reconnect raced a teacher-only command and left the identity
// without a record.
func (s *membershipService) EnsureTeacher(room *domain.Room, identity domain.UserID, username string, connID domain.ConnID) *domain.Participant {
	if identity == "" || identity != room.TeacherID {
		return nil
	}
	if p := room.FindByIdentity(identity); p != nil {
		return p
	}
	s.logger.Warnw("synthesizing missing teacher participant",
		"room_id", room.ID,
		"teacher_id", identity,
		"conn_id", connID,
	)
	res := s.apply(room, identity, username, connID)
	return res.Participant
}
