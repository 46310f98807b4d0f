package services

import (
	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
)

type permissionService struct{}

func NewPermissionService() ports.PermissionService {
	return &permissionService{}
}

var _ ports.PermissionService = (*permissionService)(nil)

// Resolve computes effective edit permission. Precedence: unknown
// participant fails closed; teachers always edit; an individual override
// wins over the room flag in both directions; otherwise the room-wide flag
// applies.
func (s *permissionService) Resolve(room *domain.Room, identity domain.UserID, connID domain.ConnID) bool {
	p := room.FindByIdentity(identity)
	if p == nil {
		// Tolerates transient identity-resolution races after a reconnect.
		p = room.FindByConn(connID)
	}
	if p == nil {
		return false
	}
	return s.ResolveFor(room, p)
}

func (s *permissionService) ResolveFor(room *domain.Room, p *domain.Participant) bool {
	if p == nil {
		return false
	}
	if room.RoleOf(p.Identity) == domain.RoleTeacher {
		return true
	}
	if ov, ok := room.Overrides[p.Identity]; ok {
		return ov.CanEdit
	}
	return room.RoomPermission
}
