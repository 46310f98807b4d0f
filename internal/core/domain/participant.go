package domain

import "time"

// Participant is one (room, durable identity) pair. ConnID is the transient
// transport handle and changes on every reconnect; Identity survives page
// reloads. At most one Participant per identity exists in a room at any
// time; a reconnect updates the record in place instead of appending.
type Participant struct {
	ConnID       ConnID
	Identity     UserID
	Username     string
	Role         Role // cache of Room.RoleOf(Identity), refreshed on every join
	JoinedAt     time.Time
	LastActivity time.Time
}

// PermissionOverride is an individual edit grant or denial scoped to
// (room, identity). It outlives disconnects and takes precedence over the
// room-wide flag in both directions until explicitly removed.
type PermissionOverride struct {
	CanEdit   bool
	GrantedBy UserID
	GrantedAt time.Time
	Reason    string
}
