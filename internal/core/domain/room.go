package domain

import (
	"sync"
	"time"
)

type RoomID string
type UserID string
type ConnID string
type FileID string

// DefaultFileID is the document every room starts with. The model supports
// multiple files per room but the editor only uses this one today.
const DefaultFileID FileID = "main"

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Room is a single collaboration session. All nested state is owned by the
// room registry; other components fetch the room by id per request and must
// not hold the pointer across requests.
//
// Mu serializes every read-modify-broadcast turn on the room, reproducing
// the one-turn-per-room execution model the coordinator depends on.
type Room struct {
	ID             RoomID
	Users          []*Participant
	Files          map[FileID]string
	TeacherID      UserID
	RoomPermission bool
	Overrides      map[UserID]*PermissionOverride
	CreatedAt      time.Time
	LastActivity   time.Time

	// TeacherClaimed is true once an explicit create-room assigned the
	// teacher. A first joiner claims the role heuristically; an explicit
	// create may override that heuristic claim exactly once.
	TeacherClaimed bool

	Mu sync.Mutex
}

func NewRoom(id RoomID) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		Users:        make([]*Participant, 0, 4),
		Files:        make(map[FileID]string),
		Overrides:    make(map[UserID]*PermissionOverride),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// RoleOf derives a user's role from the recorded teacher identity. The
// Participant.Role field is only a cache of this derivation.
func (r *Room) RoleOf(identity UserID) Role {
	if identity != "" && identity == r.TeacherID {
		return RoleTeacher
	}
	return RoleStudent
}

// FindByIdentity returns the participant with the given durable identity.
func (r *Room) FindByIdentity(identity UserID) *Participant {
	for _, p := range r.Users {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

// FindByConn returns the participant whose current connection matches.
func (r *Room) FindByConn(connID ConnID) *Participant {
	for _, p := range r.Users {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

// RemoveByConn removes the participant bound to connID, preserving join
// order of the rest. Returns the removed participant, or nil.
func (r *Room) RemoveByConn(connID ConnID) *Participant {
	for i, p := range r.Users {
		if p.ConnID == connID {
			r.Users = append(r.Users[:i], r.Users[i+1:]...)
			return p
		}
	}
	return nil
}

func (r *Room) Empty() bool {
	return len(r.Users) == 0
}

func (r *Room) Touch() {
	r.LastActivity = time.Now()
}

// Document returns the current text of a file, defaulting to the main file
// when id is empty.
func (r *Room) Document(id FileID) string {
	if id == "" {
		id = DefaultFileID
	}
	return r.Files[id]
}

// HasContent reports whether any file holds a non-trivial document. Used to
// decide whether a newcomer needs a peer-assisted snapshot.
func (r *Room) HasContent() bool {
	for _, code := range r.Files {
		if len(code) > 0 {
			return true
		}
	}
	return false
}
