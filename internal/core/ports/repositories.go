package ports

import (
	"context"

	"coderoom/internal/core/domain"
)

// RoomRepository owns every Room and all state nested under it. Callers
// fetch rooms per request and never cache the pointer across requests.
type RoomRepository interface {
	// GetOrCreate returns the existing room or creates one with defaults.
	// It never fails.
	GetOrCreate(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Get(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// Delete removes a room. Idempotent.
	Delete(ctx context.Context, id domain.RoomID) error
	Count(ctx context.Context) (int, error)
}

// SnapshotRepository persists document snapshots best-effort. The
// coordinator fires writes and forgets them; a failed write is logged and
// never rolled back or retried.
type SnapshotRepository interface {
	Save(ctx context.Context, roomID domain.RoomID, fileID domain.FileID, code string) error
	Load(ctx context.Context, roomID domain.RoomID, fileID domain.FileID) (string, error)
}
