package memory

import (
	"context"
	"fmt"
	"sync"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
)

// MemorySnapshotRepository is the default snapshot store when Redis is
// disabled. Snapshots are best-effort by contract, so process-local storage
// is acceptable.
type MemorySnapshotRepository struct {
	snapshots map[string]string
	mu        sync.RWMutex
}

func NewMemorySnapshotRepository() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{
		snapshots: make(map[string]string),
	}
}

var _ ports.SnapshotRepository = (*MemorySnapshotRepository)(nil)

func snapshotKey(roomID domain.RoomID, fileID domain.FileID) string {
	return fmt.Sprintf("%s/%s", roomID, fileID)
}

func (r *MemorySnapshotRepository) Save(ctx context.Context, roomID domain.RoomID, fileID domain.FileID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots[snapshotKey(roomID, fileID)] = code
	return nil
}

func (r *MemorySnapshotRepository) Load(ctx context.Context, roomID domain.RoomID, fileID domain.FileID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code, exists := r.snapshots[snapshotKey(roomID, fileID)]
	if !exists {
		return "", fmt.Errorf("snapshot not found for %s/%s", roomID, fileID)
	}
	return code, nil
}
