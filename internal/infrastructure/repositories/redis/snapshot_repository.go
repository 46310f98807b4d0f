package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotRepository persists document snapshots so a restarted server
// can surface the last known code. Writes are best-effort from the
// coordinator's perspective.
type RedisSnapshotRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type snapshotRecord struct {
	RoomID  string `json:"room_id"`
	FileID  string `json:"file_id"`
	Code    string `json:"code"`
	SavedAt int64  `json:"saved_at"`
}

func NewRedisSnapshotRepository(client *redis.Client, ttl time.Duration) ports.SnapshotRepository {
	return &RedisSnapshotRepository{
		client: client,
		prefix: "coderoom:snapshot:",
		ttl:    ttl,
	}
}

func (r *RedisSnapshotRepository) key(roomID domain.RoomID, fileID domain.FileID) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, roomID, fileID)
}

func (r *RedisSnapshotRepository) Save(ctx context.Context, roomID domain.RoomID, fileID domain.FileID, code string) error {
	record := snapshotRecord{
		RoomID:  string(roomID),
		FileID:  string(fileID),
		Code:    code,
		SavedAt: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, r.key(roomID, fileID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotRepository) Load(ctx context.Context, roomID domain.RoomID, fileID domain.FileID) (string, error) {
	data, err := r.client.Get(ctx, r.key(roomID, fileID)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("snapshot not found for %s/%s", roomID, fileID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var record snapshotRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return "", fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return record.Code, nil
}
