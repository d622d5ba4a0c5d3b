package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// RedisSnapshotRepository 是 SnapshotRepository 接口的 Redis 实现。
// 快照以与文件实现相同的 JSON 文档保存在单个 string key 中。
type RedisSnapshotRepository struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration // 0 表示不过期
}

// NewRedisSnapshotRepository 创建 RedisSnapshotRepository 实例
func NewRedisSnapshotRepository(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisSnapshotRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisSnapshotRepository")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisSnapshotRepository{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// DefaultKeyPrefix 是未配置时使用的 key 前缀 (sketchbook)。
const DefaultKeyPrefix = "sb:"

// SnapshotKey 返回房间快照的 key。
func SnapshotKey(prefix, roomID string) string {
	return fmt.Sprintf("%sroom:%s:snapshot", prefix, roomID)
}

func (r *RedisSnapshotRepository) roomSnapshotKey(roomID string) string {
	return SnapshotKey(r.keyPrefix, roomID)
}

// Load 读取房间快照
func (r *RedisSnapshotRepository) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	if roomID == "" {
		return nil, repository.ErrInvalidKey
	}
	key := r.roomSnapshotKey(roomID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("redis: failed to get snapshot for room %q from %s: %w", roomID, key, err)
	}
	var snapshot domain.RoomSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal snapshot for room %q from %s: %w", roomID, key, err)
	}
	snapshot = snapshot.Normalize()
	return &snapshot, nil
}

// Save 覆盖写入房间快照
func (r *RedisSnapshotRepository) Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error {
	if roomID == "" {
		return repository.ErrInvalidKey
	}
	if snapshot == nil {
		return fmt.Errorf("redis: nil snapshot for room %q", roomID)
	}
	key := r.roomSnapshotKey(roomID)
	raw, err := json.Marshal(snapshot.Normalize())
	if err != nil {
		return fmt.Errorf("redis: failed to marshal snapshot for room %q: %w", roomID, err)
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to save snapshot for room %q on key %s: %w", roomID, key, err)
	}
	return nil
}
