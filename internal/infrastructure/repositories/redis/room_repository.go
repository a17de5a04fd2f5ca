package redis

import (
	"context"
	"fmt"
	"sort"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Each room is a hash of peer id to the relay connection id that owns it.
// Leave is a compare-and-delete so that a replaced connection closing late
// cannot evict its successor.
var leaveScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

type RedisRoomRepository struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisRoomRepository wraps client. When owned is true Close also closes
// the client.
func NewRedisRoomRepository(client *redis.Client, owned bool) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "lanvoice:room:",
		owned:  owned,
	}
}

func (r *RedisRoomRepository) roomKey(room string) string {
	return r.prefix + room
}

func (r *RedisRoomRepository) Join(ctx context.Context, room string, peerID domain.PeerID, connID string) (string, error) {
	key := r.roomKey(room)

	var prev *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.HGet(ctx, key, string(peerID))
		pipe.HSet(ctx, key, string(peerID), connID)
		return nil
	})
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("failed to join room in Redis: %w", err)
	}

	replaced, err := prev.Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read previous connection: %w", err)
	}
	return replaced, nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, room string, peerID domain.PeerID, connID string) (bool, error) {
	n, err := leaveScript.Run(ctx, r.client, []string{r.roomKey(room)}, string(peerID), connID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to leave room in Redis: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, room string) ([]domain.PeerID, error) {
	ids, err := r.client.HKeys(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	members := make([]domain.PeerID, 0, len(ids))
	for _, id := range ids {
		members = append(members, domain.PeerID(id))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *RedisRoomRepository) Close() error {
	if r.owned && r.client != nil {
		return r.client.Close()
	}
	return nil
}
