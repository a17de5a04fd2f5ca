package monitoring

import (
	"context"
	"time"

	"lanvoice/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// pingCheck adapts an error-only check to the HealthCheck signature.
func pingCheck(fn func(ctx context.Context) error) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// AddRedisCheck pings the Redis server shared by relay instances.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", pingCheck(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}), interval, timeout)
}

// AddRoomRepositoryCheck reads the member list of room from the relay's
// room store.
func (h *HealthChecker) AddRoomRepositoryCheck(repo ports.RoomRepository, room string, interval, timeout time.Duration) {
	h.AddCheck("room_repository", pingCheck(func(ctx context.Context) error {
		_, err := repo.Members(ctx, room)
		return err
	}), interval, timeout)
}
