package repositories

import (
	"context"

	"lanvoice/internal/core/ports"
	"lanvoice/internal/infrastructure/repositories/memory"
	redisrepo "lanvoice/internal/infrastructure/repositories/redis"
	"lanvoice/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the relay's room store. Redis is used only when it
// is enabled and answered the startup ping; otherwise rooms live in memory
// and the relay runs as a single instance.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{logger: logger}
	if !cfg.Redis.Enabled {
		logger.Infow("room store selected", "store", "memory")
		return f
	}

	client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Warnw("redis unreachable, relay rooms stay in memory", "address", cfg.Redis.Address, "error", err)
		logger.Infow("room store selected", "store", "memory")
		return f
	}

	f.redisClient = client
	logger.Infow("room store selected", "store", "redis", "address", cfg.Redis.Address)
	return f
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.redisClient == nil {
		return memory.NewMemoryRoomRepository()
	}
	// the factory keeps ownership of the client
	return redisrepo.NewRedisRoomRepository(f.redisClient, false)
}

// RedisClient is nil when the memory store is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Close()
}
