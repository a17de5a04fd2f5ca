package redis

import (
	"context"
	"fmt"
	"time"

	"lanvoice/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// ClientName shows up in CLIENT LIST on the server.
	ClientName string
	// Connect bounds the startup ping attempts. The zero value uses
	// retry.DefaultConfig.
	Connect retry.Config
}

// NewRedisClient connects and pings with backoff; a relay that cannot reach
// Redis at startup falls back to its in-memory room store.
func NewRedisClient(opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	name := opts.ClientName
	if name == "" {
		name = "lanvoice-relay"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		ClientName:   name,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	policy := opts.Connect
	if !policy.Enabled && policy.MaxAttempts == 0 {
		policy = retry.DefaultConfig()
	}
	if logger != nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Debugw("redis ping failed", "address", opts.Address, "attempt", attempt, "retry_in", delay, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := retry.Retry(ctx, policy, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if logger != nil {
		logger.Infow("connected to Redis", "address", opts.Address, "db", opts.DB, "client_name", name)
	}
	return client, nil
}
