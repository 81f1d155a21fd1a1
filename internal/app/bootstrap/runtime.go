package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/docfollow/internal/booking"
	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildConversationStore returns the Postgres store when DATABASE_URL is set
// and the in-memory store otherwise. The returned func releases the pool.
func BuildConversationStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (followup.Store, func(), error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; conversations are kept in memory")
		return followup.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: connect conversation store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping conversation store: %w", err)
	}
	return followup.NewPostgresStore(pool), pool.Close, nil
}

// BuildDirectory returns the patient and doctor directory.
func BuildDirectory(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (directory.Repository, func(), error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; directory is kept in memory")
		return directory.NewMemoryRepository(), func() {}, nil
	}
	db, err := directory.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	return directory.NewPostgresRepository(db), func() { _ = db.Close() }, nil
}

// BuildLocker prefers a Redis lease so several processes serialize on the
// same conversation; a single process falls back to an in-process mutex.
func BuildLocker(redisClient *redis.Client) followup.Locker {
	if redisClient == nil {
		return followup.NewKeyedMutex()
	}
	return followup.NewRedisLocker(redisClient, 0)
}

// BuildTokenStore keeps doctors' calendar tokens in Redis when available.
func BuildTokenStore(redisClient *redis.Client) booking.TokenStore {
	if redisClient == nil {
		return booking.NewMemoryTokenStore()
	}
	return booking.NewRedisTokenStore(redisClient)
}
