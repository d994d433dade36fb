package redisstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"powertrader/internal/ports"
)

// KeyPrefix namespaces every status key.
const KeyPrefix = "powertrader:status:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // 0 keeps keys until overwritten
	Logger   ports.Logger
}

type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Publisher mirrors status records into Redis for external observers. The
// core never reads them back.
type Publisher struct {
	client kv
	ttl    time.Duration
	logger ports.Logger
}

var _ ports.StatusPublisher = (*Publisher)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis status publisher")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is empty", ports.ErrConfigurationError)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w: %w", cfg.Addr, ports.ErrConnectionFailed, err)
	}
	cfg.Logger.Info(ctx, "Connected to Redis status mirror", map[string]interface{}{"addr": cfg.Addr})
	return &Publisher{client: client, ttl: cfg.TTL, logger: cfg.Logger}, nil
}

// Key returns the Redis key of role's status.
func Key(role string) string {
	return KeyPrefix + role
}

// PublishStatus stores record as JSON under the role's key.
func (p *Publisher) PublishStatus(ctx context.Context, role string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal status for %s: %w", role, err)
	}
	if err := p.client.Set(ctx, Key(role), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("publish status for %s: %w: %w", role, ports.ErrConnectionFailed, err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
