package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// KeyValueStore is the generic get/set/del primitive all per-user state lives in.
// Get reports a missing key with found == false and a nil error.
// A ttl of zero stores the value without expiry.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Recorder receives timing for each store operation
type Recorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// Manager wraps the configured backend and records every operation
type Manager struct {
	store    KeyValueStore
	recorder Recorder
	logger   *logrus.Logger
}

// NewManager creates a new storage manager for cfg.Storage.Type
func NewManager(cfg *config.Config, recorder Recorder, logger *logrus.Logger) (*Manager, error) {
	var store KeyValueStore

	switch cfg.Storage.Type {
	case "redis":
		redisStore, err := NewRedisStore(&cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		store = redisStore
	case "memory":
		store = NewMemoryStore(cfg.Storage.Memory.CleanupInterval)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")
	return Wrap(store, recorder, logger), nil
}

// Wrap builds a Manager around an existing store
func Wrap(store KeyValueStore, recorder Recorder, logger *logrus.Logger) *Manager {
	return &Manager{store: store, recorder: recorder, logger: logger}
}

func (m *Manager) observe(op string, start time.Time, err error) {
	if m.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.recorder.RecordStorageOperation(op, status, time.Since(start))
}

func (m *Manager) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, found, err := m.store.Get(ctx, key)
	m.observe("get", start, err)
	return value, found, err
}

func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := m.store.Set(ctx, key, value, ttl)
	m.observe("set", start, err)
	return err
}

func (m *Manager) Del(ctx context.Context, key string) error {
	start := time.Now()
	err := m.store.Del(ctx, key)
	m.observe("del", start, err)
	return err
}

// RedisStore implements KeyValueStore on redis, or any service speaking its protocol
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already connected client
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryStore implements KeyValueStore in process
type MemoryStore struct {
	items *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryStore{
		items: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if val, found := m.items.Get(key); found {
		return val.(string), true, nil
	}
	return "", false, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.items.Delete(key)
	return nil
}
