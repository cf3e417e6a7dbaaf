package remote

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a project's blurbs in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	URL       string // Redis connection URL (e.g., "redis://localhost:6379")
	Project   string // Project name, appended to the prefix to form the hash key
	KeyPrefix string // Prefix for the hash key (default: "blurbsync:")
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &SyncError{Op: "connect", Message: "pinging redis", Cause: err, Retryable: true}
	}

	return NewRedisStoreFromClient(client, cfg.Project, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient creates a RedisStore from an existing Redis client.
func NewRedisStoreFromClient(client *redis.Client, project, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "blurbsync:"
	}
	return &RedisStore{
		client: client,
		key:    keyPrefix + project,
	}
}

// Upload writes every blurb into the project hash in one HSET.
func (s *RedisStore) Upload(ctx context.Context, blurbs map[string]string) error {
	if len(blurbs) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(blurbs))
	for k, v := range blurbs {
		values[k] = v
	}

	if err := s.client.HSet(ctx, s.key, values).Err(); err != nil {
		return &SyncError{Op: "upload", Message: "HSET " + s.key, Cause: err, Retryable: true}
	}
	return nil
}

// Download reads the whole project hash.
func (s *RedisStore) Download(ctx context.Context) (map[string]string, error) {
	blurbs, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, &SyncError{Op: "download", Message: "HGETALL " + s.key, Cause: err, Retryable: true}
	}
	return blurbs, nil
}

// Key returns the Redis hash key used for the project.
func (s *RedisStore) Key() string {
	return s.key
}

// Ping tests the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify RedisStore implements Client
var _ Client = (*RedisStore)(nil)
