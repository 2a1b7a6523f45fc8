package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
)

// RedisConfig configures the Redis cursor backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all cursor keys (e.g., "tickflow:cursors:")
	Prefix string

	// Timeout for Redis operations
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int

	// Owner identifies this runtime instance in shard leases
	Owner string
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "tickflow:cursors:",
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisStore stores cursors in Redis for low-latency access.
type RedisStore struct {
	cfg    RedisConfig
	client redis.UniversalClient
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "connect to redis")
	}
	return &RedisStore{cfg: cfg, client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisStore{cfg: cfg, client: client}
}

func (s *RedisStore) key(id string) string {
	return s.cfg.Prefix + id
}

// groupSetKey indexes the cursor ids of one consumer group.
func (s *RedisStore) groupSetKey(group string) string {
	return s.cfg.Prefix + "group:" + group
}

// Save persists a cursor and indexes it under its group in one pipeline.
func (s *RedisStore) Save(ctx context.Context, c model.Cursor) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := encode(c)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(c.ID()), data, 0)
	pipe.SAdd(ctx, s.groupSetKey(c.Group), c.ID())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Durability(errors.CodeCursorSave, err, "save cursor to redis").WithContext("id", c.ID())
	}
	return nil
}

// Load retrieves a cursor from Redis.
func (s *RedisStore) Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error) {
	id := model.CursorID(group, topic, shardID)
	return s.load(ctx, id, func() model.Cursor { return zeroCursor(group, topic, shardID) })
}

func (s *RedisStore) load(ctx context.Context, id string, zero func() model.Cursor) (model.Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return zero(), nil
	}
	if err != nil {
		return model.Cursor{}, errors.Transient(errors.CodeStoreUnavailable, err, "load cursor from redis").WithContext("id", id)
	}
	return decode(data, id)
}

// List returns all cursors indexed under group.
func (s *RedisStore) List(ctx context.Context, group string) ([]model.Cursor, error) {
	ids, err := s.client.SMembers(ctx, s.groupSetKey(group)).Result()
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "list cursors")
	}

	var out []model.Cursor
	for _, id := range ids {
		c, err := s.load(ctx, id, func() model.Cursor { return model.Cursor{} })
		if err != nil || c.Group == "" {
			// Remove stale entries
			s.client.SRem(ctx, s.groupSetKey(group), id)
			continue
		}
		out = append(out, c)
	}
	sortCursors(out)
	return out, nil
}

// Delete removes a cursor and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	c, err := s.load(ctx, id, func() model.Cursor { return model.Cursor{} })
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	if c.Group != "" {
		pipe.SRem(ctx, s.groupSetKey(c.Group), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Name returns "redis".
func (s *RedisStore) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Shard leases for multi-instance deployments ---

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lease is an exclusive, expiring claim on one cursor.
type Lease struct {
	store *RedisStore
	key   string
	value string
	ttl   time.Duration
}

// Acquire claims the cursor id for ttl. It fails with ErrLeaseHeld when
// another runtime instance owns the shard.
func (s *RedisStore) Acquire(ctx context.Context, id string, ttl time.Duration) (Releaser, error) {
	lockKey := s.cfg.Prefix + "lease:" + id
	value := fmt.Sprintf("%s/%d", s.cfg.Owner, time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "acquire lease")
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{store: s, key: lockKey, value: value, ttl: ttl}, nil
}

// Release gives up the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.store.client, []string{l.key}, l.value).Err()
}

// Extend renews the lease TTL if it is still ours.
func (l *Lease) Extend(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.store.cfg.Timeout)
	defer cancel()
	n, err := extendScript.Run(ctx, l.store.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Transient(errors.CodeStoreUnavailable, err, "extend lease")
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
