package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
)

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address  string
	Password string
	Database int

	// Prefix is prepended to every key (e.g., "tickflow:")
	Prefix string

	Retention time.Duration
	Timeout   time.Duration
}

// appendScript assigns the next counter value and appends the entry under
// the explicit id "<n>-0" atomically, so concurrent publishers never race
// the id ordering check.
var appendScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], n .. '-0', 'key', ARGV[1], 'hint', ARGV[2], 'at', ARGV[3], 'data', ARGV[4])
return n
`)

// Redis is a Stream on Redis Streams. Each shard is one stream key whose
// entry ids are a contiguous counter, which keeps gap detection exact.
type Redis struct {
	cfg    RedisConfig
	client redis.UniversalClient
	clock  clock.Clock
	log    *zap.SugaredLogger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, log *zap.SugaredLogger) (*Redis, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(err, "connect to redis")
	}
	return NewRedisWithClient(client, cfg, nil, log), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig, c clock.Clock, log *zap.SugaredLogger) *Redis {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Redis{cfg: cfg, client: client, clock: clock.OrReal(c), log: logger.OrNop(log)}
}

func (r *Redis) topicsKey() string {
	return r.cfg.Prefix + "topics"
}

func (r *Redis) streamKey(topic model.Topic, shardID string) string {
	return fmt.Sprintf("%sstream:%s:%s", r.cfg.Prefix, topic, shardID)
}

func (r *Redis) counterKey(topic model.Topic, shardID string) string {
	return fmt.Sprintf("%sseq:%s:%s", r.cfg.Prefix, topic, shardID)
}

// CreateTopic registers a topic with n shards. The shard count of an
// existing topic is left unchanged.
func (r *Redis) CreateTopic(ctx context.Context, topic model.Topic, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := r.client.HSetNX(ctx, r.topicsKey(), string(topic), n).Err(); err != nil {
		return unavailable(err, "register topic")
	}
	return nil
}

func (r *Redis) shardCount(ctx context.Context, topic model.Topic) (int, error) {
	v, err := r.client.HGet(ctx, r.topicsKey(), string(topic)).Int()
	if stderrors.Is(err, redis.Nil) {
		return 0, missingTopic(topic)
	}
	if err != nil {
		return 0, unavailable(err, "lookup topic")
	}
	return v, nil
}

// Shards implements Stream.
func (r *Redis) Shards(ctx context.Context, topic model.Topic) ([]string, error) {
	n, err := r.shardCount(ctx, topic)
	if err != nil {
		return nil, err
	}
	return ShardIDs(n), nil
}

func (r *Redis) checkShard(ctx context.Context, topic model.Topic, shardID string) error {
	ids, err := r.Shards(ctx, topic)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == shardID {
			return nil
		}
	}
	return missingShard(topic, shardID)
}

// Publish implements Stream.
func (r *Redis) Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error) {
	n, err := r.shardCount(ctx, topic)
	if err != nil {
		return model.StreamRecord{}, err
	}
	data, err := e.Encode()
	if err != nil {
		return model.StreamRecord{}, errors.Wrap(err, errors.CodeMalformedRecord, "encode event")
	}

	route := Router{Shards: n}.Route(topic, e)
	shardID := ShardID(route.PartitionHint)
	now := r.clock.Now()

	seq, err := appendScript.Run(ctx, r.client,
		[]string{r.streamKey(topic, shardID), r.counterKey(topic, shardID)},
		route.ShardKey, route.PartitionHint, now.UnixNano(), data,
	).Int64()
	if err != nil {
		return model.StreamRecord{}, unavailable(err, "append")
	}

	if err := r.trim(ctx, topic, shardID); err != nil {
		r.log.Warnw("retention trim failed", "topic", topic, "shard", shardID, "error", err)
	}

	return model.StreamRecord{
		Topic:         topic,
		ShardID:       shardID,
		ShardKey:      route.ShardKey,
		PartitionHint: route.PartitionHint,
		Sequence:      model.SeqFromUint(uint64(seq)),
		AppendedAt:    now,
		Data:          data,
	}, nil
}

// trim removes entries older than the retention window.
func (r *Redis) trim(ctx context.Context, topic model.Topic, shardID string) error {
	key := r.streamKey(topic, shardID)
	cutoff := r.clock.Now().Add(-r.cfg.Retention).UnixNano()

	for {
		msgs, err := r.client.XRangeN(ctx, key, "-", "+", 64).Result()
		if err != nil {
			return err
		}
		keep := ""
		for _, msg := range msgs {
			at, _ := strconv.ParseInt(fmt.Sprint(msg.Values["at"]), 10, 64)
			if at >= cutoff {
				keep = msg.ID
				break
			}
		}
		switch {
		case len(msgs) == 0:
			return nil
		case keep != "":
			if keep != msgs[0].ID {
				return r.client.XTrimMinID(ctx, key, keep).Err()
			}
			return nil
		default:
			last, err := parseID(msgs[len(msgs)-1].ID)
			if err != nil {
				return err
			}
			if err := r.client.XTrimMinID(ctx, key, fmt.Sprintf("%d-0", last+1)).Err(); err != nil {
				return err
			}
		}
	}
}

// Read implements Stream.
func (r *Redis) Read(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum, maxRecords int, maxWait time.Duration) (model.Batch, error) {
	if err := checkLimits(maxRecords, maxWait); err != nil {
		return model.Batch{}, err
	}
	if err := r.checkShard(ctx, topic, shardID); err != nil {
		return model.Batch{}, err
	}
	if err := r.trim(ctx, topic, shardID); err != nil {
		return model.Batch{}, unavailable(err, "trim")
	}
	if err := r.checkGap(ctx, topic, shardID, after); err != nil {
		return model.Batch{}, err
	}

	opened := r.clock.Now()
	deadline := opened.Add(maxWait)
	batch := model.Batch{Topic: topic, ShardID: shardID, WindowOpened: opened}
	key := r.streamKey(topic, shardID)

	recs, err := r.rangeRead(ctx, topic, shardID, after, "", int64(maxRecords))
	if err != nil {
		return model.Batch{}, err
	}
	batch.Records = recs
	last := after
	if len(recs) > 0 {
		last = recs[len(recs)-1].Sequence
	}

	for batch.Len() < maxRecords {
		remaining := deadline.Sub(r.clock.Now())
		if remaining < time.Millisecond {
			// BLOCK takes milliseconds and 0 means forever.
			break
		}
		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID(last)},
			Count:   int64(maxRecords - batch.Len()),
			Block:   remaining,
		}).Result()
		if stderrors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.Batch{}, ctx.Err()
			}
			return model.Batch{}, unavailable(err, "xread")
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				rec, err := r.toRecord(topic, shardID, msg)
				if err != nil {
					return model.Batch{}, err
				}
				batch.Records = append(batch.Records, rec)
				last = rec.Sequence
			}
		}
	}

	batch.WindowClosed = r.clock.Now()
	return batch, nil
}

// ReadRange implements Stream.
func (r *Redis) ReadRange(ctx context.Context, topic model.Topic, shardID string, after, through model.SeqNum) (model.Batch, error) {
	if err := r.checkShard(ctx, topic, shardID); err != nil {
		return model.Batch{}, err
	}
	if err := r.checkGap(ctx, topic, shardID, after); err != nil {
		return model.Batch{}, err
	}
	recs, err := r.rangeRead(ctx, topic, shardID, after, through, 0)
	if err != nil {
		return model.Batch{}, err
	}
	now := r.clock.Now()
	return model.Batch{Topic: topic, ShardID: shardID, Records: recs, WindowOpened: now, WindowClosed: now}, nil
}

func (r *Redis) rangeRead(ctx context.Context, topic model.Topic, shardID string, after, through model.SeqNum, count int64) ([]model.StreamRecord, error) {
	pos, err := after.Uint()
	if err != nil {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "cursor is not a counter sequence").WithContext("seq", after)
	}
	stop := "+"
	if through != "" {
		stop = string(through) + "-0"
	}
	start := fmt.Sprintf("%d-0", pos+1)

	var msgs []redis.XMessage
	if count > 0 {
		msgs, err = r.client.XRangeN(ctx, r.streamKey(topic, shardID), start, stop, count).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.streamKey(topic, shardID), start, stop).Result()
	}
	if err != nil {
		return nil, unavailable(err, "xrange")
	}
	out := make([]model.StreamRecord, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := r.toRecord(topic, shardID, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) checkGap(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum) error {
	if after.IsZero() {
		return nil
	}
	msgs, err := r.client.XRangeN(ctx, r.streamKey(topic, shardID), "-", "+", 1).Result()
	if err != nil {
		return unavailable(err, "xrange")
	}
	var oldest uint64
	if len(msgs) > 0 {
		if oldest, err = parseID(msgs[0].ID); err != nil {
			return err
		}
	} else {
		n, err := r.client.Get(ctx, r.counterKey(topic, shardID)).Uint64()
		if err != nil && !stderrors.Is(err, redis.Nil) {
			return unavailable(err, "read counter")
		}
		oldest = n + 1
	}
	return gapAt(topic, shardID, after, oldest)
}

func (r *Redis) toRecord(topic model.Topic, shardID string, msg redis.XMessage) (model.StreamRecord, error) {
	seq, err := parseID(msg.ID)
	if err != nil {
		return model.StreamRecord{}, err
	}
	hint, _ := strconv.Atoi(fmt.Sprint(msg.Values["hint"]))
	at, _ := strconv.ParseInt(fmt.Sprint(msg.Values["at"]), 10, 64)
	data, _ := msg.Values["data"].(string)
	key, _ := msg.Values["key"].(string)
	return model.StreamRecord{
		Topic:         topic,
		ShardID:       shardID,
		ShardKey:      key,
		PartitionHint: hint,
		Sequence:      model.SeqFromUint(seq),
		AppendedAt:    time.Unix(0, at).UTC(),
		Data:          []byte(data),
	}, nil
}

func lastID(s model.SeqNum) string {
	if s.IsZero() {
		return "0-0"
	}
	return string(s) + "-0"
}

func parseID(id string) (uint64, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, errors.Validation(errors.CodeMalformedRecord, "unexpected stream entry id").WithContext("id", id)
	}
	return n, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
