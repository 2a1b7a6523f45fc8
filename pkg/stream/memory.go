package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
)

// MemoryOptions configures an in-process stream.
type MemoryOptions struct {
	Retention time.Duration
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// Memory is an in-process Stream. Each shard is an append-only slice with a
// contiguous counter; readers park on a broadcast channel that is replaced on
// every append.
type Memory struct {
	mu        sync.Mutex
	topics    map[model.Topic]*memTopic
	retention time.Duration
	clock     clock.Clock
	log       *zap.SugaredLogger
	closed    bool
}

type memTopic struct {
	router Router
	shards []*memShard
}

type memShard struct {
	id      string
	records []model.StreamRecord
	next    uint64
	notify  chan struct{}
}

// NewMemory creates an empty in-memory stream. Topics must be provisioned
// with CreateTopic before use.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Memory{
		topics:    make(map[model.Topic]*memTopic),
		retention: opts.Retention,
		clock:     clock.OrReal(opts.Clock),
		log:       logger.OrNop(opts.Logger),
	}
}

// CreateTopic provisions a topic with n shards. Re-creating an existing
// topic is a no-op.
func (m *Memory) CreateTopic(topic model.Topic, n int) {
	if n <= 0 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[topic]; ok {
		return
	}
	t := &memTopic{router: Router{Shards: n}}
	for _, id := range ShardIDs(n) {
		t.shards = append(t.shards, &memShard{id: id, next: 1, notify: make(chan struct{})})
	}
	m.topics[topic] = t
}

// Publish appends e to the shard chosen by its shard key.
func (m *Memory) Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.StreamRecord{}, err
	}
	data, err := e.Encode()
	if err != nil {
		return model.StreamRecord{}, errors.Wrap(err, errors.CodeMalformedRecord, "encode event")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.StreamRecord{}, unavailable(nil, "stream closed")
	}
	t, ok := m.topics[topic]
	if !ok {
		return model.StreamRecord{}, missingTopic(topic)
	}

	route := t.router.Route(topic, e)
	s := t.shards[route.PartitionHint]
	now := m.clock.Now()
	m.evict(s, now)

	rec := model.StreamRecord{
		Topic:         topic,
		ShardID:       s.id,
		ShardKey:      route.ShardKey,
		PartitionHint: route.PartitionHint,
		Sequence:      model.SeqFromUint(s.next),
		AppendedAt:    now,
		Data:          data,
	}
	s.next++
	s.records = append(s.records, rec)

	close(s.notify)
	s.notify = make(chan struct{})
	return rec, nil
}

// Read implements Stream.
func (m *Memory) Read(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum, maxRecords int, maxWait time.Duration) (model.Batch, error) {
	if err := checkLimits(maxRecords, maxWait); err != nil {
		return model.Batch{}, err
	}

	opened := m.clock.Now()
	batch := model.Batch{Topic: topic, ShardID: shardID, WindowOpened: opened}
	var deadline <-chan time.Time

	for {
		recs, wake, err := m.collect(topic, shardID, after, "", maxRecords)
		if err != nil {
			return model.Batch{}, err
		}
		if len(recs) >= maxRecords {
			batch.Records = recs
			batch.WindowClosed = m.clock.Now()
			return batch, nil
		}
		if deadline == nil {
			deadline = m.clock.After(maxWait)
		}

		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case <-wake:
		case <-deadline:
			recs, _, err := m.collect(topic, shardID, after, "", maxRecords)
			if err != nil {
				return model.Batch{}, err
			}
			batch.Records = recs
			batch.WindowClosed = m.clock.Now()
			return batch, nil
		}
	}
}

// ReadRange implements Stream.
func (m *Memory) ReadRange(ctx context.Context, topic model.Topic, shardID string, after, through model.SeqNum) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	now := m.clock.Now()
	recs, _, err := m.collect(topic, shardID, after, through, 0)
	if err != nil {
		return model.Batch{}, err
	}
	return model.Batch{Topic: topic, ShardID: shardID, Records: recs, WindowOpened: now, WindowClosed: now}, nil
}

// collect copies up to limit records after `after` (and not beyond through,
// when set) and returns the channel that fires on the next append.
func (m *Memory) collect(topic model.Topic, shardID string, after, through model.SeqNum, limit int) ([]model.StreamRecord, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, unavailable(nil, "stream closed")
	}
	s, err := m.shard(topic, shardID)
	if err != nil {
		return nil, nil, err
	}
	m.evict(s, m.clock.Now())

	if err := gapCheck(topic, shardID, after, s.records, s.next); err != nil {
		return nil, nil, err
	}

	var out []model.StreamRecord
	for _, r := range s.records {
		if !r.Sequence.After(after) {
			continue
		}
		if through != "" && r.Sequence.After(through) {
			break
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, s.notify, nil
}

// gapCheck detects a cursor that fell behind the retention horizon of a
// contiguous counter-based shard.
func gapCheck(topic model.Topic, shardID string, after model.SeqNum, records []model.StreamRecord, next uint64) error {
	oldest := next
	if len(records) > 0 {
		oldest, _ = records[0].Sequence.Uint()
	}
	return gapAt(topic, shardID, after, oldest)
}

// gapAt reports a GapError when oldest is not the record right after the
// cursor. A zero cursor starts at the oldest record and never gaps.
func gapAt(topic model.Topic, shardID string, after model.SeqNum, oldest uint64) error {
	pos, err := after.Uint()
	if err != nil || pos == 0 || oldest <= pos+1 {
		return nil
	}
	return &GapError{
		Topic:       topic,
		ShardID:     shardID,
		After:       after,
		Oldest:      model.SeqFromUint(oldest),
		ResumeAfter: model.SeqFromUint(oldest - 1),
	}
}

func (m *Memory) shard(topic model.Topic, shardID string) (*memShard, error) {
	t, ok := m.topics[topic]
	if !ok {
		return nil, missingTopic(topic)
	}
	for _, s := range t.shards {
		if s.id == shardID {
			return s, nil
		}
	}
	return nil, missingShard(topic, shardID)
}

// evict drops records older than the retention window.
func (m *Memory) evict(s *memShard, now time.Time) {
	cutoff := now.Add(-m.retention)
	i := 0
	for i < len(s.records) && s.records[i].AppendedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.log.Debugw("evicted expired records", "shard", s.id, "count", i)
		s.records = append([]model.StreamRecord(nil), s.records[i:]...)
	}
}

// Shards implements Stream.
func (m *Memory) Shards(ctx context.Context, topic model.Topic) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil, missingTopic(topic)
	}
	ids := make([]string, len(t.shards))
	for i, s := range t.shards {
		ids[i] = s.id
	}
	return ids, nil
}

// Close wakes all readers and rejects further calls.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		for _, s := range t.shards {
			close(s.notify)
			s.notify = make(chan struct{})
		}
	}
	return nil
}
