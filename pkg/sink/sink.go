// Package sink writes processed events to an object store as time-partitioned
// JSON Lines objects. Every object path is a pure function of topic, hour
// bucket and cycle identity, so replaying a cycle rewrites nothing new.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/storage"
)

// Record is one processed event, rendered as one output line.
type Record struct {
	SourceID   string         `json:"source_id"`
	ObservedAt time.Time      `json:"observed_at"`
	Topic      model.Topic    `json:"topic"`
	Payload    map[string]any `json:"payload"`
	Ingest     Ingest         `json:"ingest"`
}

// Ingest is the enrichment attached by the processor. It holds only values
// derived from the stream record, never wall-clock processing time.
type Ingest struct {
	ShardID   string       `json:"shard_id"`
	Sequence  model.SeqNum `json:"sequence"`
	IngestSeq uint64       `json:"ingest_seq"`
	CycleID   string       `json:"cycle_id"`
}

// CommitToken confirms one durable object.
type CommitToken struct {
	Path      string
	Bucket    model.TimeBucket
	Records   int
	Bytes     int
	Checksum  string
	Attempts  int
	Duplicate bool
}

// Options configures a Sink.
type Options struct {
	Store storage.ObjectStore

	// Retry bounds write attempts per object. MaxAttempts defaults to 5.
	Retry retry.Policy

	// WriteTimeout bounds each attempt so a hung write is treated as failed.
	WriteTimeout time.Duration

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Sink is the partitioned writer.
type Sink struct {
	store   storage.ObjectStore
	policy  retry.Policy
	timeout time.Duration
	clock   clock.Clock
	log     *zap.SugaredLogger
}

// New creates a Sink.
func New(opts Options) *Sink {
	p := opts.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	return &Sink{
		store:   opts.Store,
		policy:  p,
		timeout: opts.WriteTimeout,
		clock:   clock.OrReal(opts.Clock),
		log:     logger.OrNop(opts.Logger),
	}
}

// Store returns the underlying object store.
func (s *Sink) Store() storage.ObjectStore {
	return s.store
}

// Path returns topic/YYYY/MM/DD/HH/<cycle-id>.jsonl.
func Path(topic model.Topic, bucket model.TimeBucket, cycleID string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", topic, bucket.Path(), cycleID)
}

// Encode renders records as JSON Lines. Payload maps marshal with sorted
// keys and timestamps are normalised to UTC, so equal input yields equal bytes.
func Encode(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		r.ObservedAt = r.ObservedAt.UTC()
		if err := enc.Encode(r); err != nil {
			return nil, errors.Wrapf(err, errors.CodeMalformedRecord, "encode %s", r.SourceID)
		}
	}
	return buf.Bytes(), nil
}

// Write durably stores records of a single time bucket under the cycle's
// identity. An object already present at the path is taken as a previous
// successful attempt of the same cycle and skipped. Exhausting the retry
// budget yields a durability error; callers must not advance past it.
func (s *Sink) Write(ctx context.Context, topic model.Topic, records []Record, bucket model.TimeBucket, cycleID string) (CommitToken, error) {
	path := Path(topic, bucket, cycleID)
	data, err := Encode(records)
	if err != nil {
		return CommitToken{}, err
	}

	token := CommitToken{
		Path:     path,
		Bucket:   bucket,
		Records:  len(records),
		Bytes:    len(data),
		Checksum: strconv.FormatUint(xxhash.Sum64(data), 16),
	}

	op := func(ctx context.Context, attempt int) error {
		token.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := s.put(actx, path, data, cycleID, len(records), &token)
		if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
			// Only the attempt deadline fired. The cause drops the context
			// error so the attempt classifies as unconfirmed, not canceled.
			return errors.Durability(errors.CodeWriteUnconfirmed,
				fmt.Errorf("attempt timed out after %s", s.timeout), "write timed out")
		}
		return err
	}

	notify := func(attempt int, delay time.Duration, err error) {
		s.log.Warnw("sink write failed, retrying",
			"topic", topic, "path", path, "attempt", attempt, "delay", delay, "error", err)
	}

	if err := retry.Do(ctx, s.clock, s.policy, op, notify); err != nil {
		if errors.IsCanceled(err) && ctx.Err() != nil {
			return token, errors.Durability(errors.CodeWriteUnconfirmed, err, "write canceled").WithContext("path", path)
		}
		return token, errors.Durability(errors.CodeWriteUnconfirmed, err, "write not confirmed").
			WithContext("path", path).WithContext("attempts", token.Attempts)
	}

	if token.Duplicate {
		s.log.Infow("object already committed, skipping", "topic", topic, "path", path, "cycle", cycleID)
	} else {
		s.log.Debugw("object committed", "topic", topic, "path", path, "records", len(records), "attempts", token.Attempts)
	}
	return token, nil
}

// put performs one attempt: an existing object is a previous success of the
// same cycle.
func (s *Sink) put(ctx context.Context, path string, data []byte, cycleID string, n int, token *CommitToken) error {
	exists, err := s.store.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		token.Duplicate = true
		return nil
	}
	err = s.store.Put(ctx, path, data, storage.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"cycle-id": cycleID, "records": strconv.Itoa(n)},
		IfNotExists: true,
	})
	if stderrors.Is(err, storage.ErrExists) {
		token.Duplicate = true
		return nil
	}
	return err
}

// WriteBatch fans records out into one write per hour bucket, in bucket
// order. Record order within a bucket is preserved. On failure the tokens
// committed so far are returned with the error.
func (s *Sink) WriteBatch(ctx context.Context, topic model.Topic, records []Record, cycleID string) ([]CommitToken, error) {
	groups := GroupByBucket(records)
	buckets := make([]model.TimeBucket, 0, len(groups))
	for b := range groups {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })

	tokens := make([]CommitToken, 0, len(buckets))
	for _, b := range buckets {
		tok, err := s.Write(ctx, topic, groups[b], b, cycleID)
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// GroupByBucket partitions records by the hour of ObservedAt.
func GroupByBucket(records []Record) map[model.TimeBucket][]Record {
	out := make(map[model.TimeBucket][]Record)
	for _, r := range records {
		b := model.BucketFor(r.ObservedAt)
		out[b] = append(out[b], r)
	}
	return out
}
