// Package stream provides the ordered, sharded, retained append log that
// connects pollers to processors. Records with the same shard key are
// strictly ordered by sequence number; delivery is at least once.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
)

// Publisher appends events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error)
}

// Stream is the full transport contract used by processors.
type Stream interface {
	Publisher

	// Read returns records with sequence numbers after `after`. It blocks until
	// maxRecords are available or maxWait elapses, whichever comes first. An
	// empty batch is not an error.
	Read(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum, maxRecords int, maxWait time.Duration) (model.Batch, error)

	// ReadRange returns records in (after, through] without waiting for new
	// data. It is used to replay an interrupted cycle exactly.
	ReadRange(ctx context.Context, topic model.Topic, shardID string, after, through model.SeqNum) (model.Batch, error)

	// Shards lists the shard ids of a topic.
	Shards(ctx context.Context, topic model.Topic) ([]string, error)

	Close() error
}

// GapError reports that retention evicted records a cursor had not reached.
// It classifies as a configuration error so the default policy halts the
// topic; callers that opt into skipping resume after ResumeAfter.
type GapError struct {
	Topic       model.Topic
	ShardID     string
	After       model.SeqNum // cursor position
	Oldest      model.SeqNum // oldest retained sequence number
	ResumeAfter model.SeqNum // read position that continues at Oldest
}

func (e *GapError) Error() string {
	return fmt.Sprintf("retention gap on %s/%s: cursor at %s, oldest retained %s",
		e.Topic, e.ShardID, e.After, e.Oldest)
}

func (e *GapError) Unwrap() error {
	return errors.Configuration(errors.CodeRetentionGap, "records expired before they were read").
		WithContext("topic", e.Topic).
		WithContext("shard", e.ShardID)
}

func missingTopic(topic model.Topic) error {
	return errors.Configuration(errors.CodeMissingTopic, "topic is not provisioned").WithContext("topic", topic)
}

func missingShard(topic model.Topic, shardID string) error {
	return errors.Configuration(errors.CodeMissingShard, "shard does not exist").
		WithContext("topic", topic).
		WithContext("shard", shardID)
}

func unavailable(cause error, op string) error {
	return errors.Transient(errors.CodeStreamUnavailable, cause, op)
}

// checkLimits rejects nonsensical read bounds.
func checkLimits(maxRecords int, maxWait time.Duration) error {
	if maxRecords <= 0 {
		return errors.Configuration(errors.CodeInvalidConfig, "max_records must be positive")
	}
	if maxWait < 0 {
		return errors.Configuration(errors.CodeInvalidConfig, "max_wait must not be negative")
	}
	return nil
}
