// Package dlq provides the dead-letter sink shared by every topic. Records
// that fail validation or exhaust their delivery budget are written as one
// JSON object each, under keys unique per writer, so concurrent appenders
// never clobber each other.
package dlq

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/storage"
)

// Kind says which stage dead-lettered the entry.
type Kind string

const (
	// KindValidation is a record the processor could not transform.
	KindValidation Kind = "validation"
	// KindPublish is an event the poller could not publish.
	KindPublish Kind = "publish"
	// KindGap describes stream records lost to retention.
	KindGap Kind = "gap"
)

// Entry is one dead-lettered record with its failure context.
type Entry struct {
	Topic    model.Topic `json:"topic"`
	SourceID string      `json:"source_id"`
	Kind     Kind        `json:"kind"`

	// Original data: the encoded event, or the raw stream payload when it
	// did not decode.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error context
	Reason    string     `json:"reason"`
	ErrorCode errors.Code `json:"error_code,omitempty"`

	// Stream context
	ShardID  string       `json:"shard_id,omitempty"`
	Sequence model.SeqNum `json:"sequence,omitempty"`

	// Metadata
	Timestamp   time.Time         `json:"timestamp"`
	WriterID    string            `json:"writer_id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Recoverable bool              `json:"recoverable"`

	// IdempotencyKey, when set, replaces the per-writer counter in the
	// object key. Writing the same entry twice then stores it once.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Key is the object key; set when read back.
	Key string `json:"-"`
}

// Sink accepts dead-lettered entries.
type Sink interface {
	Write(ctx context.Context, e Entry) (string, error)
}

// Options configures a Writer.
type Options struct {
	// WriterID distinguishes concurrent writers; a random id when empty.
	WriterID string
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// Writer writes entries to an object store.
type Writer struct {
	store    storage.ObjectStore
	writerID string
	clock    clock.Clock
	log      *zap.SugaredLogger

	seq     atomic.Uint64
	mu      sync.Mutex
	written int64
	failed  int64
}

// NewWriter creates a dead-letter writer on store.
func NewWriter(store storage.ObjectStore, opts Options) *Writer {
	id := opts.WriterID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	return &Writer{
		store:    store,
		writerID: id,
		clock:    clock.OrReal(opts.Clock),
		log:      logger.OrNop(opts.Logger),
	}
}

// WriterID returns the suffix that makes this writer's keys unique.
func (w *Writer) WriterID() string {
	return w.writerID
}

// Prefix returns the key prefix holding a topic's dead letters.
func Prefix(topic model.Topic) string {
	return string(topic) + "/dlq/"
}

// Key builds topic/dlq/<timestamp>-<source_id>-<writer>-<n>.json.
func Key(topic model.Topic, ts time.Time, sourceID, writerID string, n uint64) string {
	return fmt.Sprintf("%s%s-%s-%s-%d.json",
		Prefix(topic), ts.UTC().Format("20060102T150405.000000000Z"), sanitize(sourceID), writerID, n)
}

// IdempotentKey builds topic/dlq/<timestamp>-<source_id>-<idempotency key>.json.
func IdempotentKey(topic model.Topic, ts time.Time, sourceID, idem string) string {
	return fmt.Sprintf("%s%s-%s-%s.json",
		Prefix(topic), ts.UTC().Format("20060102T150405.000000000Z"), sanitize(sourceID), sanitize(idem))
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Write stores e and returns its key.
func (w *Writer) Write(ctx context.Context, e Entry) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.clock.Now().UTC()
	}
	e.WriterID = w.writerID

	key := Key(e.Topic, e.Timestamp, e.SourceID, w.writerID, w.seq.Add(1))
	if e.IdempotencyKey != "" {
		key = IdempotentKey(e.Topic, e.Timestamp, e.SourceID, e.IdempotencyKey)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.CodeDeadLetterFailed, "marshal dead letter")
	}

	err = w.store.Put(ctx, key, data, storage.PutOptions{ContentType: "application/json", IfNotExists: true})
	w.mu.Lock()
	defer w.mu.Unlock()
	if stderrors.Is(err, storage.ErrExists) && e.IdempotencyKey != "" {
		w.log.Debugw("dead letter already stored", "topic", e.Topic, "path", key)
		return key, nil
	}
	if err != nil {
		w.failed++
		return "", errors.Durability(errors.CodeDeadLetterFailed, err, "write dead letter").WithContext("key", key)
	}
	w.written++
	w.log.Warnw("record dead-lettered", "topic", e.Topic, "source_id", e.SourceID, "kind", e.Kind, "reason", e.Reason, "path", key)
	return key, nil
}

// Stats contains writer statistics.
type Stats struct {
	Written int64
	Failed  int64
}

// Stats returns writer statistics.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Written: w.written, Failed: w.failed}
}

// FromError builds an entry for err, classifying it as recoverable when a
// later replay could succeed.
func FromError(topic model.Topic, kind Kind, sourceID string, payload []byte, err error) Entry {
	e := Entry{
		Topic:       topic,
		SourceID:    sourceID,
		Kind:        kind,
		Reason:      err.Error(),
		ErrorCode:   errors.GetCode(err),
		Recoverable: kind == KindPublish,
	}
	if json.Valid(payload) {
		e.Payload = json.RawMessage(payload)
	} else if len(payload) > 0 {
		raw, _ := json.Marshal(string(payload))
		e.Payload = raw
	}
	return e
}
