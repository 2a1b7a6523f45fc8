// Package model defines core data structures for TickFlow.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic names a logical pipeline. Each topic owns its own poller, stream,
// processor and sink prefix.
type Topic string

const (
	TopicQuotes Topic = "quotes"
	TopicNews   Topic = "news"
)

// KnownTopics lists every topic the pipeline understands.
var KnownTopics = []Topic{TopicQuotes, TopicNews}

// ParseTopic validates a topic name.
func ParseTopic(s string) (Topic, error) {
	t := Topic(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownTopics {
		if t == k {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

func (t Topic) String() string {
	return string(t)
}

// Event is a single normalized observation from an upstream source.
// Events are immutable once published. SourceID and ObservedAt form the dedup key.
type Event struct {
	Topic      Topic          `json:"topic"`
	SourceID   string         `json:"source_id"`
	Payload    map[string]any `json:"payload"`
	ObservedAt time.Time      `json:"observed_at"`
	IngestSeq  uint64         `json:"ingest_seq"`
}

// DedupKey returns the identity used to suppress duplicate observations.
func (e Event) DedupKey() string {
	return e.SourceID + "@" + e.ObservedAt.UTC().Format(time.RFC3339Nano)
}

// Encode serializes the event for transport.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a transported event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// StreamRecord is an Event as stored on a shard. It is created by the stream on
// publish and never mutated afterwards.
type StreamRecord struct {
	Topic         Topic     `json:"topic"`
	ShardID       string    `json:"shard_id"`
	ShardKey      string    `json:"shard_key"`
	PartitionHint int       `json:"partition_hint"`
	Sequence      SeqNum    `json:"sequence"`
	AppendedAt    time.Time `json:"appended_at"`

	// Data is the encoded Event exactly as published.
	Data []byte `json:"data"`
}

// Batch is an ordered, bounded slice of records read from one shard during one
// processing cycle. It is never persisted.
type Batch struct {
	Topic        Topic
	ShardID      string
	Records      []StreamRecord
	WindowOpened time.Time
	WindowClosed time.Time
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// FirstSeq returns the sequence number of the first record, or zero.
func (b Batch) FirstSeq() SeqNum {
	if len(b.Records) == 0 {
		return ""
	}
	return b.Records[0].Sequence
}

// MaxSeq returns the highest sequence number in the batch, or zero.
func (b Batch) MaxSeq() SeqNum {
	var max SeqNum
	for _, r := range b.Records {
		if r.Sequence.After(max) {
			max = r.Sequence
		}
	}
	return max
}

// Truncate keeps only records with sequence <= last.
func (b Batch) Truncate(last SeqNum) Batch {
	out := b
	out.Records = nil
	for _, r := range b.Records {
		if r.Sequence.After(last) {
			break
		}
		out.Records = append(out.Records, r)
	}
	return out
}

// Cursor is a consumer group's read position within one shard. Sequence is the
// last sequence number whose batch was durably committed; the zero value
// starts at the oldest retained record.
type Cursor struct {
	Group          string        `json:"group"`
	Topic          Topic         `json:"topic"`
	ShardID        string        `json:"shard_id"`
	Sequence       SeqNum        `json:"sequence"`
	LastAdvancedAt time.Time     `json:"last_advanced_at"`
	Pending        *PendingCycle `json:"pending,omitempty"`
}

// ID returns the storage identity of the cursor.
func (c Cursor) ID() string {
	return CursorID(c.Group, c.Topic, c.ShardID)
}

// CursorID builds the storage identity for a group/topic/shard triple.
func CursorID(group string, topic Topic, shardID string) string {
	return group + "." + string(topic) + "." + shardID
}

// PendingCycle records the exact record range a cycle is about to write so a
// restarted runtime replays the same range under the same cycle identity.
type PendingCycle struct {
	CycleID  string    `json:"cycle_id"`
	FirstSeq SeqNum    `json:"first_seq"`
	LastSeq  SeqNum    `json:"last_seq"`
	OpenedAt time.Time `json:"opened_at"`
}
