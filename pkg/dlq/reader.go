package dlq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/storage"
	"github.com/logflow/tickflow/pkg/stream"
)

// List reads every dead letter of a topic in key order, which is
// chronological per writer.
func List(ctx context.Context, store storage.ObjectStore, topic model.Topic) ([]Entry, error) {
	infos, err := store.List(ctx, Prefix(topic))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		e, err := Read(ctx, store, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Read loads a single dead letter.
func Read(ctx context.Context, store storage.ObjectStore, key string) (Entry, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, errors.Wrapf(err, errors.CodeMalformedRecord, "decode dead letter %s", key)
	}
	e.Key = key
	return e, nil
}

// Summary summarizes a topic's dead letters.
type Summary struct {
	Total       int
	Recoverable int
	ByKind      map[Kind]int
	ByCode      map[errors.Code]int
	Oldest      time.Time
	Newest      time.Time
}

// Summarize aggregates entries.
func Summarize(entries []Entry) Summary {
	s := Summary{ByKind: make(map[Kind]int), ByCode: make(map[errors.Code]int)}
	for _, e := range entries {
		s.Total++
		s.ByKind[e.Kind]++
		if e.ErrorCode != "" {
			s.ByCode[e.ErrorCode]++
		}
		if e.Recoverable {
			s.Recoverable++
		}
		if s.Oldest.IsZero() || e.Timestamp.Before(s.Oldest) {
			s.Oldest = e.Timestamp
		}
		if e.Timestamp.After(s.Newest) {
			s.Newest = e.Timestamp
		}
	}
	return s
}

// ReplayResult counts the outcome of a replay.
type ReplayResult struct {
	Published int
	Skipped   int
	Failed    int
}

// Replay re-publishes entries whose payload still decodes to a valid event
// of the topic. Gap entries carry no event and are skipped. progress, when
// set, is called once per entry. Replayed entries are deleted only when
// prune is true.
func Replay(ctx context.Context, store storage.ObjectStore, pub stream.Publisher, entries []Entry, prune bool, progress func()) (ReplayResult, error) {
	var res ReplayResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if progress != nil {
			progress()
		}

		ev, ok := replayable(e)
		if !ok {
			res.Skipped++
			continue
		}
		if _, err := pub.Publish(ctx, e.Topic, ev); err != nil {
			if errors.IsFatal(err) {
				return res, err
			}
			res.Failed++
			continue
		}
		res.Published++
		if prune && e.Key != "" {
			if err := store.Delete(ctx, e.Key); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func replayable(e Entry) (model.Event, bool) {
	if e.Kind == KindGap || len(e.Payload) == 0 {
		return model.Event{}, false
	}
	ev, err := model.DecodeEvent(e.Payload)
	if err != nil || ev.SourceID == "" || ev.ObservedAt.IsZero() || ev.Payload == nil {
		return model.Event{}, false
	}
	if ev.Topic == "" {
		ev.Topic = e.Topic
	}
	return ev, ev.Topic == e.Topic
}
