package processor

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/sink"
)

var cycleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tickflow.dev/cycle"))

// CycleID derives the identity of the cycle covering (first..last] of a
// shard. The same range always yields the same id, which makes sink paths
// reproducible on replay.
func CycleID(topic model.Topic, shardID string, first, last model.SeqNum) string {
	name := strings.Join([]string{string(topic), shardID, string(first), string(last)}, "|")
	return uuid.NewSHA1(cycleNamespace, []byte(name)).String()
}

// TransformFunc turns one stream record into an output record or a
// validation error.
type TransformFunc func(topic model.Topic, rec model.StreamRecord, cycleID string) (sink.Record, error)

// Transform performs structural validation, normalisation and ingest
// enrichment.
func Transform(topic model.Topic, rec model.StreamRecord, cycleID string) (sink.Record, error) {
	ev, err := model.DecodeEvent(rec.Data)
	if err != nil {
		return sink.Record{}, errors.Validation(errors.CodeMalformedRecord, "record is not a valid event").
			WithContext("seq", rec.Sequence)
	}

	ev.SourceID = strings.TrimSpace(ev.SourceID)
	switch {
	case ev.SourceID == "":
		return sink.Record{}, errors.Validation(errors.CodeMissingField, "source_id is empty").WithContext("seq", rec.Sequence)
	case ev.ObservedAt.IsZero():
		return sink.Record{}, errors.Validation(errors.CodeMissingField, "observed_at is missing").WithContext("seq", rec.Sequence)
	case ev.Payload == nil:
		return sink.Record{}, errors.Validation(errors.CodeMissingField, "payload is missing").WithContext("seq", rec.Sequence)
	case ev.Topic != "" && ev.Topic != topic:
		return sink.Record{}, errors.Validation(errors.CodeInvalidField, "event topic does not match stream").
			WithContext("seq", rec.Sequence).WithContext("event_topic", ev.Topic)
	}

	payload, clash := normalizePayload(ev.Payload)
	if clash != "" {
		return sink.Record{}, errors.Validation(errors.CodeInvalidField, "payload keys collide after normalisation").
			WithContext("seq", rec.Sequence).WithContext("key", clash)
	}

	return sink.Record{
		SourceID:   ev.SourceID,
		ObservedAt: ev.ObservedAt.UTC(),
		Topic:      topic,
		Payload:    payload,
		Ingest: sink.Ingest{
			ShardID:   rec.ShardID,
			Sequence:  rec.Sequence,
			IngestSeq: ev.IngestSeq,
			CycleID:   cycleID,
		},
	}, nil
}

// normalizePayload lower-cases and trims keys. Values pass through. Two keys
// that normalise to the same name make the payload ambiguous and are
// rejected.
func normalizePayload(p map[string]any) (map[string]any, string) {
	out := make(map[string]any, len(p))
	for k, v := range p {
		nk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := out[nk]; dup {
			return nil, nk
		}
		out[nk] = v
	}
	return out, ""
}

// sourceHint extracts a source id from undecodable data for dead-letter keys.
func sourceHint(data []byte) string {
	var partial struct {
		SourceID string `json:"source_id"`
	}
	if json.Unmarshal(data, &partial) == nil && partial.SourceID != "" {
		return partial.SourceID
	}
	return "unknown"
}
