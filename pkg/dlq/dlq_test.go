package dlq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock/clocktest"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/storage"
	"github.com/logflow/tickflow/pkg/stream"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestKeyLayout(t *testing.T) {
	k := Key(model.TopicNews, base, "AAPL:123", "w1", 7)
	assert.Equal(t, "news/dlq/20240501T090000.000000000Z-AAPL_123-w1-7.json", k)
}

func TestConcurrentWritersNeverClobber(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fake := clocktest.NewFake(base)
	a := NewWriter(store, Options{WriterID: "quotes", Clock: fake})
	b := NewWriter(store, Options{WriterID: "news", Clock: fake})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := a.Write(ctx, Entry{Topic: model.TopicQuotes, SourceID: "AAPL", Reason: "bad"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := b.Write(ctx, Entry{Topic: model.TopicQuotes, SourceID: "AAPL", Reason: "bad"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Same timestamp and source for every entry, yet all 40 survive.
	assert.Equal(t, 40, store.Len())
	assert.Equal(t, int64(20), a.Stats().Written)
}

func TestIdempotentEntriesAreStoredOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewWriter(store, Options{WriterID: "a"})
	b := NewWriter(store, Options{WriterID: "b"})
	e := Entry{Topic: model.TopicQuotes, SourceID: "AAPL", Reason: "bad", Timestamp: base, IdempotencyKey: "cycle-1-7"}

	k1, err := a.Write(ctx, e)
	require.NoError(t, err)
	k2, err := b.Write(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, "quotes/dlq/20240501T090000.000000000Z-AAPL-cycle-1-7.json", k1)
	assert.Equal(t, 1, store.Len())
}

func TestListAndSummarize(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fake := clocktest.NewFake(base)
	w := NewWriter(store, Options{WriterID: "w", Clock: fake})

	ev := model.Event{Topic: model.TopicQuotes, SourceID: "MSFT", Payload: map[string]any{"c": 1.0}, ObservedAt: base}
	data, err := ev.Encode()
	require.NoError(t, err)

	_, err = w.Write(ctx, FromError(model.TopicQuotes, KindPublish, "MSFT", data,
		errors.Transient(errors.CodeStreamUnavailable, nil, "stream down")))
	require.NoError(t, err)
	fake.Advance(time.Second)
	_, err = w.Write(ctx, FromError(model.TopicQuotes, KindValidation, "", []byte("{not json"),
		errors.Validation(errors.CodeMalformedRecord, "undecodable")))
	require.NoError(t, err)
	_, err = w.Write(ctx, Entry{Topic: model.TopicNews, SourceID: "x", Reason: "other topic"})
	require.NoError(t, err)

	entries, err := List(ctx, store, model.TopicQuotes)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "MSFT", entries[0].SourceID)
	assert.Contains(t, entries[0].Reason, "stream down")
	assert.Equal(t, errors.CodeStreamUnavailable, entries[0].ErrorCode)
	assert.Equal(t, `"{not json"`, string(entries[1].Payload))
	assert.NotEmpty(t, entries[0].Key)

	s := Summarize(entries)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Recoverable)
	assert.Equal(t, 1, s.ByKind[KindValidation])
	assert.Equal(t, base, s.Oldest)
	assert.Equal(t, base.Add(time.Second), s.Newest)
}

func TestReplayRepublishesDecodableEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := NewWriter(store, Options{WriterID: "w", Clock: clocktest.NewFake(base)})

	for i := 0; i < 3; i++ {
		ev := model.Event{Topic: model.TopicQuotes, SourceID: fmt.Sprintf("S%d", i), Payload: map[string]any{"c": 1.0}, ObservedAt: base}
		data, _ := ev.Encode()
		_, err := w.Write(ctx, FromError(model.TopicQuotes, KindPublish, ev.SourceID, data, errors.New(errors.CodeStreamUnavailable, "down")))
		require.NoError(t, err)
	}
	_, err := w.Write(ctx, Entry{Topic: model.TopicQuotes, SourceID: "gap", Kind: KindGap, Reason: "lost 4..9"})
	require.NoError(t, err)

	mem := stream.NewMemory(stream.MemoryOptions{Retention: time.Hour})
	mem.CreateTopic(model.TopicQuotes, 1)

	entries, err := List(ctx, store, model.TopicQuotes)
	require.NoError(t, err)

	calls := 0
	res, err := Replay(ctx, store, mem, entries, true, func() { calls++ })
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Published: 3, Skipped: 1}, res)
	assert.Equal(t, 4, calls)

	b, err := mem.ReadRange(ctx, model.TopicQuotes, stream.ShardID(0), "", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())

	left, err := List(ctx, store, model.TopicQuotes)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, KindGap, left[0].Kind)
}

func TestWriteFailureIsDurabilityError(t *testing.T) {
	store := storage.NewFlakyStore(storage.NewMemoryStore(), -1, "")
	w := NewWriter(store, Options{})
	_, err := w.Write(context.Background(), Entry{Topic: model.TopicQuotes, SourceID: "x"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDeadLetterFailed, errors.GetCode(err))
	assert.Equal(t, int64(1), w.Stats().Failed)
	assert.Len(t, w.WriterID(), 8)
}
