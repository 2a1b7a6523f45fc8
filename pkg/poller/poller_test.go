package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock/clocktest"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/storage"
	"github.com/logflow/tickflow/pkg/stream"
)

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const quoteJSON = `{"c":191.5,"d":1.2,"dp":0.63,"h":192,"l":189.9,"o":190.1,"pc":190.3,"t":1714554000}`

// upstream is a scripted fake API. Each request pops the next status; the
// last one repeats.
type upstream struct {
	mu       sync.Mutex
	statuses []int
	body     string
	requests []*http.Request
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	status := u.statuses[0]
	if len(u.statuses) > 1 {
		u.statuses = u.statuses[1:]
	}
	u.requests = append(u.requests, r.Clone(context.Background()))
	body := u.body
	u.mu.Unlock()

	w.WriteHeader(status)
	if status == http.StatusOK {
		fmt.Fprint(w, body)
	} else {
		fmt.Fprint(w, `{"error":"nope"}`)
	}
}

func (u *upstream) symbols() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.requests))
	for i, r := range u.requests {
		out[i] = r.URL.Query().Get("symbol")
	}
	return out
}

func newMemoryStream() *stream.Memory {
	m := stream.NewMemory(stream.MemoryOptions{Retention: time.Hour})
	m.CreateTopic(model.TopicQuotes, 1)
	m.CreateTopic(model.TopicNews, 1)
	return m
}

func newPoller(t *testing.T, srv *httptest.Server, symbols []string, pub stream.Publisher, dead dlq.Sink) (*Poller, *clocktest.Fake) {
	t.Helper()
	fake := clocktest.NewFake(start)
	p, err := New(Options{
		Source:       QuoteSource{},
		BaseURL:      srv.URL,
		Symbols:      symbols,
		Credential:   StaticCredential("secret"),
		Client:       srv.Client(),
		Publisher:    pub,
		DeadLetters:  dead,
		PollInterval: time.Minute,
		MinSpacing:   time.Second,
		Backoff:      retry.Policy{Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0},
		PublishRetry: retry.Policy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 3},
		Clock:        fake,
	})
	require.NoError(t, err)
	return p, fake
}

func TestBackoffOn503ThenResetOnSuccess(t *testing.T) {
	up := &upstream{statuses: []int{503, 503, 503, 200, 503}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	p, _ := newPoller(t, srv, []string{"AAPL"}, newMemoryStream(), nil)
	ctx := context.Background()

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		events, delay, err := p.Poll(ctx)
		require.NoError(t, err)
		if i == 3 {
			require.Len(t, events, 1)
		} else {
			assert.Empty(t, events)
		}
		delays = append(delays, delay)
	}

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, // exponential on the same target
		time.Minute,     // baseline after success
		2 * time.Second, // new streak starts from the initial delay
	}, delays)

	st := p.Status()
	assert.Equal(t, int64(4), st.Failures)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, []string{"AAPL", "AAPL", "AAPL", "AAPL", "AAPL"}, up.symbols())
}

func TestClientErrorContinuesOnSchedule(t *testing.T) {
	up := &upstream{statuses: []int{404, 200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	p, _ := newPoller(t, srv, []string{"AAPL", "MSFT"}, newMemoryStream(), nil)

	events, delay, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, time.Second, delay, "4xx moves on to the next symbol at normal spacing")

	events, delay, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "MSFT", events[0].SourceID)
	assert.Equal(t, time.Minute, delay)
	assert.Equal(t, int64(1), p.Status().ClientErrors)
	assert.Equal(t, int64(0), p.Status().Failures)
}

func TestRoundRobinSpacingAndAuth(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	p, fake := newPoller(t, srv, []string{"AAPL", "MSFT", "NVDA"}, newMemoryStream(), nil)
	ctx := context.Background()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, d, err := p.Poll(ctx)
		require.NoError(t, err)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Minute, time.Second}, delays)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA", "AAPL"}, up.symbols())

	// Without sleeping in between, the limiter itself enforced the spacing.
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, fake.Sleeps())

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, "Bearer secret", up.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "/quote", up.requests[0].URL.Path)
}

func TestDuplicateObservationsArePublishedOnce(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	mem := newMemoryStream()
	p, _ := newPoller(t, srv, []string{"AAPL"}, mem, nil)
	ctx := context.Background()

	events, _, err := p.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].IngestSeq)
	assert.Equal(t, int64(1714554000), events[0].ObservedAt.Unix())
	require.NoError(t, p.PublishAll(ctx, events))

	events, _, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(1), p.Status().Duplicates)

	b, err := mem.ReadRange(ctx, model.TopicQuotes, stream.ShardID(0), "", "10")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

type failingPublisher struct{ calls atomic.Int32 }

func (f *failingPublisher) Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error) {
	f.calls.Add(1)
	return model.StreamRecord{}, errors.Transient(errors.CodeStreamUnavailable, nil, "stream down")
}

func TestPublishExhaustionDeadLetters(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	store := storage.NewMemoryStore()
	pub := &failingPublisher{}
	p, fake := newPoller(t, srv, []string{"AAPL"}, pub, dlq.NewWriter(store, dlq.Options{WriterID: "p"}))
	ctx := context.Background()

	events, _, err := p.Poll(ctx)
	require.NoError(t, err)
	fake.Reset()
	require.NoError(t, p.PublishAll(ctx, events))

	assert.Equal(t, int32(3), pub.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())

	entries, err := dlq.List(ctx, store, model.TopicQuotes)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAPL", entries[0].SourceID)
	assert.Equal(t, dlq.KindPublish, entries[0].Kind)
	assert.Contains(t, entries[0].Reason, "stream down")
	assert.Equal(t, int64(1), p.Status().DeadLettered)
}

func TestMissingTopicHaltsPublishing(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()
	mem := stream.NewMemory(stream.MemoryOptions{Retention: time.Hour})
	p, _ := newPoller(t, srv, []string{"AAPL"}, mem, nil)

	events, _, err := p.Poll(context.Background())
	require.NoError(t, err)
	err = p.PublishAll(context.Background(), events)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestMissingCredentialIsFatal(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: quoteJSON}
	srv := httptest.NewServer(up)
	defer srv.Close()

	p, err := New(Options{
		Source:     QuoteSource{},
		BaseURL:    srv.URL,
		Symbols:    []string{"AAPL"},
		Credential: EnvCredential("TICKFLOW_TEST_UNSET_TOKEN"),
		Publisher:  newMemoryStream(),
		Clock:      clocktest.NewFake(start),
	})
	require.NoError(t, err)
	_, _, err = p.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.Equal(t, errors.CodeMissingCredential, errors.GetCode(err))
	assert.Empty(t, up.symbols())
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) >= 3 {
			cancel()
		}
		fmt.Fprint(w, quoteJSON)
	}))
	defer srv.Close()
	mem := newMemoryStream()
	p, _ := newPoller(t, srv, []string{"AAPL"}, mem, nil)

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	b, err := mem.ReadRange(context.Background(), model.TopicQuotes, stream.ShardID(0), "", "10")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestFileCredentialReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0600))

	cred, err := NewFileCredential(path, nil)
	require.NoError(t, err)
	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cred.Watch(ctx)

	require.Eventually(t, func() bool {
		// Rewrite until the watcher has registered and picked it up.
		_ = os.WriteFile(path, []byte("second-token\n"), 0600)
		tok, _ := cred.Token(context.Background())
		return tok == "second-token"
	}, 5*time.Second, 100*time.Millisecond)

	_, err = NewFileCredential(filepath.Join(t.TempDir(), "missing"), nil)
	assert.True(t, errors.IsConfiguration(err))
}

func TestQuoteParse(t *testing.T) {
	cases := map[string]struct {
		body  string
		code  errors.Code
		price any
	}{
		"full quote":      {body: quoteJSON, price: 191.5},
		"optional nulls":  {body: `{"c":10.5,"d":null,"t":1714554000}`, price: 10.5},
		"null price":      {body: `{"c":null,"t":1714554000}`, code: errors.CodeMissingField},
		"zeroed quote":    {body: `{"d":null,"dp":null}`, code: errors.CodeMissingField},
		"missing t":       {body: `{"c":191.5}`, code: errors.CodeMissingField},
		"not json":        {body: `<html>rate limited</html>`, code: errors.CodeMalformedRecord},
		"array not quote": {body: `[1,2]`, code: errors.CodeMalformedRecord},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			events, err := QuoteSource{}.Parse("AAPL", []byte(tc.body))
			if tc.code != "" {
				require.Error(t, err)
				assert.Equal(t, tc.code, errors.GetCode(err))
				assert.Empty(t, events)
				return
			}
			require.NoError(t, err)
			require.Len(t, events, 1)
			e := events[0]
			assert.Equal(t, "AAPL", e.SourceID)
			assert.Equal(t, model.TopicQuotes, e.Topic)
			assert.Equal(t, tc.price, e.Payload["current_price"])
			assert.Equal(t, int64(1714554000), e.Payload["quote_timestamp_unix"])
			assert.Equal(t, time.Unix(1714554000, 0).UTC(), e.ObservedAt)
		})
	}
}

func TestQuoteWithoutDataIsNotBackedOff(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: `{"c":null,"d":null,"t":null}`}
	srv := httptest.NewServer(up)
	defer srv.Close()
	mem := newMemoryStream()
	p, _ := newPoller(t, srv, []string{"AAPL", "MSFT"}, mem, nil)

	events, delay, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, time.Second, delay, "an empty quote is not an upstream failure")
	assert.Equal(t, int64(0), p.Status().Failures)
	assert.Equal(t, "MSFT", p.Status().NextSymbol)
}

func TestSourceRequests(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 1, 0, 0, 0, time.FixedZone("cest", 2*3600))

	req, err := QuoteSource{}.NewRequest(ctx, "https://api.example.com/v1/", "BRK.B", now)
	require.NoError(t, err)
	assert.Equal(t, "/v1/quote", req.URL.Path)
	assert.Equal(t, "BRK.B", req.URL.Query().Get("symbol"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))

	req, err = NewNewsSource("", 0).NewRequest(ctx, "https://api.example.com/v1", "AAPL", now)
	require.NoError(t, err)
	q := req.URL.Query()
	assert.Equal(t, "/v1/company-news", req.URL.Path)
	assert.Equal(t, "AAPL", q.Get("symbol"))
	assert.Equal(t, "2024-05-02", q.Get("to"), "window is computed in UTC")
	assert.Equal(t, "2024-04-30", q.Get("from"))

	req, err = NewNewsSource("/news", 24*time.Hour).NewRequest(ctx, "https://api.example.com", "AAPL", now)
	require.NoError(t, err)
	assert.Equal(t, "/news", req.URL.Path)
	assert.Equal(t, "2024-05-01", req.URL.Query().Get("from"))

	_, err = QuoteSource{}.NewRequest(ctx, "://bad", "AAPL", now)
	assert.True(t, errors.IsConfiguration(err))
}

const newsJSON = `[
	{"id": 12, "datetime": 1714554300, "headline": "third", "url": "https://n/12"},
	{"id": 10, "datetime": 1714554100, "headline": "first", "url": "https://n/10"},
	{"id": 11, "datetime": 1714554100, "headline": "second", "url": "https://n/11"}
]`

func newsIDs(events []model.Event) []any {
	out := make([]any, len(events))
	for i, e := range events {
		out[i] = e.Payload["news_id"]
	}
	return out
}

func TestNewsParse(t *testing.T) {
	cases := map[string]struct {
		body string
		ids  []any
	}{
		"ordered by datetime then id": {body: newsJSON, ids: []any{int64(10), int64(11), int64(12)}},
		"error object":                {body: `{"error":"API limit reached"}`},
		"empty list":                  {body: `[]`},
		"null":                        {body: `null`},
		"not json":                    {body: `<html>`},
		"article without datetime":    {body: `[{"id": 5, "headline": "undated"}]`},
		"non-integer datetime":        {body: `[{"id": 5, "datetime": "yesterday"}]`},
		"malformed entry skipped": {
			body: `[{"id": 7, "datetime": 1714554000}, "junk", {"id": 8, "datetime": 1714554001}]`,
			ids:  []any{int64(7), int64(8)},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			events, err := NewNewsSource("", 0).Parse("AAPL", []byte(tc.body))
			require.NoError(t, err)
			require.Len(t, events, len(tc.ids))
			if len(tc.ids) > 0 {
				assert.Equal(t, tc.ids, newsIDs(events))
			}
		})
	}
}

func TestNewsEventShape(t *testing.T) {
	events, err := NewNewsSource("", 0).Parse("AAPL", []byte(`[
		{"id": 42, "datetime": 1714554000, "category": "company", "headline": "h", "summary": "s",
		 "source": "wire", "url": "https://n/42", "image": "https://i/42"},
		{"id": "n/a", "datetime": 1714554001, "headline": "no id", "url": "https://n/x"}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	e := events[0]
	assert.Equal(t, "AAPL:42", e.SourceID)
	assert.Equal(t, model.TopicNews, e.Topic)
	assert.Equal(t, "https://i/42", e.Payload["image_url"])
	assert.Equal(t, int64(1714554000), e.Payload["article_published_unix"])
	assert.Equal(t, time.Unix(1714554000, 0).UTC(), e.ObservedAt)

	assert.Nil(t, events[1].Payload["news_id"])
	assert.Regexp(t, `^AAPL:u[0-9a-f]+$`, events[1].SourceID)
}

func TestNewsHighWaterMarkMovesOnCommit(t *testing.T) {
	src := NewNewsSource("", 0)

	events, err := src.Parse("AAPL", []byte(newsJSON))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(0), src.LastSeen("AAPL"), "parsing alone does not move the mark")

	again, err := src.Parse("AAPL", []byte(newsJSON))
	require.NoError(t, err)
	assert.Len(t, again, 3)

	src.Commit(events[0])
	src.Commit(events[1])
	assert.Equal(t, int64(11), src.LastSeen("AAPL"))
	src.Commit(events[0])
	assert.Equal(t, int64(11), src.LastSeen("AAPL"), "the mark never moves back")

	rest, err := src.Parse("AAPL", []byte(newsJSON))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(12)}, newsIDs(rest))
	assert.Equal(t, int64(0), src.LastSeen("MSFT"), "marks are per symbol")
}

// flakyPublisher fails the first fail calls, then publishes to next.
type flakyPublisher struct {
	next  stream.Publisher
	fail  int32
	calls atomic.Int32
}

func (f *flakyPublisher) Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error) {
	if f.calls.Add(1) <= f.fail {
		return model.StreamRecord{}, errors.Transient(errors.CodeStreamUnavailable, nil, "stream down")
	}
	return f.next.Publish(ctx, topic, e)
}

func newNewsPoller(t *testing.T, srv *httptest.Server, src *NewsSource, pub stream.Publisher, dead dlq.Sink) *Poller {
	t.Helper()
	p, err := New(Options{
		Source:       src,
		BaseURL:      srv.URL,
		Symbols:      []string{"AAPL"},
		Credential:   StaticCredential("secret"),
		Client:       srv.Client(),
		Publisher:    pub,
		DeadLetters:  dead,
		PublishRetry: retry.Policy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 3},
		Clock:        clocktest.NewFake(start),
	})
	require.NoError(t, err)
	return p
}

func TestNewsMarkWaitsForPublish(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: `[{"id": 7, "datetime": 1714554000, "headline": "h"}]`}
	srv := httptest.NewServer(up)
	defer srv.Close()
	mem := newMemoryStream()
	src := NewNewsSource("", 0)
	p := newNewsPoller(t, srv, src, &flakyPublisher{next: mem, fail: 3}, nil)
	ctx := context.Background()

	events, _, err := p.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, p.PublishAll(ctx, events))
	assert.Equal(t, int64(0), src.LastSeen("AAPL"), "a dropped article is not marked seen")

	events, _, err = p.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1, "the dropped article is fetched again")
	require.NoError(t, p.PublishAll(ctx, events))
	assert.Equal(t, int64(7), src.LastSeen("AAPL"))

	events, _, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	b, err := mem.ReadRange(ctx, model.TopicNews, stream.ShardID(0), "", "10")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestNewsMarkMovesOnDeadLetter(t *testing.T) {
	up := &upstream{statuses: []int{200}, body: `[{"id": 9, "datetime": 1714554000, "headline": "h"}]`}
	srv := httptest.NewServer(up)
	defer srv.Close()
	src := NewNewsSource("", 0)
	store := storage.NewMemoryStore()
	p := newNewsPoller(t, srv, src, &failingPublisher{}, dlq.NewWriter(store, dlq.Options{WriterID: "p"}))
	ctx := context.Background()

	events, _, err := p.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, p.PublishAll(ctx, events))
	assert.Equal(t, int64(9), src.LastSeen("AAPL"))
	assert.Equal(t, 1, store.Len())
}
