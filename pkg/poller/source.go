package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
)

// Source describes one upstream endpoint: how to ask for a symbol and how to
// normalise the answer into events.
type Source interface {
	Topic() model.Topic

	// NewRequest builds the GET request for symbol.
	NewRequest(ctx context.Context, baseURL, symbol string, now time.Time) (*http.Request, error)

	// Parse turns a 2xx body into events. A body without usable data yields
	// no events and a validation error.
	Parse(symbol string, body []byte) ([]model.Event, error)
}

// Committer is implemented by sources that keep a per-symbol high-water
// mark. The poller calls Commit once an event has been published or
// dead-lettered, so an event lost before either never moves the mark.
type Committer interface {
	Commit(e model.Event)
}

func newGet(ctx context.Context, baseURL, endpoint string, q url.Values) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid upstream url %s", baseURL)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "build upstream request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// QuoteSource polls /quote?symbol=S.
type QuoteSource struct {
	Endpoint string
}

func (QuoteSource) Topic() model.Topic { return model.TopicQuotes }

func (s QuoteSource) NewRequest(ctx context.Context, baseURL, symbol string, _ time.Time) (*http.Request, error) {
	ep := s.Endpoint
	if ep == "" {
		ep = "/quote"
	}
	return newGet(ctx, baseURL, ep, url.Values{"symbol": {symbol}})
}

type quoteBody struct {
	C  *float64 `json:"c"`
	D  *float64 `json:"d"`
	DP *float64 `json:"dp"`
	H  *float64 `json:"h"`
	L  *float64 `json:"l"`
	O  *float64 `json:"o"`
	PC *float64 `json:"pc"`
	T  *int64   `json:"t"`
}

func num(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s QuoteSource) Parse(symbol string, body []byte) ([]model.Event, error) {
	var q quoteBody
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, errors.Wrapf(err, errors.CodeMalformedRecord, "decode quote for %s", symbol)
	}
	if q.C == nil || q.T == nil {
		return nil, errors.Validation(errors.CodeMissingField, "quote has no price or timestamp").WithContext("symbol", symbol)
	}
	return []model.Event{{
		Topic:    model.TopicQuotes,
		SourceID: symbol,
		Payload: map[string]any{
			"symbol":               symbol,
			"current_price":        *q.C,
			"change":               num(q.D),
			"percent_change":       num(q.DP),
			"high_price_day":       num(q.H),
			"low_price_day":        num(q.L),
			"open_price_day":       num(q.O),
			"previous_close_price": num(q.PC),
			"quote_timestamp_unix": *q.T,
		},
		ObservedAt: time.Unix(*q.T, 0).UTC(),
	}}, nil
}

// NewsSource polls /company-news over a trailing date window and emits only
// articles newer than the last id committed for each symbol.
type NewsSource struct {
	Endpoint string
	Lookback time.Duration

	mu       sync.Mutex
	lastSeen map[string]int64
}

// NewNewsSource creates a news source with a lookback window (two days when zero).
func NewNewsSource(endpoint string, lookback time.Duration) *NewsSource {
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	if endpoint == "" {
		endpoint = "/company-news"
	}
	return &NewsSource{Endpoint: endpoint, Lookback: lookback, lastSeen: make(map[string]int64)}
}

func (*NewsSource) Topic() model.Topic { return model.TopicNews }

func (s *NewsSource) NewRequest(ctx context.Context, baseURL, symbol string, now time.Time) (*http.Request, error) {
	to := now.UTC()
	from := to.Add(-s.Lookback)
	return newGet(ctx, baseURL, s.Endpoint, url.Values{
		"symbol": {symbol},
		"from":   {from.Format("2006-01-02")},
		"to":     {to.Format("2006-01-02")},
	})
}

type article struct {
	ID       json.RawMessage `json:"id"`
	Datetime json.RawMessage `json:"datetime"`
	Category string          `json:"category"`
	Headline string          `json:"headline"`
	Summary  string          `json:"summary"`
	Source   string          `json:"source"`
	URL      string          `json:"url"`
	Image    string          `json:"image"`
}

// asInt accepts JSON integers only.
func asInt(raw json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}

// LastSeen returns the newest article id committed for symbol.
func (s *NewsSource) LastSeen(symbol string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen[symbol]
}

func (s *NewsSource) Parse(symbol string, body []byte) ([]model.Event, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil {
		// Finnhub answers some errors with an object; that is no news.
		return nil, nil
	}

	articles := make([]article, 0, len(list))
	for _, raw := range list {
		var a article
		if json.Unmarshal(raw, &a) == nil {
			articles = append(articles, a)
		}
	}
	sort.SliceStable(articles, func(i, j int) bool {
		di, _ := asInt(articles[i].Datetime)
		dj, _ := asInt(articles[j].Datetime)
		if di != dj {
			return di < dj
		}
		ii, _ := asInt(articles[i].ID)
		ij, _ := asInt(articles[j].ID)
		return ii < ij
	})

	last := s.LastSeen(symbol)

	var events []model.Event
	for _, a := range articles {
		id, hasID := asInt(a.ID)
		if hasID && id <= last {
			continue
		}
		published, hasTime := asInt(a.Datetime)
		if !hasTime {
			continue
		}

		var newsID any
		sourceID := fmt.Sprintf("%s:%d", symbol, id)
		if hasID {
			newsID = id
		} else {
			sourceID = fmt.Sprintf("%s:u%x", symbol, xxhash.Sum64String(a.URL+"|"+a.Headline))
		}

		events = append(events, model.Event{
			Topic:    model.TopicNews,
			SourceID: sourceID,
			Payload: map[string]any{
				"symbol":                 symbol,
				"news_id":                newsID,
				"category":               a.Category,
				"headline":               a.Headline,
				"summary":                a.Summary,
				"source":                 a.Source,
				"url":                    a.URL,
				"image_url":              a.Image,
				"article_published_unix": published,
			},
			ObservedAt: time.Unix(published, 0).UTC(),
		})
	}
	return events, nil
}

// Commit raises the symbol's high-water mark to the event's article id.
func (s *NewsSource) Commit(e model.Event) {
	symbol, _ := e.Payload["symbol"].(string)
	id, ok := e.Payload["news_id"].(int64)
	if symbol == "" || !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.lastSeen[symbol] {
		s.lastSeen[symbol] = id
	}
}

// SourceFor returns the source for a topic.
func SourceFor(topic model.Topic, endpoint string, lookback time.Duration) (Source, error) {
	switch topic {
	case model.TopicQuotes:
		return QuoteSource{Endpoint: endpoint}, nil
	case model.TopicNews:
		return NewNewsSource(endpoint, lookback), nil
	default:
		return nil, errors.Configuration(errors.CodeMissingTopic, "no upstream source for topic").WithContext("topic", topic)
	}
}
