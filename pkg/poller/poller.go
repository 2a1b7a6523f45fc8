// Package poller implements the rate-limited upstream poller. A Poller makes
// one upstream call per Poll, strictly sequentially, cycling through its
// symbols; the caller sleeps for the returned delay between calls.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/stream"
)

const maxBody = 4 << 20

// Options configures a Poller.
type Options struct {
	Source     Source
	BaseURL    string
	Symbols    []string
	Credential CredentialProvider

	// Client defaults to an otelhttp-instrumented client with Timeout.
	Client  *http.Client
	Timeout time.Duration

	Publisher   stream.Publisher
	DeadLetters dlq.Sink

	// PollInterval is the pause after the last symbol of a round;
	// MinSpacing is both the pause between symbols and a hard floor
	// between any two upstream calls.
	PollInterval time.Duration
	MinSpacing   time.Duration

	// Backoff paces retries after 5xx or transport failures.
	Backoff retry.Policy
	// PublishRetry bounds publish attempts before dead-lettering.
	PublishRetry retry.Policy

	DedupWindow int

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Status is a snapshot of poller activity.
type Status struct {
	Topic               model.Topic `json:"topic"`
	NextSymbol          string      `json:"next_symbol"`
	Polls               int64       `json:"polls"`
	Failures            int64       `json:"failures"`
	ClientErrors        int64       `json:"client_errors"`
	Events              int64       `json:"events"`
	Duplicates          int64       `json:"duplicates"`
	Published           int64       `json:"published"`
	DeadLettered        int64       `json:"dead_lettered"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	NextDelay           string      `json:"next_delay"`
}

// Poller polls one upstream source for one topic.
type Poller struct {
	source   Source
	baseURL  string
	symbols  []string
	cred     CredentialProvider
	client   *http.Client
	pub      stream.Publisher
	dead     dlq.Sink
	interval time.Duration
	spacing  time.Duration
	pubRetry retry.Policy
	clock    clock.Clock
	log      *zap.SugaredLogger
	tracer   trace.Tracer

	limiter *rate.Limiter
	backoff *retry.Backoff
	dedup   *Deduplicator

	mu        sync.Mutex
	idx       int
	ingestSeq uint64
	status    Status
}

// New validates opts and creates a Poller.
func New(opts Options) (*Poller, error) {
	if opts.Source == nil {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "poller needs a source")
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "poller needs at least one symbol").WithContext("topic", opts.Source.Topic())
	}
	if opts.Credential == nil {
		return nil, errors.Configuration(errors.CodeMissingCredential, "poller needs a credential").WithContext("topic", opts.Source.Topic())
	}
	if opts.Publisher == nil {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "poller needs a publisher")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}
	c := clock.OrReal(opts.Clock)

	p := &Poller{
		source:   opts.Source,
		baseURL:  opts.BaseURL,
		symbols:  append([]string(nil), opts.Symbols...),
		cred:     opts.Credential,
		client:   opts.Client,
		pub:      opts.Publisher,
		dead:     opts.DeadLetters,
		interval: opts.PollInterval,
		spacing:  opts.MinSpacing,
		pubRetry: opts.PublishRetry,
		clock:    c,
		log:      logger.OrNop(opts.Logger).With("topic", opts.Source.Topic()),
		tracer:   otel.Tracer("github.com/logflow/tickflow/pkg/poller"),
		limiter:  rate.NewLimiter(limit, 1),
		backoff:  opts.Backoff.NewBackoff(c),
		dedup:    NewDeduplicator(opts.DedupWindow),
	}
	p.status.Topic = opts.Source.Topic()
	p.status.NextSymbol = p.symbols[0]
	return p, nil
}

// Topic returns the polled topic.
func (p *Poller) Topic() model.Topic {
	return p.source.Topic()
}

// Status returns a snapshot of poller activity.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run polls and publishes until ctx is canceled or a fatal error occurs.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Infow("poller started", "symbols", p.symbols, "interval", p.interval, "spacing", p.spacing)
	for {
		events, delay, err := p.Poll(ctx)
		if err != nil {
			return err
		}
		if err := p.PublishAll(ctx, events); err != nil {
			return err
		}
		if err := clock.Sleep(ctx, p.clock, delay); err != nil {
			return err
		}
	}
}

// Poll makes one upstream call for the next symbol and returns its new
// events and the delay before the next call. Upstream failures are not
// errors: 4xx continues on the normal schedule, 5xx and transport failures
// back off on the same symbol. Only configuration problems and
// cancellation are returned as errors.
func (p *Poller) Poll(ctx context.Context) ([]model.Event, time.Duration, error) {
	if err := p.wait(ctx); err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	symbol := p.symbols[p.idx]
	p.status.Polls++
	p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "poller.poll", trace.WithAttributes(
		attribute.String("topic", string(p.Topic())),
		attribute.String("symbol", symbol),
	))
	defer span.End()

	token, err := p.cred.Token(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	req, err := p.source.NewRequest(ctx, p.baseURL, symbol, p.clock.Now())
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Finnhub-Token", token)

	p.log.Debugw("polling upstream", "symbol", symbol)
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, p.failure(span, symbol, errors.Transient(errors.CodeUpstreamUnavailable, err, "upstream request failed")), nil
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 500:
		return nil, p.failure(span, symbol, errors.Transient(errors.CodeUpstreamUnavailable, nil,
			fmt.Sprintf("upstream returned %d", resp.StatusCode))), nil
	case resp.StatusCode >= 400:
		p.log.Warnw("upstream rejected request", "symbol", symbol, "status", resp.StatusCode, "body", truncate(body, 200))
		p.mu.Lock()
		p.status.ClientErrors++
		p.status.LastError = fmt.Sprintf("%s: upstream returned %d", symbol, resp.StatusCode)
		p.mu.Unlock()
		p.backoff.Reset()
		return nil, p.advance(), nil
	case readErr != nil:
		return nil, p.failure(span, symbol, errors.Transient(errors.CodeUpstreamUnavailable, readErr, "read upstream body")), nil
	}

	p.backoff.Reset()
	events, perr := p.source.Parse(symbol, body)
	if perr != nil {
		p.log.Warnw("no usable data in upstream response", "symbol", symbol, "error", perr, "body", truncate(body, 200))
	}
	events = p.prepare(events)
	span.SetAttributes(attribute.Int("events", len(events)))

	p.mu.Lock()
	p.status.ConsecutiveFailures = 0
	p.status.LastSuccess = p.clock.Now()
	p.status.Events += int64(len(events))
	p.mu.Unlock()
	return events, p.advance(), nil
}

// wait enforces the minimum spacing between calls.
func (p *Poller) wait(ctx context.Context) error {
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	return clock.Sleep(ctx, p.clock, r.DelayFrom(now))
}

// failure records an upstream failure and returns the backoff delay. The
// symbol is not advanced, so the same target is retried.
func (p *Poller) failure(span trace.Span, symbol string, err error) time.Duration {
	delay := p.backoff.Next()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	p.mu.Lock()
	p.status.Failures++
	p.status.ConsecutiveFailures = p.backoff.Failures()
	p.status.LastError = err.Error()
	p.status.NextDelay = delay.String()
	p.mu.Unlock()

	p.log.Warnw("upstream unavailable, backing off", "symbol", symbol, "attempt", p.backoff.Failures(), "delay", delay, "error", err)
	return delay
}

// advance moves to the next symbol and returns the normal delay.
func (p *Poller) advance() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx++
	delay := p.spacing
	if p.idx >= len(p.symbols) {
		p.idx = 0
		delay = p.interval
		p.log.Infow("poll cycle complete", "symbols", len(p.symbols), "events", p.status.Events, "next_poll", delay)
	}
	p.status.NextSymbol = p.symbols[p.idx]
	p.status.NextDelay = delay.String()
	return delay
}

// prepare drops already-published observations and stamps ingest sequence
// numbers.
func (p *Poller) prepare(events []model.Event) []model.Event {
	out := events[:0]
	for _, e := range events {
		if p.dedup.Seen(e) {
			p.mu.Lock()
			p.status.Duplicates++
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		p.ingestSeq++
		e.IngestSeq = p.ingestSeq
		p.mu.Unlock()
		e.Topic = p.Topic()
		out = append(out, e)
	}
	return out
}

// PublishAll publishes events in order. Each event is retried under the
// publish policy; once the budget is spent it is dead-lettered with the
// failure reason. Fatal stream errors and cancellation stop the loop.
func (p *Poller) PublishAll(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		if err := p.publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) publish(ctx context.Context, e model.Event) error {
	err := retry.Do(ctx, p.clock, p.pubRetry, func(ctx context.Context, _ int) error {
		_, err := p.pub.Publish(ctx, p.Topic(), e)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		p.log.Warnw("publish failed, retrying", "source_id", e.SourceID, "attempt", attempt, "delay", delay, "error", err)
	})
	if err == nil {
		p.dedup.Add(e)
		p.commit(e)
		p.mu.Lock()
		p.status.Published++
		p.mu.Unlock()
		return nil
	}
	if errors.IsCanceled(err) || errors.IsFatal(err) {
		return err
	}
	if p.dead == nil {
		p.log.Errorw("publish budget exhausted, dropping event", "source_id", e.SourceID, "error", err)
		return nil
	}

	data, _ := e.Encode()
	if _, derr := p.dead.Write(ctx, dlq.FromError(p.Topic(), dlq.KindPublish, e.SourceID, data, err)); derr != nil {
		return derr
	}
	p.dedup.Add(e)
	p.commit(e)
	p.mu.Lock()
	p.status.DeadLettered++
	p.mu.Unlock()
	return nil
}

func (p *Poller) commit(e model.Event) {
	if c, ok := p.source.(Committer); ok {
		c.Commit(e)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
