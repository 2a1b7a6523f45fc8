// Package processor implements the stream-triggered batch consumer. Each
// shard runs one cycle at a time: fetch a batch after the cursor, transform
// records, write them to the sink, and only then advance the cursor.
package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/checkpoint"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/sink"
	"github.com/logflow/tickflow/pkg/stream"
	"github.com/logflow/tickflow/pkg/telemetry"
)

// Gap policies.
const (
	GapHalt = "halt"
	GapSkip = "skip"
)

// Options configures a Runtime.
type Options struct {
	Group string
	Topic model.Topic

	Stream      stream.Stream
	Sink        *sink.Sink
	Cursors     checkpoint.Store
	DeadLetters dlq.Sink

	// Leaser, when set, makes a cycle exclusive across runtime instances.
	// The lease is renewed every RenewEvery (LeaseTTL/3 by default) while a
	// cycle runs; losing it aborts the cycle before the cursor moves.
	Leaser     checkpoint.Leaser
	LeaseTTL   time.Duration
	RenewEvery time.Duration

	BatchSize   int
	BatchWindow time.Duration
	GapPolicy   string

	// Transform defaults to the package Transform.
	Transform TransformFunc

	// Backoff paces a shard loop after a failed cycle.
	Backoff retry.Policy

	// OnState observes state transitions.
	OnState func(shardID string, s State)

	// Metrics, when set, records the latency and outcome of every cycle
	// that fetched records or failed.
	Metrics *telemetry.Metrics

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	ShardID     string
	CycleID     string
	Records     int
	Written     int
	DeadLetters int
	Objects     []sink.CommitToken
	Cursor      model.SeqNum
	Replayed    bool
	LeaseHeld   bool
	Gap         *stream.GapError
}

// ShardStatus is a snapshot of one shard's runtime state.
type ShardStatus struct {
	ShardID     string       `json:"shard_id"`
	State       State        `json:"state"`
	Cursor      model.SeqNum `json:"cursor"`
	Cycles      int64        `json:"cycles"`
	Records     int64        `json:"records"`
	Written     int64        `json:"written"`
	DeadLetters int64        `json:"dead_letters"`
	Failures    int64        `json:"failures"`
	LastError   string       `json:"last_error,omitempty"`
	LastCycleAt time.Time    `json:"last_cycle_at,omitempty"`
}

type shardState struct {
	cycle  sync.Mutex // one cycle in flight per shard
	status ShardStatus
}

// Runtime consumes one topic for one consumer group.
type Runtime struct {
	opts   Options
	clock  clock.Clock
	log    *zap.SugaredLogger
	tracer trace.Tracer

	mu     sync.Mutex
	shards map[string]*shardState
}

// New validates opts and creates a Runtime.
func New(opts Options) (*Runtime, error) {
	switch {
	case opts.Stream == nil:
		return nil, errors.Configuration(errors.CodeInvalidConfig, "processor needs a stream")
	case opts.Sink == nil:
		return nil, errors.Configuration(errors.CodeInvalidConfig, "processor needs a sink")
	case opts.Cursors == nil:
		return nil, errors.Configuration(errors.CodeInvalidConfig, "processor needs a cursor store")
	case opts.Group == "":
		return nil, errors.Configuration(errors.CodeInvalidConfig, "processor needs a consumer group")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 10 * time.Second
	}
	if opts.GapPolicy == "" {
		opts.GapPolicy = GapHalt
	}
	if opts.GapPolicy != GapHalt && opts.GapPolicy != GapSkip {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "unknown gap policy").WithContext("gap_policy", opts.GapPolicy)
	}
	if opts.Transform == nil {
		opts.Transform = Transform
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2*opts.BatchWindow + time.Minute
	}
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.LeaseTTL {
		opts.RenewEvery = opts.LeaseTTL / 3
	}

	return &Runtime{
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
		log:    logger.OrNop(opts.Logger).With("topic", opts.Topic, "group", opts.Group),
		tracer: otel.Tracer("github.com/logflow/tickflow/pkg/processor"),
		shards: make(map[string]*shardState),
	}, nil
}

// Topic returns the consumed topic.
func (r *Runtime) Topic() model.Topic {
	return r.opts.Topic
}

func (r *Runtime) shard(id string) *shardState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[id]
	if !ok {
		st = &shardState{status: ShardStatus{ShardID: id}}
		r.shards[id] = st
	}
	return st
}

func (r *Runtime) setState(st *shardState, s State) {
	r.mu.Lock()
	st.status.State = s
	id := st.status.ShardID
	r.mu.Unlock()
	if r.opts.OnState != nil {
		r.opts.OnState(id, s)
	}
}

func (r *Runtime) update(st *shardState, fn func(s *ShardStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&st.status)
}

// Status returns every known shard's status, ordered by shard id.
func (r *Runtime) Status() []ShardStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ShardStatus, 0, len(r.shards))
	for _, st := range r.shards {
		out = append(out, st.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// Run drives every shard of the topic concurrently until ctx is canceled or
// a fatal error halts the topic.
func (r *Runtime) Run(ctx context.Context) error {
	shards, err := r.opts.Stream.Shards(ctx, r.opts.Topic)
	if err != nil {
		return err
	}
	r.log.Infow("processor started", "shards", len(shards), "batch_size", r.opts.BatchSize, "batch_window", r.opts.BatchWindow)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range shards {
		id := id
		g.Go(func() error {
			return r.runShard(gctx, id)
		})
	}
	return g.Wait()
}

func (r *Runtime) runShard(ctx context.Context, shardID string) error {
	b := r.opts.Backoff.NewBackoff(r.clock)
	for {
		res, err := r.RunCycle(ctx, shardID)
		switch {
		case err == nil:
			b.Reset()
			if res.LeaseHeld {
				if err := clock.Sleep(ctx, r.clock, r.opts.BatchWindow); err != nil {
					return err
				}
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.IsFatal(err):
			r.log.Errorw("shard halted", "shard", shardID, "error", err)
			return err
		default:
			delay := b.Next()
			r.log.Warnw("cycle failed, cursor withheld", "shard", shardID, "attempt", b.Failures(), "delay", delay, "error", err)
			if err := clock.Sleep(ctx, r.clock, delay); err != nil {
				return err
			}
		}
	}
}

// RunCycle executes one IDLE→FETCHING→TRANSFORMING→WRITING→ADVANCING→IDLE
// cycle for a shard. The cursor is saved only after the sink confirmed every
// object and every dead letter was written; on any error it is left where
// it was, so the next cycle reprocesses the same records.
func (r *Runtime) RunCycle(ctx context.Context, shardID string) (res CycleResult, err error) {
	st := r.shard(shardID)
	st.cycle.Lock()
	defer st.cycle.Unlock()

	res.ShardID = shardID
	cursorID := model.CursorID(r.opts.Group, r.opts.Topic, shardID)

	if r.opts.Leaser != nil {
		lease, lerr := r.opts.Leaser.Acquire(ctx, cursorID, r.opts.LeaseTTL)
		if stderrors.Is(lerr, checkpoint.ErrLeaseHeld) {
			res.LeaseHeld = true
			return res, nil
		}
		if lerr != nil {
			return res, lerr
		}
		var stop func() error
		ctx, stop = r.keepLease(ctx, shardID, lease)
		defer func() {
			if lost := stop(); lost != nil && err != nil {
				err = lost
			}
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				r.log.Warnw("lease release failed", "shard", shardID, "error", rerr)
			}
		}()
	}

	started := r.clock.Now()
	ctx, span := r.tracer.Start(ctx, "processor.cycle", trace.WithAttributes(
		attribute.String("topic", string(r.opts.Topic)),
		attribute.String("shard", shardID),
	))
	defer func() {
		if cause := context.Cause(ctx); err != nil && errors.IsCode(cause, errors.CodeLeaseLost) {
			err = cause
		}
		span.SetAttributes(
			attribute.Int("records", res.Records),
			attribute.Int("dead_letters", res.DeadLetters),
			attribute.String("cursor", res.Cursor.String()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.update(st, func(s *ShardStatus) {
				s.Failures++
				s.LastError = err.Error()
			})
		}
		if r.opts.Metrics != nil && (res.Records > 0 || err != nil) {
			r.opts.Metrics.RecordCycle(r.clock.Now().Sub(started), res.Records, res.Written, res.DeadLetters, err != nil)
		}
		r.setState(st, StateIdle)
		span.End()
	}()

	cur, err := r.opts.Cursors.Load(ctx, r.opts.Group, r.opts.Topic, shardID)
	if err != nil {
		return res, err
	}
	res.Cursor = cur.Sequence
	r.update(st, func(s *ShardStatus) { s.Cursor = cur.Sequence })

	// FETCHING
	r.setState(st, StateFetching)
	var batch model.Batch
	if cur.Pending != nil {
		res.Replayed = true
		res.CycleID = cur.Pending.CycleID
		batch, err = r.opts.Stream.ReadRange(ctx, r.opts.Topic, shardID, cur.Sequence, cur.Pending.LastSeq)
	} else {
		batch, err = r.opts.Stream.Read(ctx, r.opts.Topic, shardID, cur.Sequence, r.opts.BatchSize, r.opts.BatchWindow)
	}
	if err != nil {
		var gap *stream.GapError
		if stderrors.As(err, &gap) && r.opts.GapPolicy == GapSkip {
			return r.skipGap(ctx, st, cur, gap, res)
		}
		return res, err
	}

	if batch.Len() == 0 {
		if cur.Pending != nil {
			// The pending range is empty; nothing was written under it.
			cur.Pending = nil
			if err := r.saveCursor(ctx, cur); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	if cur.Pending == nil {
		res.CycleID = CycleID(r.opts.Topic, shardID, batch.FirstSeq(), batch.MaxSeq())
		cur.Pending = &model.PendingCycle{
			CycleID:  res.CycleID,
			FirstSeq: batch.FirstSeq(),
			LastSeq:  batch.MaxSeq(),
			OpenedAt: r.clock.Now().UTC(),
		}
		if err := r.saveCursor(ctx, cur); err != nil {
			return res, err
		}
	} else if batch.MaxSeq() != cur.Pending.LastSeq {
		r.log.Warnw("pending range partially retained", "shard", shardID, "want_last", cur.Pending.LastSeq, "got_last", batch.MaxSeq())
	}
	res.Records = batch.Len()
	span.SetAttributes(attribute.String("cycle", res.CycleID))

	// TRANSFORMING
	r.setState(st, StateTransforming)
	records := make([]sink.Record, 0, batch.Len())
	var rejected []dlq.Entry
	for _, rec := range batch.Records {
		out, terr := r.opts.Transform(r.opts.Topic, rec, res.CycleID)
		if terr != nil {
			e := dlq.FromError(r.opts.Topic, dlq.KindValidation, sourceHint(rec.Data), rec.Data, terr)
			e.ShardID = shardID
			e.Sequence = rec.Sequence
			e.Timestamp = rec.AppendedAt.UTC()
			e.IdempotencyKey = res.CycleID + "-" + rec.Sequence.String()
			e.Attributes = map[string]string{"cycle_id": res.CycleID, "group": r.opts.Group}
			rejected = append(rejected, e)
			continue
		}
		records = append(records, out)
	}

	// WRITING
	r.setState(st, StateWriting)
	if len(records) > 0 {
		res.Objects, err = r.opts.Sink.WriteBatch(ctx, r.opts.Topic, records, res.CycleID)
		if err != nil {
			return res, err
		}
	}
	res.Written = len(records)

	for _, e := range rejected {
		if r.opts.DeadLetters == nil {
			r.log.Errorw("invalid record dropped, no dead-letter sink", "shard", shardID, "seq", e.Sequence, "reason", e.Reason)
			continue
		}
		if _, err := r.opts.DeadLetters.Write(ctx, e); err != nil {
			return res, err
		}
	}
	res.DeadLetters = len(rejected)

	// ADVANCING
	r.setState(st, StateAdvancing)
	cur.Sequence = batch.MaxSeq()
	cur.LastAdvancedAt = r.clock.Now().UTC()
	cur.Pending = nil
	if err := r.saveCursor(ctx, cur); err != nil {
		return res, err
	}
	res.Cursor = cur.Sequence

	r.update(st, func(s *ShardStatus) {
		s.Cursor = cur.Sequence
		s.Cycles++
		s.Records += int64(res.Records)
		s.Written += int64(res.Written)
		s.DeadLetters += int64(res.DeadLetters)
		s.LastCycleAt = cur.LastAdvancedAt
		s.LastError = ""
	})
	r.log.Infow("cycle committed",
		"shard", shardID, "cycle", res.CycleID, "records", res.Records, "written", res.Written,
		"dead_letters", res.DeadLetters, "objects", len(res.Objects), "seq", cur.Sequence, "replayed", res.Replayed)
	return res, nil
}

// keepLease renews lease until the returned stop func is called. The
// returned context is canceled as soon as a renewal finds the lease taken;
// stop then reports the loss. Renewal runs on the wall clock because the
// lease store expires entries in wall time.
func (r *Runtime) keepLease(ctx context.Context, shardID string, lease checkpoint.Releaser) (context.Context, func() error) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var (
		wg   sync.WaitGroup
		lost error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(r.opts.RenewEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := lease.Extend(ctx)
			switch {
			case err == nil:
			case stderrors.Is(err, checkpoint.ErrLeaseHeld):
				lost = errors.Durability(errors.CodeLeaseLost, err, "shard lease lost mid-cycle").WithContext("shard", shardID)
				r.log.Errorw("shard lease lost, aborting cycle", "shard", shardID)
				cancel(lost)
				return
			default:
				r.log.Warnw("lease renewal failed", "shard", shardID, "error", err)
			}
		}
	}()
	return ctx, func() error {
		close(done)
		wg.Wait()
		cancel(nil)
		return lost
	}
}

func (r *Runtime) saveCursor(ctx context.Context, c model.Cursor) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	if err := r.opts.Cursors.Save(ctx, c); err != nil {
		if errors.IsCanceled(err) {
			return err
		}
		return errors.Durability(errors.CodeCursorSave, err, "save cursor").WithContext("id", c.ID())
	}
	return nil
}

// skipGap records the lost range as a dead letter and moves the cursor to
// the oldest retained record.
func (r *Runtime) skipGap(ctx context.Context, st *shardState, cur model.Cursor, gap *stream.GapError, res CycleResult) (CycleResult, error) {
	r.log.Errorw("retention gap, skipping lost records",
		"shard", gap.ShardID, "cursor", gap.After, "oldest", gap.Oldest)

	if r.opts.DeadLetters != nil {
		e := dlq.Entry{
			Topic:    r.opts.Topic,
			SourceID: "gap-" + gap.ShardID,
			Kind:     dlq.KindGap,
			Reason:   gap.Error(),
			ShardID:  gap.ShardID,
			Sequence: gap.After,
			Attributes: map[string]string{
				"after":        gap.After.String(),
				"oldest":       gap.Oldest.String(),
				"resume_after": gap.ResumeAfter.String(),
			},
		}
		if _, err := r.opts.DeadLetters.Write(ctx, e); err != nil {
			return res, err
		}
	}

	cur.Sequence = gap.ResumeAfter
	cur.Pending = nil
	cur.LastAdvancedAt = r.clock.Now().UTC()
	if err := r.saveCursor(ctx, cur); err != nil {
		return res, err
	}
	res.Gap = gap
	res.Cursor = cur.Sequence
	r.update(st, func(s *ShardStatus) {
		s.Cursor = cur.Sequence
		s.LastError = fmt.Sprintf("skipped retention gap after %s", gap.After)
	})
	return res, nil
}
