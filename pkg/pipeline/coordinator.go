// Package pipeline supervises one poller and one processor runtime per
// topic. Crashed components restart with backoff; a configuration error
// halts the topic and is reported through the health registry.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/processor"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/telemetry"
)

// Component roles.
const (
	RolePoller    = "poller"
	RoleProcessor = "processor"
)

// PollerUnit is the poller side of a topic. *poller.Poller implements it.
type PollerUnit interface {
	Run(ctx context.Context) error
	Status() poller.Status
}

// ProcessorUnit is the consumer side of a topic. *processor.Runtime
// implements it.
type ProcessorUnit interface {
	Run(ctx context.Context) error
	Status() []processor.ShardStatus
}

// Topic is one independently owned pipeline instance. Either unit may be
// nil when a process only produces or only consumes.
type Topic struct {
	Name      model.Topic
	Poller    PollerUnit
	Processor ProcessorUnit
}

// Options configures a Coordinator.
type Options struct {
	Topics []Topic

	// Restart paces restarts of a crashed component. MaxAttempts is ignored;
	// components restart until the topic halts or the context ends.
	Restart retry.Policy

	// StableAfter resets the restart backoff once a component has run this
	// long without failing.
	StableAfter time.Duration

	Metrics *telemetry.Metrics
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
}

// Coordinator runs every topic's components concurrently.
type Coordinator struct {
	opts    Options
	clock   clock.Clock
	log     *zap.SugaredLogger
	health  *Registry
	running atomic.Bool
}

// New validates opts and creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if len(opts.Topics) == 0 {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "coordinator needs at least one topic")
	}
	seen := make(map[model.Topic]bool)
	for _, t := range opts.Topics {
		if t.Name == "" {
			return nil, errors.Configuration(errors.CodeInvalidConfig, "topic without a name")
		}
		if seen[t.Name] {
			return nil, errors.Configuration(errors.CodeInvalidConfig, "duplicate topic").WithContext("topic", t.Name)
		}
		if t.Poller == nil && t.Processor == nil {
			return nil, errors.Configuration(errors.CodeInvalidConfig, "topic has no components").WithContext("topic", t.Name)
		}
		seen[t.Name] = true
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = time.Minute
	}
	c := clock.OrReal(opts.Clock)
	return &Coordinator{
		opts:   opts,
		clock:  c,
		log:    logger.OrNop(opts.Logger),
		health: newRegistry(c, opts.Topics, opts.Metrics),
	}, nil
}

// Health returns the coordinator's health registry.
func (c *Coordinator) Health() *Registry {
	return c.health
}

// Run supervises all topics until ctx is canceled. A halted topic does not
// stop its siblings. Run returns nil on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.Configuration(errors.CodeInvalidConfig, "coordinator already running")
	}
	defer c.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range c.opts.Topics {
		t := t
		// Halting one topic cancels only its own components.
		tctx, cancel := context.WithCancel(gctx)
		halt := func(role string, err error) {
			c.health.halt(t.Name, role, err)
			cancel()
		}
		if t.Poller != nil {
			g.Go(func() error {
				return c.supervise(tctx, t.Name, RolePoller, t.Poller.Run, halt)
			})
		}
		if t.Processor != nil {
			g.Go(func() error {
				return c.supervise(tctx, t.Name, RoleProcessor, t.Processor.Run, halt)
			})
		}
		go func() {
			<-gctx.Done()
			cancel()
		}()
	}
	c.log.Infow("coordinator started", "topics", len(c.opts.Topics))
	err := g.Wait()
	c.log.Infow("coordinator stopped")
	return err
}

// supervise runs one component, restarting it after crashes. Configuration
// errors halt the topic.
func (c *Coordinator) supervise(ctx context.Context, topic model.Topic, role string, run func(context.Context) error, halt func(string, error)) error {
	log := c.log.With("topic", topic, "component", role)
	b := c.opts.Restart.NewBackoff(c.clock)

	for {
		c.health.started(topic, role)
		started := c.clock.Now()
		err := c.protect(ctx, log, run)
		c.health.stopped(topic, role)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.Transient(errors.CodeUnknown, nil, "component exited unexpectedly")
		}
		if errors.IsFatal(err) {
			log.Errorw("topic halted", "error", err)
			halt(role, err)
			return nil
		}

		if c.clock.Now().Sub(started) >= c.opts.StableAfter {
			b.Reset()
		}
		delay := b.Next()
		c.health.restarted(topic, role, err)
		log.Warnw("component crashed, restarting", "attempt", b.Failures(), "delay", delay, "error", err)
		if clock.Sleep(ctx, c.clock, delay) != nil {
			return nil
		}
	}
}

// protect converts a panic in run into an error so the component restarts.
func (c *Coordinator) protect(ctx context.Context, log *zap.SugaredLogger, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("component panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.Newf(errors.CodeUnknown, "panic: %v", r)
		}
	}()
	return run(ctx)
}

func componentID(topic model.Topic, role string) string {
	return fmt.Sprintf("%s/%s", topic, role)
}
