package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/checkpoint"
	"github.com/logflow/tickflow/pkg/config"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/pipeline"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/processor"
	"github.com/logflow/tickflow/pkg/retry"
	"github.com/logflow/tickflow/pkg/sink"
	"github.com/logflow/tickflow/pkg/storage"
	"github.com/logflow/tickflow/pkg/stream"
	"github.com/logflow/tickflow/pkg/telemetry"
)

// deps are the shared backends of every topic pipeline.
type deps struct {
	stream      stream.Stream
	objects     storage.ObjectStore
	cursors     checkpoint.Store
	leaser      checkpoint.Leaser
	credential  poller.CredentialProvider
	deadLetters *dlq.Writer
	metrics     *telemetry.Metrics
	closers     []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// buildStream opens the configured transport and provisions every topic's
// shards where the backend supports it.
func buildStream(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (stream.Stream, error) {
	switch cfg.Stream.Backend {
	case "memory":
		m := stream.NewMemory(stream.MemoryOptions{Retention: cfg.Stream.Retention, Logger: log})
		for _, t := range cfg.Topics {
			m.CreateTopic(model.Topic(t.Name), t.Shards)
		}
		return m, nil
	case "redis":
		r, err := stream.NewRedis(ctx, stream.RedisConfig{
			Address:   cfg.Stream.Redis.Addr,
			Password:  cfg.Stream.Redis.Password,
			Database:  cfg.Stream.Redis.DB,
			Prefix:    cfg.Stream.Redis.KeyPrefix,
			Retention: cfg.Stream.Retention,
		}, log)
		if err != nil {
			return nil, err
		}
		for _, t := range cfg.Topics {
			if err := r.CreateTopic(ctx, model.Topic(t.Name), t.Shards); err != nil {
				_ = r.Close()
				return nil, err
			}
		}
		return r, nil
	case "kinesis":
		shards := make(map[model.Topic]int, len(cfg.Topics))
		for _, t := range cfg.Topics {
			shards[model.Topic(t.Name)] = t.Shards
		}
		return stream.NewKinesis(ctx, stream.KinesisConfig{
			Region:       cfg.Stream.Kinesis.Region,
			Endpoint:     cfg.Stream.Kinesis.Endpoint,
			StreamPrefix: cfg.Stream.Kinesis.StreamPrefix,
			Shards:       shards,
		}, log)
	default:
		return nil, errors.Configuration(errors.CodeInvalidConfig, "unknown stream backend").WithContext("backend", cfg.Stream.Backend)
	}
}

func s3Config(c config.S3Config) storage.S3Config {
	return storage.S3Config{
		Region:          c.Region,
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Endpoint:        c.Endpoint,
		UsePathStyle:    c.UsePathStyle,
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
	}
}

// buildObjectStore opens the store shared by the sink and the dead-letter
// sink.
func buildObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Sink.Backend {
	case "local":
		return storage.NewLocalStore(cfg.Sink.Root)
	case "s3":
		return storage.NewS3Store(ctx, s3Config(cfg.Sink.S3))
	default:
		return nil, errors.Configuration(errors.CodeInvalidConfig, "unknown sink backend").WithContext("backend", cfg.Sink.Backend)
	}
}

// buildCursorStore opens the cursor backend. Redis cursors are mirrored to
// the local directory and double as the shard leaser.
func buildCursorStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (checkpoint.Store, checkpoint.Leaser, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Checkpoint.Backend {
	case "local":
		s, err := checkpoint.NewLocalStore(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, checkpoint.NewLocalLeaser(nil), noop, nil
	case "redis":
		rc := checkpoint.DefaultRedisConfig(cfg.Checkpoint.Redis.Addr)
		rc.Password = cfg.Checkpoint.Redis.Password
		rc.Database = cfg.Checkpoint.Redis.DB
		if cfg.Checkpoint.Redis.KeyPrefix != "" {
			rc.Prefix = cfg.Checkpoint.Redis.KeyPrefix + "cursors:"
		}
		rs, err := checkpoint.NewRedisStore(ctx, rc)
		if err != nil {
			return nil, nil, nil, err
		}
		local, err := checkpoint.NewLocalStore(cfg.Checkpoint.Dir)
		if err != nil {
			_ = rs.Close()
			return nil, nil, nil, err
		}
		return checkpoint.NewMultiStore(rs, local, log), rs, rs.Close, nil
	case "s3":
		objects, err := storage.NewS3Store(ctx, s3Config(cfg.Checkpoint.S3))
		if err != nil {
			return nil, nil, nil, err
		}
		return checkpoint.NewObjectStore(objects, "cursors"), checkpoint.NewLocalLeaser(nil), noop, nil
	default:
		return nil, nil, nil, errors.Configuration(errors.CodeInvalidConfig, "unknown checkpoint backend").WithContext("backend", cfg.Checkpoint.Backend)
	}
}

// buildCredential resolves the upstream credential reference. A file
// reference wins over an environment variable.
func buildCredential(cfg *config.Config, log *zap.SugaredLogger) (poller.CredentialProvider, error) {
	if cfg.Upstream.CredentialFile != "" {
		return poller.NewFileCredential(cfg.Upstream.CredentialFile, log)
	}
	return poller.EnvCredential(cfg.Upstream.CredentialEnv), nil
}

// buildDeps opens every shared backend.
func buildDeps(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*deps, error) {
	d := &deps{metrics: telemetry.NewMetrics()}
	var err error
	if d.stream, err = buildStream(ctx, cfg, log); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.stream.Close)

	if d.objects, err = buildObjectStore(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}

	var closeCursors func() error
	if d.cursors, d.leaser, closeCursors, err = buildCursorStore(ctx, cfg, log); err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, closeCursors)

	if d.credential, err = buildCredential(cfg, log); err != nil {
		d.Close()
		return nil, err
	}
	d.deadLetters = dlq.NewWriter(d.objects, dlq.Options{Logger: log})
	return d, nil
}

// buildTopics constructs one poller and one processor runtime per topic.
// With only set, other topics are skipped.
func buildTopics(cfg *config.Config, d *deps, only map[model.Topic]bool, log *zap.SugaredLogger) ([]pipeline.Topic, error) {
	sk := sink.New(sink.Options{
		Store:  d.objects,
		Retry:  withAttempts(cfg.Retry, cfg.Sink.MaxAttempts),
		Logger: log,
	})

	var topics []pipeline.Topic
	for _, tc := range cfg.Topics {
		name := model.Topic(tc.Name)
		if len(only) > 0 && !only[name] {
			continue
		}
		src, err := poller.SourceFor(name, tc.Endpoint, tc.Lookback)
		if err != nil {
			return nil, err
		}
		p, err := poller.New(poller.Options{
			Source:       src,
			BaseURL:      cfg.Upstream.BaseURL,
			Symbols:      tc.Symbols,
			Credential:   d.credential,
			Timeout:      cfg.Upstream.Timeout,
			Publisher:    d.stream,
			DeadLetters:  d.deadLetters,
			PollInterval: tc.PollInterval,
			MinSpacing:   tc.MinSpacing,
			Backoff:      cfg.Retry,
			PublishRetry: cfg.Retry,
			Logger:       log.With("topic", name),
		})
		if err != nil {
			return nil, err
		}
		rt, err := processor.New(processor.Options{
			Group:       cfg.ConsumerGroup,
			Topic:       name,
			Stream:      d.stream,
			Sink:        sk,
			Cursors:     d.cursors,
			DeadLetters: d.deadLetters,
			Leaser:      d.leaser,
			BatchSize:   tc.BatchSize,
			BatchWindow: tc.BatchWindow,
			GapPolicy:   cfg.GapPolicy,
			Backoff:     cfg.Retry,
			Metrics:     d.metrics,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		topics = append(topics, pipeline.Topic{Name: name, Poller: p, Processor: rt})
	}
	if len(topics) == 0 {
		return nil, errors.Configuration(errors.CodeMissingTopic, "no topics selected")
	}
	return topics, nil
}

func withAttempts(p retry.Policy, attempts int) retry.Policy {
	p.MaxAttempts = attempts
	return p
}

func restartPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Initial:    cfg.Supervisor.RestartInitial,
		Max:        cfg.Supervisor.RestartMax,
		Multiplier: 2,
		Jitter:     cfg.Retry.Jitter,
	}
}

func parseTopics(names []string) (map[model.Topic]bool, error) {
	only := make(map[model.Topic]bool, len(names))
	for _, n := range names {
		t, err := model.ParseTopic(n)
		if err != nil {
			return nil, errors.Configuration(errors.CodeMissingTopic, fmt.Sprintf("--topics: %v", err))
		}
		only[t] = true
	}
	return only, nil
}

const shutdownGrace = 10 * time.Second
