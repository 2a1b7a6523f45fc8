package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
)

// KinesisAPI is the subset of the Kinesis client the transport uses.
type KinesisAPI interface {
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
}

// KinesisConfig configures the Kinesis transport.
type KinesisConfig struct {
	Region string

	// Endpoint overrides the service endpoint (LocalStack)
	Endpoint string

	// StreamPrefix + topic is the data stream name
	StreamPrefix string

	// Shards is the configured shard count per topic; it only affects the
	// partition key.
	Shards map[model.Topic]int

	// PollInterval spaces GetRecords calls on an idle shard. Kinesis allows
	// five reads per second per shard.
	PollInterval time.Duration
}

// Kinesis is a Stream on Kinesis Data Streams. Sequence numbers are the
// service's 128-bit decimals; retention is enforced by the service.
type Kinesis struct {
	cfg    KinesisConfig
	client KinesisAPI
	clock  clock.Clock
	log    *zap.SugaredLogger

	mu        sync.Mutex
	iterators map[string]cachedIterator
}

type cachedIterator struct {
	after    model.SeqNum
	iterator string
}

// NewKinesis loads AWS configuration from the default chain.
func NewKinesis(ctx context.Context, cfg KinesisConfig, log *zap.SugaredLogger) (*Kinesis, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeMissingCredential, "load AWS config")
	}

	var kOpts []func(*kinesis.Options)
	if cfg.Endpoint != "" {
		kOpts = append(kOpts, func(o *kinesis.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewKinesisWithClient(kinesis.NewFromConfig(awsCfg, kOpts...), cfg, nil, log), nil
}

// NewKinesisWithClient wraps an existing client.
func NewKinesisWithClient(client KinesisAPI, cfg KinesisConfig, c clock.Clock, log *zap.SugaredLogger) *Kinesis {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Kinesis{
		cfg:       cfg,
		client:    client,
		clock:     clock.OrReal(c),
		log:       logger.OrNop(log),
		iterators: make(map[string]cachedIterator),
	}
}

func (k *Kinesis) streamName(topic model.Topic) string {
	return k.cfg.StreamPrefix + string(topic)
}

// Publish implements Stream.
func (k *Kinesis) Publish(ctx context.Context, topic model.Topic, e model.Event) (model.StreamRecord, error) {
	data, err := e.Encode()
	if err != nil {
		return model.StreamRecord{}, errors.Wrap(err, errors.CodeMalformedRecord, "encode event")
	}
	route := Router{Shards: k.cfg.Shards[topic]}.Route(topic, e)

	out, err := k.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(k.streamName(topic)),
		PartitionKey: aws.String(route.ShardKey),
		Data:         data,
	})
	if err != nil {
		return model.StreamRecord{}, k.mapErr(err, topic, "", "put record")
	}

	return model.StreamRecord{
		Topic:         topic,
		ShardID:       aws.ToString(out.ShardId),
		ShardKey:      route.ShardKey,
		PartitionHint: route.PartitionHint,
		Sequence:      model.SeqNum(aws.ToString(out.SequenceNumber)),
		AppendedAt:    k.clock.Now(),
		Data:          data,
	}, nil
}

// Shards implements Stream.
func (k *Kinesis) Shards(ctx context.Context, topic model.Topic) ([]string, error) {
	var ids []string
	in := &kinesis.ListShardsInput{StreamName: aws.String(k.streamName(topic))}
	for {
		out, err := k.client.ListShards(ctx, in)
		if err != nil {
			return nil, k.mapErr(err, topic, "", "list shards")
		}
		for _, s := range out.Shards {
			ids = append(ids, aws.ToString(s.ShardId))
		}
		if out.NextToken == nil {
			return ids, nil
		}
		in = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

// Read implements Stream.
func (k *Kinesis) Read(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum, maxRecords int, maxWait time.Duration) (model.Batch, error) {
	if err := checkLimits(maxRecords, maxWait); err != nil {
		return model.Batch{}, err
	}
	opened := k.clock.Now()
	deadline := opened.Add(maxWait)
	batch := model.Batch{Topic: topic, ShardID: shardID, WindowOpened: opened}

	err := k.scan(ctx, topic, shardID, after, func() int32 {
		return int32(maxRecords - batch.Len())
	}, func(p page) (int, bool, time.Duration) {
		batch.Records = append(batch.Records, p.records...)
		if batch.Len() >= maxRecords {
			return len(p.records), true, 0
		}
		remaining := deadline.Sub(k.clock.Now())
		if remaining <= 0 {
			return len(p.records), true, 0
		}
		if len(p.records) > 0 || !p.caughtUp {
			return len(p.records), false, 0
		}
		return 0, false, min(k.cfg.PollInterval, remaining)
	})
	if err != nil {
		return model.Batch{}, err
	}
	batch.WindowClosed = k.clock.Now()
	return batch, nil
}

// ReadRange implements Stream. It pages until a record beyond through
// appears or the reader catches up with the shard tip.
func (k *Kinesis) ReadRange(ctx context.Context, topic model.Topic, shardID string, after, through model.SeqNum) (model.Batch, error) {
	now := k.clock.Now()
	batch := model.Batch{Topic: topic, ShardID: shardID, WindowOpened: now}

	err := k.scan(ctx, topic, shardID, after, func() int32 { return 1000 }, func(p page) (int, bool, time.Duration) {
		for i, r := range p.records {
			if r.Sequence.After(through) {
				return i, true, 0
			}
			batch.Records = append(batch.Records, r)
			if r.Sequence.Compare(through) == 0 {
				return i + 1, true, 0
			}
		}
		return len(p.records), p.caughtUp, 0
	})
	if err != nil {
		return model.Batch{}, err
	}
	batch.WindowClosed = k.clock.Now()
	return batch, nil
}

type page struct {
	records  []model.StreamRecord
	caughtUp bool
}

// visitFunc consumes a page and reports how many records it accepted,
// whether to stop, and how long to pause before the next page.
type visitFunc func(p page) (consumed int, stop bool, pause time.Duration)

// scan pages through GetRecords starting after `after`. When a scan ends on
// a fully consumed page the next iterator is cached for the following read.
func (k *Kinesis) scan(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum, limit func() int32, visit visitFunc) error {
	iter, err := k.iterator(ctx, topic, shardID, after)
	if err != nil {
		return err
	}
	last := after
	refreshed := false

	for {
		out, err := k.client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: aws.String(iter),
			Limit:         aws.Int32(limit()),
		})
		var expired *types.ExpiredIteratorException
		if stderrors.As(err, &expired) && !refreshed {
			k.forget(topic, shardID)
			if iter, err = k.iterator(ctx, topic, shardID, last); err != nil {
				return err
			}
			refreshed = true
			continue
		}
		if err != nil {
			return k.mapErr(err, topic, shardID, "get records")
		}
		refreshed = false

		p := page{
			records:  make([]model.StreamRecord, 0, len(out.Records)),
			caughtUp: aws.ToInt64(out.MillisBehindLatest) == 0,
		}
		for _, r := range out.Records {
			p.records = append(p.records, model.StreamRecord{
				Topic:      topic,
				ShardID:    shardID,
				ShardKey:   aws.ToString(r.PartitionKey),
				Sequence:   model.SeqNum(aws.ToString(r.SequenceNumber)),
				AppendedAt: aws.ToTime(r.ApproximateArrivalTimestamp),
				Data:       r.Data,
			})
		}

		consumed, stop, pause := visit(p)
		if consumed > 0 {
			last = p.records[consumed-1].Sequence
		}
		if out.NextShardIterator == nil {
			// Shard closed by a reshard.
			k.forget(topic, shardID)
			return nil
		}
		iter = aws.ToString(out.NextShardIterator)
		if stop {
			if consumed == len(p.records) {
				k.remember(topic, shardID, last, iter)
			} else {
				k.forget(topic, shardID)
			}
			return nil
		}
		if pause > 0 {
			if err := clock.Sleep(ctx, k.clock, pause); err != nil {
				return err
			}
		}
	}
}

func (k *Kinesis) iterator(ctx context.Context, topic model.Topic, shardID string, after model.SeqNum) (string, error) {
	key := string(topic) + "/" + shardID
	k.mu.Lock()
	c, ok := k.iterators[key]
	k.mu.Unlock()
	if ok && c.after == after {
		return c.iterator, nil
	}

	in := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(k.streamName(topic)),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	}
	if !after.IsZero() {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(string(after))
	}
	out, err := k.client.GetShardIterator(ctx, in)
	if err != nil {
		var invalid *types.InvalidArgumentException
		if !after.IsZero() && stderrors.As(err, &invalid) {
			// The cursor's sequence number is no longer addressable.
			return "", &GapError{Topic: topic, ShardID: shardID, After: after}
		}
		return "", k.mapErr(err, topic, shardID, "get shard iterator")
	}
	return aws.ToString(out.ShardIterator), nil
}

func (k *Kinesis) remember(topic model.Topic, shardID string, after model.SeqNum, iter string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.iterators[string(topic)+"/"+shardID] = cachedIterator{after: after, iterator: iter}
}

func (k *Kinesis) forget(topic model.Topic, shardID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.iterators, string(topic)+"/"+shardID)
}

func (k *Kinesis) mapErr(err error, topic model.Topic, shardID, op string) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound *types.ResourceNotFoundException
	if stderrors.As(err, &notFound) {
		if shardID != "" {
			return missingShard(topic, shardID)
		}
		return missingTopic(topic)
	}

	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.LimitExceededException
	if stderrors.As(err, &throughput) || stderrors.As(err, &limit) {
		return errors.Transient(errors.CodeThrottled, err, op).WithContext("topic", topic)
	}

	k.log.Debugw("kinesis call failed", "op", op, "topic", topic, "shard", shardID, "error", err)
	return errors.Transient(errors.CodeStreamUnavailable, err, fmt.Sprintf("kinesis %s", op)).WithContext("topic", topic)
}

// Close is a no-op; the SDK client holds no resources.
func (k *Kinesis) Close() error {
	return nil
}
