package stream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock/clocktest"
	"github.com/logflow/tickflow/pkg/errors"
)

// fakeKinesis is a single-shard data stream. Iterators encode the index of
// the next record.
type fakeKinesis struct {
	mu        sync.Mutex
	stream    string
	records   []types.Record
	base      int64
	throttle  int
	iterCalls int
}

func (f *fakeKinesis) PutRecord(ctx context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.StreamName) != f.stream {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no stream")}
	}
	seq := strconv.FormatInt(f.base+int64(len(f.records)), 10)
	now := time.Unix(1700000000, 0)
	f.records = append(f.records, types.Record{
		Data:                        in.Data,
		PartitionKey:                in.PartitionKey,
		SequenceNumber:              aws.String(seq),
		ApproximateArrivalTimestamp: &now,
	})
	return &kinesis.PutRecordOutput{SequenceNumber: aws.String(seq), ShardId: aws.String("shardId-000000000000")}, nil
}

func (f *fakeKinesis) GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterCalls++
	if aws.ToString(in.ShardId) != "shardId-000000000000" {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no shard")}
	}
	idx := 0
	if in.ShardIteratorType == types.ShardIteratorTypeAfterSequenceNumber {
		n, _ := strconv.ParseInt(aws.ToString(in.StartingSequenceNumber), 10, 64)
		if n < f.base-1 {
			return nil, &types.InvalidArgumentException{Message: aws.String("trimmed")}
		}
		idx = int(n-f.base) + 1
	}
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(strconv.Itoa(idx))}, nil
}

func (f *fakeKinesis) GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.throttle > 0 {
		f.throttle--
		return nil, &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	}
	idx, _ := strconv.Atoi(aws.ToString(in.ShardIterator))
	end := idx + int(aws.ToInt32(in.Limit))
	if end > len(f.records) {
		end = len(f.records)
	}
	out := &kinesis.GetRecordsOutput{
		Records:            append([]types.Record(nil), f.records[idx:end]...),
		NextShardIterator:  aws.String(strconv.Itoa(end)),
		MillisBehindLatest: aws.Int64(int64(len(f.records) - end)),
	}
	return out, nil
}

func (f *fakeKinesis) ListShards(ctx context.Context, in *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	if aws.ToString(in.StreamName) != f.stream {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no stream")}
	}
	return &kinesis.ListShardsOutput{Shards: []types.Shard{{ShardId: aws.String("shardId-000000000000")}}}, nil
}

func newFakeKinesis(t *testing.T) (*Kinesis, *fakeKinesis, *clocktest.Fake) {
	t.Helper()
	fk := &fakeKinesis{stream: "tf-quotes", base: 4959000000000000000}
	fake := clocktest.NewFake(time.Unix(1700000000, 0))
	k := NewKinesisWithClient(fk, KinesisConfig{StreamPrefix: "tf-", PollInterval: time.Second}, fake, nil)
	return k, fk, fake
}

func TestKinesisPublishAndRead(t *testing.T) {
	k, fk, _ := newFakeKinesis(t)
	ctx := context.Background()

	var last model.SeqNum
	for i := 0; i < 5; i++ {
		rec, err := k.Publish(ctx, model.TopicQuotes, quote(fmt.Sprintf("S%d", i), time.Now()))
		require.NoError(t, err)
		assert.Equal(t, "quotes", rec.ShardKey)
		assert.True(t, rec.Sequence.After(last))
		last = rec.Sequence
	}

	ids, err := k.Shards(ctx, model.TopicQuotes)
	require.NoError(t, err)
	require.Equal(t, []string{"shardId-000000000000"}, ids)

	b, err := k.Read(ctx, model.TopicQuotes, ids[0], "", 3, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, b.Len())

	b2, err := k.Read(ctx, model.TopicQuotes, ids[0], b.MaxSeq(), 3, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, b2.Len())
	assert.True(t, b2.FirstSeq().After(b.MaxSeq()))
	assert.Equal(t, 1, fk.iterCalls, "the iterator from the previous read is reused")
}

func TestKinesisSparseReadWaitsForMaxWait(t *testing.T) {
	k, _, fake := newFakeKinesis(t)
	ctx := context.Background()
	_, err := k.Publish(ctx, model.TopicQuotes, quote("AAPL", time.Now()))
	require.NoError(t, err)

	b, err := k.Read(ctx, model.TopicQuotes, "shardId-000000000000", "", 100, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 3*time.Second, b.WindowClosed.Sub(b.WindowOpened))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, fake.Sleeps())
}

func TestKinesisReadRange(t *testing.T) {
	k, _, _ := newFakeKinesis(t)
	ctx := context.Background()
	var seqs []model.SeqNum
	for i := 0; i < 6; i++ {
		rec, err := k.Publish(ctx, model.TopicQuotes, quote("AAPL", time.Now()))
		require.NoError(t, err)
		seqs = append(seqs, rec.Sequence)
	}

	b, err := k.ReadRange(ctx, model.TopicQuotes, "shardId-000000000000", seqs[0], seqs[3])
	require.NoError(t, err)
	require.Equal(t, 3, b.Len())
	assert.Equal(t, seqs[1], b.FirstSeq())
	assert.Equal(t, seqs[3], b.MaxSeq())
}

func TestKinesisErrorMapping(t *testing.T) {
	k, fk, _ := newFakeKinesis(t)
	ctx := context.Background()

	_, err := k.Publish(ctx, model.TopicNews, quote("AAPL", time.Now()))
	assert.True(t, errors.IsCode(err, errors.CodeMissingTopic))

	_, err = k.Read(ctx, model.TopicQuotes, "shardId-000000000009", "", 1, 0)
	assert.True(t, errors.IsCode(err, errors.CodeMissingShard))

	fk.throttle = 1
	_, err = k.Read(ctx, model.TopicQuotes, "shardId-000000000000", "", 1, 0)
	assert.True(t, errors.IsCode(err, errors.CodeThrottled))
	assert.True(t, errors.IsRetryable(err))

	_, err = k.Read(ctx, model.TopicQuotes, "shardId-000000000000", "5", 1, 0)
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.True(t, gap.ResumeAfter.IsZero())
}
