package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/logflow/tickflow/internal/model"
)

func TestRouterSingleShardUsesTopic(t *testing.T) {
	r := Router{Shards: 1}
	got := r.Route(model.TopicQuotes, model.Event{SourceID: "AAPL"})
	assert.Equal(t, "quotes", got.ShardKey)
	assert.Equal(t, 0, got.PartitionHint)
}

func TestRouterIsStableAndBounded(t *testing.T) {
	r := Router{Shards: 4}
	seen := map[int]bool{}
	for _, sym := range []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "IBM", "ORCL"} {
		a := r.Route(model.TopicQuotes, model.Event{SourceID: sym})
		b := r.Route(model.TopicQuotes, model.Event{SourceID: sym})
		assert.Equal(t, a, b)
		assert.GreaterOrEqual(t, a.PartitionHint, 0)
		assert.Less(t, a.PartitionHint, 4)
		seen[a.PartitionHint] = true
	}
	assert.Greater(t, len(seen), 1)
	assert.Equal(t, []string{"shard-0000", "shard-0001"}, ShardIDs(2))
}
