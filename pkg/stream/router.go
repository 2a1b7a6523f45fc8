package stream

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/logflow/tickflow/internal/model"
)

// ShardID names the i-th shard of a counter-based transport.
func ShardID(i int) string {
	return fmt.Sprintf("shard-%04d", i)
}

// ShardIDs returns the ids of n shards.
func ShardIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = ShardID(i)
	}
	return ids
}

// Route is the placement of one event.
type Route struct {
	ShardKey      string
	PartitionHint int
}

// Router derives shard keys. With a single shard the key is the topic, so
// every record of the topic is totally ordered. With more shards the key
// includes the source id, keeping each source ordered while spreading load.
type Router struct {
	Shards int
}

// Route places e.
func (r Router) Route(topic model.Topic, e model.Event) Route {
	n := r.Shards
	if n <= 1 {
		return Route{ShardKey: string(topic)}
	}
	key := string(topic) + "/" + e.SourceID
	return Route{ShardKey: key, PartitionHint: int(xxhash.Sum64String(key) % uint64(n))}
}
