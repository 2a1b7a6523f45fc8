package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqNumCompare(t *testing.T) {
	assert.True(t, SeqNum("10").After("9"))
	assert.True(t, SeqNum("1").After(""))
	assert.False(t, SeqNum("").After("1"))
	assert.Equal(t, 0, SeqNum("42").Compare("42"))
	assert.True(t, SeqNum("49590338271490256608559692538361571095921575989136588898").
		After("49590338271490256608559692538361571095921575989136588897"))
	assert.Equal(t, SeqNum("3"), SeqFromUint(3))
	assert.Equal(t, SeqNum(""), SeqFromUint(0))

	n, err := SeqNum("17").Uint()
	require.NoError(t, err)
	assert.Equal(t, uint64(17), n)
}

func TestBucketPath(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 59, 59, 0, time.FixedZone("x", 2*3600))
	b := BucketFor(ts)
	assert.Equal(t, "2024/03/09/12", b.Path())
	assert.Equal(t, BucketFor(ts.Add(-30*time.Minute)), b)
	assert.True(t, b.Before(BucketFor(ts.Add(time.Second))))
}

func TestBatchSeqHelpers(t *testing.T) {
	b := Batch{Records: []StreamRecord{{Sequence: "4"}, {Sequence: "5"}, {Sequence: "6"}}}
	assert.Equal(t, SeqNum("4"), b.FirstSeq())
	assert.Equal(t, SeqNum("6"), b.MaxSeq())

	tr := b.Truncate("5")
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 3, b.Len())
}

func TestEventRoundTrip(t *testing.T) {
	e := Event{
		Topic:      TopicQuotes,
		SourceID:   "AAPL",
		Payload:    map[string]any{"current_price": 191.5},
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		IngestSeq:  7,
	}
	data, err := e.Encode()
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e.DedupKey(), got.DedupKey())
	assert.Equal(t, uint64(7), got.IngestSeq)

	_, err = ParseTopic("Quotes")
	require.NoError(t, err)
	_, err = ParseTopic("trades")
	require.Error(t, err)
}
