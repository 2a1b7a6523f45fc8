package tui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/dlq"
	"github.com/logflow/tickflow/pkg/pipeline"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/processor"
)

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	RenderReport(&buf, pipeline.Report{
		Healthy:   false,
		CheckedAt: time.Unix(1714554000, 0).UTC(),
		Topics: []pipeline.TopicHealth{
			{
				Topic:      model.TopicQuotes,
				Halted:     true,
				HaltReason: "quotes/processor: [E205] records expired",
				Components: map[string]*pipeline.ComponentHealth{
					pipeline.RoleProcessor: {Restarts: 2, LastError: "boom"},
				},
				Poller: &poller.Status{Polls: 1500, NextSymbol: "MSFT"},
				Shards: []processor.ShardStatus{{ShardID: "shard-0000", Cursor: "42", Written: 40}},
			},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "HALTED")
	assert.Contains(t, out, "QUOTES")
	assert.Contains(t, out, "[E205] records expired")
	assert.Contains(t, out, "restarts=2")
	assert.Contains(t, out, "1.5K")
	assert.Contains(t, out, "cursor=42")
}

func TestRenderDeadLetters(t *testing.T) {
	var buf bytes.Buffer
	RenderDeadLetters(&buf, nil, 10)
	assert.Contains(t, buf.String(), "NO DEAD LETTERS")

	buf.Reset()
	now := time.Unix(1714554000, 0).UTC()
	entries := []dlq.Entry{
		{Kind: dlq.KindValidation, SourceID: "AAPL", Reason: "source_id is empty", Timestamp: now},
		{Kind: dlq.KindPublish, SourceID: "MSFT", Reason: "stream down", Timestamp: now.Add(time.Minute), Recoverable: true},
		{Kind: dlq.KindPublish, SourceID: "NVDA", Reason: "stream down", Timestamp: now.Add(2 * time.Minute), Recoverable: true},
	}
	RenderDeadLetters(&buf, entries, 2)
	out := buf.String()
	assert.Contains(t, out, "(2 replayable)")
	assert.Contains(t, out, "MSFT")
	assert.NotContains(t, out, "NVDA")
	assert.Contains(t, out, "1 more")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "2.5M", formatNumber(2500000))
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
}

func TestShowProgressWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	bar := ShowProgress(&buf, 3, "replaying")
	require.NoError(t, bar.Add(3))
	require.NoError(t, bar.Finish())
	assert.True(t, bar.IsFinished())
}
