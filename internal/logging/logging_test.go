package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(Config{Format: "json", Level: "warn"}, &buf)

	slog.Info("dropped")
	slog.Warn("kept", "page", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, float64(7), line["page"])
}

func TestShardLoggerCarriesRunID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(Config{Format: "json"}, &buf)

	ctx := EnsureRunID(context.Background())
	id := RunID(ctx)
	require.Len(t, id, 12)
	assert.Equal(t, ctx, EnsureRunID(ctx), "existing id is kept")

	ShardLogger(ctx, 2019, 2, 6, 10).Info("shard finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, id, line["run_id"])
	assert.Equal(t, float64(2019), line["year"])
	assert.Equal(t, float64(2), line["shard_id"])
	assert.Equal(t, float64(6), line["page_start"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
