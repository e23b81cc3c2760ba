package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsRecordedValues(t *testing.T) {
	before := Snapshot()

	EmbedRequest("medium", "ok", 0.2)
	EmbedRequest("medium", "error", 1.5)
	IndexRun(3, 12)
	MemorySave(true)
	MemoryFind("store")
	MemoryFind("cache")
	ToolCall("saveMemory", "ok")

	after := Snapshot()

	delta := func(key string) float64 { return after[key] - before[key] }

	assert.Equal(t, 1.0, delta("specmem_embed_requests_total{outcome=ok,priority=medium}"))
	assert.Equal(t, 1.0, delta("specmem_embed_requests_total{outcome=error,priority=medium}"))
	assert.Equal(t, 1.0, delta("specmem_embed_failures_total"))
	assert.Equal(t, 2.0, delta("specmem_embed_latency_seconds_count"))
	assert.InDelta(t, 1.7, delta("specmem_embed_latency_seconds_sum"), 1e-9)

	assert.Equal(t, 1.0, delta("specmem_index_runs_total"))
	assert.Equal(t, 3.0, delta("specmem_index_files_total"))
	assert.Equal(t, 12.0, delta("specmem_index_definitions_total"))

	assert.Equal(t, 1.0, delta("specmem_memory_saves_total"))
	assert.Equal(t, 1.0, delta("specmem_memory_deferred_total"))
	assert.Equal(t, 1.0, delta("specmem_memory_finds_total{source=store}"))
	assert.Equal(t, 1.0, delta("specmem_memory_finds_total{source=cache}"))
	assert.Equal(t, 1.0, delta("specmem_tool_calls_total{outcome=ok,tool=saveMemory}"))
}

func TestSnapshotIsSafeWithoutRecording(t *testing.T) {
	snap := Snapshot()
	require.NotNil(t, snap)
}
