package telemetry

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyToBucket(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want LatencyBucket
	}{
		{5 * time.Millisecond, BucketP10},
		{10 * time.Millisecond, BucketP50},
		{49 * time.Millisecond, BucketP50},
		{80 * time.Millisecond, BucketP100},
		{200 * time.Millisecond, BucketP500},
		{2 * time.Second, BucketP1000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LatencyToBucket(tc.d), tc.d.String())
	}
}

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.values())
}

func TestRecorderDrain(t *testing.T) {
	rec := NewRecorder()
	rec.RecordQuery(QueryEvent{Kind: "findMemory", Query: "broker retries", ResultCount: 3, Latency: 20 * time.Millisecond})
	rec.RecordQuery(QueryEvent{Kind: "findMemory", Query: "nothing here", ResultCount: 0, Latency: 5 * time.Millisecond, Degraded: true})
	rec.RecordEmbed(EmbedEvent{Kind: "batch", HeartbeatCount: 4, Outcome: "ok"})

	snap := rec.drain()
	assert.Equal(t, int64(2), snap.queryKinds["findMemory"])
	assert.Equal(t, int64(1), snap.latency[BucketP50])
	assert.Equal(t, int64(1), snap.latency[BucketP10])
	assert.Equal(t, int64(1), snap.degraded)
	require.Len(t, snap.zeroResults, 1)
	assert.Equal(t, "nothing here", snap.zeroResults[0].Query)
	assert.Equal(t, int64(4), snap.heartbeats["batch"])
	assert.Equal(t, int64(1), snap.embedCounts["batch/ok"])

	assert.True(t, rec.drain().empty())
}

func TestStoreFlushAndQuery(t *testing.T) {
	rec := NewRecorder()
	store, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), rec, nil)
	require.NoError(t, err)
	defer store.Close()

	rec.RecordQuery(QueryEvent{Kind: "findCodePointers", Query: "missing symbol", ResultCount: 0, Latency: time.Millisecond})
	rec.RecordEmbed(EmbedEvent{Kind: "single", HeartbeatCount: 2, Outcome: "ok"})
	require.NoError(t, store.Flush(context.Background()))

	// Flushing twice with no new data is a no-op.
	require.NoError(t, store.Flush(context.Background()))

	zeros, err := store.ZeroResultQueries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, zeros, 1)
	assert.Equal(t, "missing symbol", zeros[0].Query)
	assert.Equal(t, "findCodePointers", zeros[0].Kind)
	assert.False(t, zeros[0].Timestamp.IsZero())
}

func TestStoreTrimsZeroResults(t *testing.T) {
	rec := NewRecorder()
	store, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), rec, nil)
	require.NoError(t, err)
	defer store.Close()

	for round := 0; round < 2; round++ {
		for i := 0; i < zeroResultCapacity; i++ {
			rec.RecordQuery(QueryEvent{Kind: "findMemory", Query: fmt.Sprintf("q-%d-%d", round, i), ResultCount: 0})
		}
		require.NoError(t, store.Flush(context.Background()))
	}

	zeros, err := store.ZeroResultQueries(context.Background(), zeroResultCapacity*2)
	require.NoError(t, err)
	assert.Len(t, zeros, zeroResultCapacity)
	assert.Equal(t, fmt.Sprintf("q-1-%d", zeroResultCapacity-1), zeros[0].Query)
}
