package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/index"
	"github.com/specmem/specmem/internal/instance"
)

func startServer(t *testing.T) (*instance.LockServer, *Client) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specmem.sock")
	s := instance.NewLockServer(path, nil)
	require.NoError(t, s.Bind())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		<-done
	})
	return s, ForSocket(path)
}

func TestHealth(t *testing.T) {
	_, c := startServer(t)

	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.PID)
}

func TestPing(t *testing.T) {
	_, c := startServer(t)
	require.NoError(t, c.Ping(context.Background()))
}

func TestStatsRoundTrip(t *testing.T) {
	s, c := startServer(t)
	s.SetStatsFunc(func() any {
		return StatsPayload{
			Instance: instance.Record{
				PID:         os.Getpid(),
				ProjectHash: "ab12cd34ef56ab78",
				StartTime:   time.Now().UTC(),
				Status:      instance.StatusRunning,
			},
			Broker: broker.Stats{
				State:      broker.StateReady,
				Dimensions: 768,
			},
			Pipeline: index.Progress{
				Phase:      index.PhaseDone,
				FilesTotal: 42,
				FilesDone:  42,
			},
			Counters: map[string]float64{
				"specmem_index_runs_total": 3,
			},
		}
	})

	payload, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34ef56ab78", payload.Instance.ProjectHash)
	assert.Equal(t, broker.StateReady, payload.Broker.State)
	assert.Equal(t, 768, payload.Broker.Dimensions)
	assert.Equal(t, index.PhaseDone, payload.Pipeline.Phase)
	assert.Equal(t, 42, payload.Pipeline.FilesTotal)
	assert.Equal(t, float64(3), payload.Counters["specmem_index_runs_total"])
}

func TestStatsWithoutPayloadFails(t *testing.T) {
	_, c := startServer(t)

	_, err := c.Stats(context.Background())
	require.Error(t, err)
}

func TestShutdownVerb(t *testing.T) {
	s, c := startServer(t)

	called := make(chan struct{}, 1)
	s.SetShutdownFunc(func() { called <- struct{}{} })

	pid, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}

func TestNotRunning(t *testing.T) {
	c := ForSocket(filepath.Join(t.TempDir(), "absent.sock"))

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, NotRunning(err))
}
