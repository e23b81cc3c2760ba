package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/errors"
)

func startServer(t *testing.T) (*LockServer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specmem.sock")
	s := NewLockServer(path, nil)
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
	return s, path
}

func TestLockServerHealth(t *testing.T) {
	_, path := startServer(t)

	reply, err := Probe(context.Background(), path, OpHealth)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, os.Getpid(), reply.PID)
	assert.NotEmpty(t, reply.Uptime)
}

func TestLockServerStats(t *testing.T) {
	s, path := startServer(t)
	s.SetStatsFunc(func() any {
		return map[string]int{"queueDepth": 3}
	})

	reply, err := Probe(context.Background(), path, OpStats)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Status)
	assert.JSONEq(t, `{"queueDepth":3}`, string(reply.Stats))
}

func TestLockServerShutdownVerb(t *testing.T) {
	s, path := startServer(t)
	called := make(chan struct{}, 1)
	s.SetShutdownFunc(func() { called <- struct{}{} })

	reply, err := Probe(context.Background(), path, OpShutdown)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Status)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not invoked")
	}
}

func TestLockServerUnknownOp(t *testing.T) {
	_, path := startServer(t)

	reply, err := Probe(context.Background(), path, "explode")
	require.NoError(t, err)
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "explode")
}

func TestLockServerBindIsExclusive(t *testing.T) {
	_, path := startServer(t)

	loser := NewLockServer(path, nil)
	err := loser.Bind()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConcurrentStartup, errors.GetCode(err))
}

func TestLockServerCloseRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specmem.sock")
	s := NewLockServer(path, nil)
	require.NoError(t, s.Bind())

	s.Close()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	s.Close()
}

func TestProbeNoListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sock")
	_, err := Probe(context.Background(), path, OpHealth)
	assert.Error(t, err)
}
