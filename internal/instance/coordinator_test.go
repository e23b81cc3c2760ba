package instance

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	specerr "github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

func TestCoordinatorStartup(t *testing.T) {
	p := testProject(t)
	c := NewCoordinator(p, Hooks{}, nil)

	require.NoError(t, c.Startup(context.Background()))
	t.Cleanup(func() { c.Server().Close() })

	// Instance lock socket is bound.
	_, err := os.Stat(p.InstanceSocketPath())
	require.NoError(t, err)

	// Startup lock was released after the record write.
	_, err = os.Stat(p.RunPath(project.StartupLockName))
	assert.True(t, os.IsNotExist(err))

	rec, err := ReadRecord(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, p.Hash, rec.ProjectHash)
	assert.Equal(t, StatusStarting, rec.Status)
}

func TestCoordinatorSecondStartupDefers(t *testing.T) {
	p := testProject(t)
	first := NewCoordinator(p, Hooks{}, nil)
	require.NoError(t, first.Startup(context.Background()))
	t.Cleanup(func() { first.Server().Close() })

	second := NewCoordinator(p, Hooks{}, nil)
	err := second.Startup(context.Background())
	require.Error(t, err)
	assert.Equal(t, specerr.ErrCodeConcurrentStartup, specerr.GetCode(err))

	// The loser must not have disturbed the winner's lock.
	_, statErr := os.Stat(p.InstanceSocketPath())
	assert.NoError(t, statErr)
}

func TestCoordinatorRunShutdown(t *testing.T) {
	p := testProject(t)

	var stoppedWatchers, drained atomic.Bool
	hooks := Hooks{
		StopWatchers: func() { stoppedWatchers.Store(true) },
		Drain: func(ctx context.Context) error {
			// Watchers must stop before the drain begins.
			assert.True(t, stoppedWatchers.Load())
			drained.Store(true)
			return nil
		},
	}
	c := NewCoordinator(p, hooks, nil)
	require.NoError(t, c.Startup(context.Background()))
	require.NoError(t, c.MarkRunning())

	rec, err := ReadRecord(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusRunning, rec.Status)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// The socket serves health once Run starts.
	require.Eventually(t, func() bool {
		reply, err := Probe(context.Background(), p.InstanceSocketPath(), OpHealth)
		return err == nil && reply.Status == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	c.RequestShutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown request")
	}

	assert.True(t, stoppedWatchers.Load())
	assert.True(t, drained.Load())

	rec, err = ReadRecord(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.False(t, rec.Live())

	_, err = os.Stat(p.InstanceSocketPath())
	assert.True(t, os.IsNotExist(err))
}

func TestCoordinatorRunContextCancel(t *testing.T) {
	p := testProject(t)
	c := NewCoordinator(p, Hooks{}, nil)
	require.NoError(t, c.Startup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	rec, err := ReadRecord(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusStopped, rec.Status)
}

func TestCoordinatorConcurrentShutdownRequests(t *testing.T) {
	p := testProject(t)
	c := NewCoordinator(p, Hooks{}, nil)
	require.NoError(t, c.Startup(context.Background()))
	t.Cleanup(func() { c.Server().Close() })

	// Racing shutdown verbs must coalesce on one channel close.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, c.RequestShutdown)
		}()
	}
	wg.Wait()
}

func TestCoordinatorShutdownVerbStopsRun(t *testing.T) {
	p := testProject(t)
	c := NewCoordinator(p, Hooks{}, nil)
	require.NoError(t, c.Startup(context.Background()))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		reply, err := Probe(context.Background(), p.InstanceSocketPath(), OpShutdown)
		return err == nil && reply.Status == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown verb")
	}
}

func TestCoordinatorStaleSocketTakeover(t *testing.T) {
	p := testProject(t)

	// Plant a dead socket file older than the minimum lock age.
	path := p.InstanceSocketPath()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	c := NewCoordinator(p, Hooks{}, nil)
	require.NoError(t, c.Startup(context.Background()))
	t.Cleanup(func() { c.Server().Close() })

	reply, err := func() (*ControlReply, error) {
		go c.Server().Serve(context.Background())
		return Probe(context.Background(), path, OpPing)
	}()
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Status)
}
