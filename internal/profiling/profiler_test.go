package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiler_StartCPU(t *testing.T) {
	p := NewProfiler()
	path := filepath.Join(t.TempDir(), "cpu.prof")

	cleanup, err := p.StartCPU(path)
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	// Burn a little CPU so the profile has samples.
	sum := 0
	for i := 0; i < 1_000_000; i++ {
		sum += i
	}
	_ = sum

	cleanup()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestProfiler_StartCPU_BadPath(t *testing.T) {
	p := NewProfiler()

	cleanup, err := p.StartCPU(filepath.Join(t.TempDir(), "missing", "cpu.prof"))
	assert.Error(t, err)
	assert.Nil(t, cleanup)
}

func TestProfiler_StartTrace(t *testing.T) {
	p := NewProfiler()
	path := filepath.Join(t.TempDir(), "trace.out")

	cleanup, err := p.StartTrace(path)
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestProfiler_WriteHeap(t *testing.T) {
	p := NewProfiler()
	path := filepath.Join(t.TempDir(), "heap.prof")

	require.NoError(t, p.WriteHeap(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestProfiler_WriteHeap_BadPath(t *testing.T) {
	p := NewProfiler()

	err := p.WriteHeap(filepath.Join(t.TempDir(), "missing", "heap.prof"))
	assert.Error(t, err)
}
