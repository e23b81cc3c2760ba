package instance

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/project"
)

func testProject(t *testing.T) *project.Project {
	t.Helper()
	p, err := project.Resolve(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())
	return p
}

func TestRecordRoundTrip(t *testing.T) {
	p := testProject(t)

	want := Record{
		PID:         os.Getpid(),
		ProjectHash: p.Hash,
		StartTime:   time.Now().UTC().Truncate(time.Second),
		Status:      StatusRunning,
	}
	require.NoError(t, WriteRecord(p, want))

	got, err := ReadRecord(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.PID, got.PID)
	assert.Equal(t, want.ProjectHash, got.ProjectHash)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, got.StartTime.Equal(want.StartTime))
}

func TestReadRecordAbsent(t *testing.T) {
	p := testProject(t)

	got, err := ReadRecord(p)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadRecordCorrupt(t *testing.T) {
	p := testProject(t)
	path := p.RunPath(project.InstanceRecordName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got, err := ReadRecord(p)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordLive(t *testing.T) {
	cases := []struct {
		status Status
		live   bool
	}{
		{StatusStarting, true},
		{StatusRunning, true},
		{StatusStopping, false},
		{StatusStopped, false},
		{StatusCrashed, false},
	}
	for _, tc := range cases {
		r := Record{Status: tc.status}
		assert.Equal(t, tc.live, r.Live(), "status %s", tc.status)
	}
}
