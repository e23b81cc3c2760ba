package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/ui"
)

func TestStatusCmd_NotRunning(t *testing.T) {
	setProjectFlag(t, t.TempDir())

	cmd := newStatusCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "SpecMem:")
	assert.Contains(t, output, "not running")
}

func TestStatusCmd_NotRunningJSON(t *testing.T) {
	setProjectFlag(t, t.TempDir())

	cmd := newStatusCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--json"})

	err := cmd.Execute()

	require.NoError(t, err)
	var info ui.StatusInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.False(t, info.Running)
	assert.Len(t, info.ProjectHash, 16)
}
