package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/preflight"
)

func TestDoctorCmd_RunsChecks(t *testing.T) {
	setProjectFlag(t, t.TempDir())

	cmd := newDoctorCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--offline"})

	err := cmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "SpecMem System Check")
	assert.Contains(t, output, "disk_space")
	assert.Contains(t, output, "socket_path")
}

func TestDoctorCmd_JSONOutput(t *testing.T) {
	setProjectFlag(t, t.TempDir())

	cmd := newDoctorCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--offline", "--json"})

	err := cmd.Execute()

	require.NoError(t, err)

	// The checker banner precedes the JSON document; decode from the
	// first brace.
	raw := buf.Bytes()
	idx := bytes.IndexByte(raw, '{')
	require.GreaterOrEqual(t, idx, 0)

	var report struct {
		Status  string                  `json:"status"`
		Results []preflight.CheckResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw[idx:], &report))
	assert.NotEmpty(t, report.Status)
	assert.NotEmpty(t, report.Results)

	names := make(map[string]bool, len(report.Results))
	for _, r := range report.Results {
		names[r.Name] = true
	}
	assert.True(t, names["disk_space"])
	assert.True(t, names["write_permissions"])
	assert.True(t, names["socket_path"])
}
