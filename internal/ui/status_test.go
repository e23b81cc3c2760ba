package ui

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRenderer_Running(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	err := r.Render(StatusInfo{
		ProjectName:       "my-app",
		ProjectHash:       "ab12cd34ef56ab78",
		Running:           true,
		PID:               4242,
		Uptime:            "2h15m0s",
		FilesTotal:        120,
		FilesIndexed:      110,
		PendingEmbeddings: 10,
		LastBatch:         time.Now().Add(-30 * time.Second),
		BrokerState:       "ready",
		Dimensions:        768,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "SpecMem: my-app")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "pid 4242")
	assert.Contains(t, out, "Files:    120")
	assert.Contains(t, out, "10 embeddings")
	assert.Contains(t, out, "just now")
	assert.Contains(t, out, "Dimensions: 768")
}

func TestStatusRenderer_NotRunning(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	err := r.Render(StatusInfo{
		ProjectName: "my-app",
		ProjectHash: "ab12cd34ef56ab78",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "not running")
	assert.NotContains(t, out, "Worker:")
}

func TestStatusRenderer_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	info := StatusInfo{ProjectName: "my-app", FilesTotal: 3, Running: true, PID: 99}
	require.NoError(t, r.RenderJSON(info))

	var decoded StatusInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, info.ProjectName, decoded.ProjectName)
	assert.Equal(t, info.FilesTotal, decoded.FilesTotal)
	assert.Equal(t, 99, decoded.PID)
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"just now", time.Now().Add(-5 * time.Second), "just now"},
		{"minutes", time.Now().Add(-5 * time.Minute), "5 minutes ago"},
		{"one hour", time.Now().Add(-90 * time.Minute), "1 hour ago"},
		{"days", time.Now().Add(-48 * time.Hour), "2 days ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatTime(tt.t))
		})
	}
}
