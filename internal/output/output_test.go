package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Status(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Status("🚀", "starting")
	assert.Equal(t, "🚀 starting\n", buf.String())
}

func TestWriter_StatusEmptyIcon(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Status("", "detail line")
	assert.Equal(t, "   detail line\n", buf.String())
}

func TestWriter_Statusf(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Statusf("📁", "Project %s (%s)", "demo", "abc123")
	assert.Equal(t, "📁 Project demo (abc123)\n", buf.String())
}

func TestWriter_SuccessWarningError(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Success("done")
	w.Warning("careful")
	w.Error("broken")

	out := buf.String()
	assert.Contains(t, out, "✅ done\n")
	assert.Contains(t, out, "careful\n")
	assert.Contains(t, out, "❌ broken\n")
}

func TestWriter_Code(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Code("line one\nline two")

	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "", lines[0])
	assert.Equal(t, "  line one", lines[1])
	assert.Equal(t, "  line two", lines[2])
	assert.Equal(t, "", lines[3])
}

func TestWriter_Progress(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Progress(15, 30, "indexing")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r["))
	assert.Contains(t, out, "50% indexing")
	assert.Contains(t, out, strings.Repeat("█", 15))
	assert.Contains(t, out, strings.Repeat("░", 15))
	assert.False(t, strings.HasSuffix(out, "\n"))
}

func TestWriter_ProgressCompletes(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Progress(30, 30, "done")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestWriter_ProgressZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Progress(1, 0, "nothing")
	assert.Empty(t, buf.String())
}

func TestWriter_ProgressDone(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.ProgressDone()
	assert.Equal(t, "\n", buf.String())
}
