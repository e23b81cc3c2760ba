package broker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/errors"
)

func TestClassify(t *testing.T) {
	errStr := "model blew up"
	tests := []struct {
		name string
		raw  rawMessage
		want messageKind
	}{
		{"heartbeat", rawMessage{Status: "processing"}, msgProcessing},
		{"single vector", rawMessage{Embedding: []float32{1, 2}}, msgVector},
		{"batch vectors", rawMessage{Embeddings: [][]float32{{1}, {2}}}, msgVectors},
		{"error", rawMessage{Error: &errStr}, msgError},
		{"error wins over status", rawMessage{Status: "ok", Error: &errStr}, msgError},
		{"unknown status", rawMessage{Status: "ok"}, msgUnknown},
		{"empty frame", rawMessage{}, msgUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.raw).Kind)
		})
	}
}

func TestFrameReader_SplitFrames(t *testing.T) {
	// Frames split across reads must be buffered to the newline.
	input := `{"status":"processing"}` + "\n" + `{"embedding":[0.5,0.5]}` + "\n"
	r := newFrameReader(strings.NewReader(input), SingleBufferCap)

	msg, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, msgProcessing, msg.Kind)

	msg, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, msgVector, msg.Kind)
	assert.Len(t, msg.Vector, 2)
}

func TestFrameReader_MalformedJSON(t *testing.T) {
	r := newFrameReader(strings.NewReader("{not json\n"), SingleBufferCap)
	_, err := r.next()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeProtocolError, errors.GetCode(err))
}

func TestFrameReader_StreamClosedBeforeTerminal(t *testing.T) {
	r := newFrameReader(strings.NewReader(`{"status":"processing"}`+"\n"), SingleBufferCap)

	_, err := r.next()
	require.NoError(t, err)

	_, err = r.next()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSocketClosed, errors.GetCode(err))
}

func TestFrameReader_BufferCap(t *testing.T) {
	huge := `{"embedding":[` + strings.Repeat("0.1,", 100000) + `0.1]}` + "\n"
	r := newFrameReader(strings.NewReader(huge), 1024)

	_, err := r.next()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeProtocolError, errors.GetCode(err))
}

func TestFrameReader_UnknownShape(t *testing.T) {
	r := newFrameReader(strings.NewReader(`{"weird":true}`+"\n"), SingleBufferCap)
	_, err := r.next()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidResponse, errors.GetCode(err))
}

func TestWriteFrame_NewlineTerminated(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeFrame(&sb, singleRequest("hello")))

	out := sb.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, `"type":"embed"`)
	assert.Contains(t, out, `"text":"hello"`)
}
