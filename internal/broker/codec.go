package broker

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/specmem/specmem/internal/errors"
)

// Worker wire protocol: newline-delimited JSON objects in both
// directions. A response stream is zero or more processing heartbeats
// followed by exactly one terminal message.

// request is the worker-facing request shape.
type request struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

func singleRequest(text string) request   { return request{Type: "embed", Text: text} }
func batchRequest(texts []string) request { return request{Type: "batch_embed", Texts: texts} }
func healthRequest() request              { return request{Type: "health"} }

// messageKind classifies one worker frame.
type messageKind int

const (
	msgProcessing messageKind = iota
	msgVector
	msgVectors
	msgError
	msgUnknown
)

// message is the tagged union of worker frames. Exactly one of the
// payload fields is meaningful, selected by Kind.
type message struct {
	Kind    messageKind
	Vector  []float32
	Vectors [][]float32
	Err     string
}

// rawMessage is the wire shape before classification.
type rawMessage struct {
	Status     string      `json:"status"`
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      *string     `json:"error"`
}

// classify maps a decoded frame onto the message union. Terminal frames
// win over a stray status field; the worker occasionally decorates
// replies with extra fields and those are ignored.
func classify(raw rawMessage) message {
	switch {
	case raw.Error != nil:
		return message{Kind: msgError, Err: *raw.Error}
	case raw.Embedding != nil:
		return message{Kind: msgVector, Vector: raw.Embedding}
	case raw.Embeddings != nil:
		return message{Kind: msgVectors, Vectors: raw.Embeddings}
	case raw.Status == "processing":
		return message{Kind: msgProcessing}
	default:
		return message{Kind: msgUnknown}
	}
}

// frameReader reads newline-terminated JSON frames with a hard cap on
// line length. It is the only component that touches raw bytes; frames
// may arrive split across reads and are buffered until the newline.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader, capBytes int) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), capBytes)
	return &frameReader{scanner: sc}
}

// next returns the next classified frame. Exceeding the buffer cap or
// malformed JSON is a protocol error; a closed stream reports
// ERR_403_SOCKET_CLOSED.
func (f *frameReader) next() (message, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return message{}, errors.New(errors.ErrCodeProtocolError,
					"worker response exceeds buffer cap", err)
			}
			return message{}, errors.New(errors.ErrCodeSocketClosed,
				"worker connection closed mid-response", err)
		}
		return message{}, errors.Newf(errors.ErrCodeSocketClosed,
			"worker closed connection before terminal response")
	}

	line := f.scanner.Bytes()
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return message{}, errors.New(errors.ErrCodeProtocolError,
			"worker frame is not valid JSON", err)
	}

	msg := classify(raw)
	if msg.Kind == msgUnknown {
		return message{}, errors.Newf(errors.ErrCodeInvalidResponse,
			"worker frame carries neither status, embedding, embeddings, nor error")
	}
	return msg, nil
}

// writeFrame encodes one request and terminates it with a newline.
func writeFrame(w io.Writer, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.New(errors.ErrCodeSocketClosed, "write to worker failed", err)
	}
	return nil
}
