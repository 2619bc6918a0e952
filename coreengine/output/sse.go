// Package output implements the output stage: chunked delivery of a response
// to a frame sink, and the server-sent-events framing used on the wire.
package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Sink receives named frames.
type Sink interface {
	WriteFrame(event string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload any) error

// WriteFrame implements Sink.
func (f SinkFunc) WriteFrame(event string, payload any) error { return f(event, payload) }

// =============================================================================
// SSE WRITER
// =============================================================================

// SSEWriter writes server-sent-event frames to an io.Writer. It flushes after
// every frame when the writer is an http.Flusher and is safe for concurrent use.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter over w.
func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// SetHeaders writes the SSE response headers.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteFrame writes one frame. String payloads are written as-is; anything
// else is JSON encoded. Each payload line gets its own data field.
func (s *SSEWriter) WriteFrame(event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// =============================================================================
// SSE READER
// =============================================================================

// Frame is one parsed server-sent event.
type Frame struct {
	Event string
	Data  string
}

// Decode unmarshals the frame data as JSON.
func (f Frame) Decode(v any) error {
	return json.Unmarshal([]byte(f.Data), v)
}

// ErrStopReading may be returned by a ReadFrames callback to stop early
// without an error.
var ErrStopReading = errors.New("output: stop reading")

const maxFrameLine = 4 << 20

// ReadFrames parses server-sent events from r and calls fn for each one.
// Events without a name are reported as "message". Comment lines are skipped.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLine)

	var (
		event   string
		data    []string
		hasData bool
	)
	dispatch := func() error {
		if !hasData {
			event = ""
			return nil
		}
		frame := Frame{Event: event, Data: strings.Join(data, "\n")}
		if frame.Event == "" {
			frame.Event = "message"
		}
		event, data, hasData = "", data[:0], false
		return fn(frame)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopErr(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stopErr(dispatch())
}

func stopErr(err error) error {
	if errors.Is(err, ErrStopReading) {
		return nil
	}
	return err
}

// =============================================================================
// TEXT SINK
// =============================================================================

// TextSink renders frames for a terminal: deltas are printed as they arrive,
// errors on their own line. Other frames are ignored.
type TextSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewTextSink creates a TextSink over w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// WriteFrame implements Sink.
func (t *TextSink) WriteFrame(event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event {
	case EventDelta:
		if m, ok := payload.(map[string]any); ok {
			if chunk, ok := m["chunk"].(string); ok {
				_, err := io.WriteString(t.w, chunk)
				return err
			}
		}
	case EventError:
		if m, ok := payload.(map[string]any); ok {
			_, err := fmt.Fprintf(t.w, "\nerror: %v\n", m["message"])
			return err
		}
	case EventDone:
		_, err := io.WriteString(t.w, "\n")
		return err
	}
	return nil
}

var (
	_ Sink = (*SSEWriter)(nil)
	_ Sink = (*TextSink)(nil)
	_ Sink = SinkFunc(nil)
)
