package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zorgspace/slashbot-web/internal/tokens"
)

// maxFrameBytes bounds how much of an unterminated frame is held back before
// it is forwarded unparsed.
const maxFrameBytes = 1 << 20

const doneMarker = "[DONE]"

// StreamMeter sits between the upstream event stream and the client. It
// forwards every frame byte for byte as soon as the frame is complete, except
// the upstream's terminal [DONE] frame, which it withholds so the billing
// event can be sent before the stream ends. Along the way it collects the
// delta content and any usage the upstream reports.
type StreamMeter struct {
	w     io.Writer
	flush func()

	buf     []byte
	content strings.Builder
	usage   *tokens.Usage
	frames  int
	done    bool
}

// NewStreamMeter writes to w and calls flush after each forwarded batch.
// flush may be nil.
func NewStreamMeter(w io.Writer, flush func()) *StreamMeter {
	if flush == nil {
		flush = func() {}
	}
	return &StreamMeter{w: w, flush: flush}
}

// Write accepts upstream bytes split at arbitrary points.
func (m *StreamMeter) Write(p []byte) (int, error) {
	m.buf = append(m.buf, p...)

	var out []byte
	for {
		end := frameEnd(m.buf)
		if end < 0 {
			break
		}
		frame := m.buf[:end]
		if !m.inspect(frame) {
			out = append(out, frame...)
		}
		m.buf = m.buf[end:]
	}
	if len(m.buf) > maxFrameBytes {
		out = append(out, m.buf...)
		m.buf = m.buf[:0]
	}
	if len(m.buf) == 0 {
		m.buf = nil
	}

	if len(out) > 0 {
		if _, err := m.w.Write(out); err != nil {
			return 0, err
		}
		m.flush()
	}
	return len(p), nil
}

// Close forwards whatever trails the last frame separator.
func (m *StreamMeter) Close() error {
	if len(m.buf) == 0 {
		return nil
	}
	rest := m.buf
	m.buf = nil
	if m.inspect(rest) {
		return nil
	}
	if _, err := m.w.Write(rest); err != nil {
		return err
	}
	m.flush()
	return nil
}

// Frames is the number of complete frames seen, [DONE] included.
func (m *StreamMeter) Frames() int { return m.frames }

// Done reports whether the upstream sent its terminal marker.
func (m *StreamMeter) Done() bool { return m.done }

// Usage returns the usage the upstream reported, or a count of the relayed
// content when it reported none.
func (m *StreamMeter) Usage(promptTokens int) tokens.Usage {
	if m.usage != nil {
		u := *m.usage
		if u.PromptTokens == 0 {
			u.PromptTokens = promptTokens
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return u
	}
	completion := tokens.CountTokens(m.content.String())
	return tokens.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
	}
}

// Finish sends the billing event followed by the terminal marker.
func (m *StreamMeter) Finish(billing *Billing) error {
	payload, err := json.Marshal(struct {
		Billing *Billing `json:"billing"`
	}{billing})
	if err != nil {
		return fmt.Errorf("encode billing event: %w", err)
	}
	var out bytes.Buffer
	out.WriteString("data: ")
	out.Write(payload)
	out.WriteString("\n\ndata: " + doneMarker + "\n\n")
	if _, err := m.w.Write(out.Bytes()); err != nil {
		return err
	}
	m.flush()
	return nil
}

// inspect reads one frame and reports whether it is the terminal marker.
// Frames that are not JSON are left alone.
func (m *StreamMeter) inspect(frame []byte) bool {
	m.frames++
	data, ok := frameData(frame)
	if !ok {
		return false
	}
	if strings.TrimSpace(data) == doneMarker {
		m.done = true
		return true
	}
	if !gjson.Valid(data) {
		return false
	}
	parsed := gjson.Parse(data)
	parsed.Get("choices.#.delta.content").ForEach(func(_, c gjson.Result) bool {
		m.content.WriteString(c.String())
		return true
	})
	if u, ok := tokens.ParseUsage([]byte(data)); ok {
		m.usage = u
	}
	return false
}

// frameEnd returns the index just past the first frame separator in buf, or
// -1 when no frame is complete.
func frameEnd(buf []byte) int {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf + 2
	default:
		return crlf + 4
	}
}

// frameData joins the data lines of an event frame.
func frameData(frame []byte) (string, bool) {
	var parts []string
	for _, line := range strings.Split(strings.ReplaceAll(string(frame), "\r\n", "\n"), "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// SetupSSEHeaders sets the required headers for SSE streaming
func SetupSSEHeaders(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
}
