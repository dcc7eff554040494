package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"athena/internal/domain"
)

// SSE frames.
const (
	SSEHello     = ": ok\n\n"
	SSEHeartbeat = ": heartbeat\n\n"
	SSEError     = "event: error\ndata: {}\n\n"
)

// WriteSSE writes one event frame.
func WriteSSE(w io.Writer, ev *domain.RunEvent) error {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("compact %s data: %w", ev.Event, err)
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, buf.Bytes())
	return err
}

// WSFrame is a server-to-client WebSocket message.
type WSFrame struct {
	Type       string `json:"type"`
	Event      string `json:"event,omitempty"`
	Data       any    `json:"data,omitempty"`
	Message    string `json:"message,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// WSFrames maps a run event to the frames sent to a socket: always an event
// frame, plus a message frame carrying the text of assistant events.
func WSFrames(ev *domain.RunEvent) []WSFrame {
	frames := []WSFrame{{Type: "event", Event: string(ev.Event), Data: ev.Data}}
	if ev.Event == domain.EventAssistant {
		if text := AssistantText(ev.Data); text != "" {
			frames = append(frames, WSFrame{Type: "message", Data: map[string]string{"text": text}})
		}
	}
	return frames
}

// AssistantText extracts display text from event data: a bare string or the
// first of assistant, text or message in an object.
func AssistantText(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	for _, k := range []string{"assistant", "text", "message"} {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ErrInvalidFrame is returned for inbound frames that look like JSON but do
// not decode to an object.
var ErrInvalidFrame = domain.NewDomainError("bridge.ParseInbound", domain.ErrInvalidInput, "invalid json")

// ParseInbound converts a client frame to a run payload. JSON objects pass
// through, JSON strings and plain text become {text}. Anything else that
// starts like JSON is ErrInvalidFrame.
func ParseInbound(raw []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return map[string]any{"text": ""}, nil
	}
	switch trimmed[0] {
	case '{':
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil || m == nil {
			return nil, ErrInvalidFrame
		}
		return m, nil
	case '[', '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil, ErrInvalidFrame
		}
		return map[string]any{"text": s}, nil
	}
	return map[string]any{"text": trimmed}, nil
}
