// Package sse renders eventstream.Event values as Server-Sent Events frames,
// bit-exact to spec.md §6: a leading ": session_id=<uuid>" comment, then
// "event: <kind>\ndata: <json>\n\n" frames, terminated by "data: [DONE]\n\n".
// Grounded on handlers/openai_handler.go's writeSSEChunk /
// handlers/agent_handler.go's channel-draining loop, generalized to encode
// the full typed-event taxonomy instead of only OpenAI chunks.
package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentkernel/gateway/internal/domain/eventstream"
)

// WriteSessionComment emits the leading ": session_id=<uuid>" line clients
// use to learn the session id without parsing the stream body.
func WriteSessionComment(w io.Writer, sessionID string) {
	fmt.Fprintf(w, ": session_id=%s\n\n", sessionID)
}

// WriteEvent encodes one eventstream.Event as an SSE frame.
func WriteEvent(w io.Writer, ev eventstream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

// WriteDone emits the terminal "data: [DONE]" line.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

// Flusher is satisfied by gin's ResponseWriter and http.Flusher generally.
type Flusher interface {
	Flush()
}
