package sse

import (
	"bytes"
	"strings"
	"testing"

	"github.com/agentkernel/gateway/internal/domain/eventstream"
)

func TestWriteSessionComment_FormatsLeadingComment(t *testing.T) {
	var buf bytes.Buffer
	WriteSessionComment(&buf, "sess-123")

	if buf.String() != ": session_id=sess-123\n\n" {
		t.Errorf("unexpected comment frame: %q", buf.String())
	}
}

func TestWriteEvent_EncodesKindAndJSONData(t *testing.T) {
	var buf bytes.Buffer
	ev := eventstream.Event{Kind: eventstream.KindMessage, Data: eventstream.MessageDelta{Content: "hi"}}

	if err := WriteEvent(&buf, ev); err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "event: message\ndata: ") {
		t.Errorf("unexpected frame prefix: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Errorf("expected frame to end with a blank line, got %q", out)
	}
	if !strings.Contains(out, `"content":"hi"`) {
		t.Errorf("expected encoded payload to carry the message content, got %q", out)
	}
}

func TestWriteEvent_PropagatesMarshalErrors(t *testing.T) {
	var buf bytes.Buffer
	ev := eventstream.Event{Kind: eventstream.KindToolCall, Data: make(chan int)} // unmarshalable

	if err := WriteEvent(&buf, ev); err == nil {
		t.Error("expected an error encoding a value json.Marshal cannot handle")
	}
}

func TestWriteDone_EmitsTerminalSentinel(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDone(&buf); err != nil {
		t.Fatalf("WriteDone failed: %v", err)
	}
	if buf.String() != "data: [DONE]\n\n" {
		t.Errorf("unexpected terminal frame: %q", buf.String())
	}
}
