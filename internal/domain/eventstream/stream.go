// Package eventstream implements the per-session event channel (C2):
// a bounded, single-producer channel of typed step events that the SSE
// transport drains, grounded on
// internal/infrastructure/eventbus/bus.go's publish/dispatch shape but
// scoped to one session and corrected for the spec's backpressure rule:
// typed step events MUST NOT be dropped (the producer blocks); only
// `message` text deltas may coalesce when the channel is full.
package eventstream

import (
	"sync"
	"time"
)

// Kind enumerates the SSE event kinds the driver produces (§4.2).
type Kind string

const (
	KindStepStart  Kind = "step_start"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindStepEnd    Kind = "step_end"
	KindThinking   Kind = "thinking"
	KindError      Kind = "error"
	KindMessage    Kind = "message"
	KindDone       Kind = "done"
)

// Event is one typed step event or OpenAI-delta-style message chunk.
type Event struct {
	Kind      Kind
	Data      interface{}
	Timestamp time.Time
}

// DefaultBufferSize is the channel's bound per §4.2.
const DefaultBufferSize = 256

// Stream is one session's ephemeral event channel: created when a worker
// claims the session, closed on release. The worker is the sole producer;
// any number of readers (SSE handlers) may drain it, but
// in practice exactly one reader is attached at a time per spec.md §5
// ("single-producer, single-consumer... outlives the handler").
type Stream struct {
	sessionID string
	ch        chan Event
	mu        sync.Mutex
	pending   *Event // a coalesced, not-yet-sent message event
	closed    bool
	closeOnce sync.Once
}

// New creates a Stream with the default bound.
func New(sessionID string) *Stream {
	return &Stream{sessionID: sessionID, ch: make(chan Event, DefaultBufferSize)}
}

// SessionID returns the owning session's id.
func (s *Stream) SessionID() string { return s.sessionID }

// Events returns the channel readers drain. It is never closed while the
// driver may still write to it; callers detect end-of-stream via a `done`
// event followed by Close(), not channel closure, so a slow/disconnected
// reader can never cause a send on a closed channel.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit delivers a typed step event, blocking the producer if the channel is
// full (§4.2: "typed step events MUST NOT be dropped — the producer
// blocks"). message-kind events are coalesced instead; call EmitMessage for
// those.
func (s *Stream) Emit(kind Kind, data interface{}) {
	s.flushPending()
	s.send(Event{Kind: kind, Data: data, Timestamp: time.Now()})
}

// EmitMessage delivers an OpenAI-delta-style message chunk. If the channel
// is full, the delta is concatenated onto a pending coalesced event instead
// of blocking, and flushed as soon as room appears or another event type is
// emitted.
func (s *Stream) EmitMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		select {
		case s.ch <- Event{Kind: KindMessage, Data: MessageDelta{Content: content}, Timestamp: time.Now()}:
			return
		default:
		}
	}
	if s.pending != nil {
		prev := s.pending.Data.(MessageDelta)
		s.pending.Data = MessageDelta{Content: prev.Content + content}
		return
	}
	ev := Event{Kind: KindMessage, Data: MessageDelta{Content: content}, Timestamp: time.Now()}
	s.pending = &ev
	go s.drainPendingEventually()
}

// MessageDelta is the payload of a `message` event (§4.2 table).
type MessageDelta struct {
	Content string `json:"content"`
}

func (s *Stream) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		s.send(*pending)
	}
}

// drainPendingEventually waits until the pending coalesced event can be
// sent, ensuring a coalesced message is never silently lost even if no
// further Emit call happens to flush it. The event stays pending while it
// waits, so later deltas keep concatenating onto it.
func (s *Stream) drainPendingEventually() {
	for {
		s.mu.Lock()
		if s.pending == nil || s.closed {
			s.mu.Unlock()
			return
		}
		select {
		case s.ch <- *s.pending:
			s.pending = nil
			s.mu.Unlock()
			return
		default:
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (s *Stream) send(ev Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.ch <- ev
}

// Close releases the channel. Safe to call multiple times; only the worker
// that owns the stream should call it, on release.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
}

// Registry tracks the live Stream for each claimed session so the Gateway
// Adapter can attach a reader by session id (reconnect case, §4.2).
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

func (r *Registry) Create(sessionID string) *Stream {
	s := New(sessionID)
	r.mu.Lock()
	r.streams[sessionID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(sessionID string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[sessionID]
	return s, ok
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.streams, sessionID)
	r.mu.Unlock()
}
