// Package bus fans out cascade lifecycle events to subscribers (SSE
// handlers, tests, the MCP server). It buffers recent events per session
// so late-joining clients receive catchup before live streaming.
package bus

import (
	"encoding/json"
	"sync"
)

const defaultBufferCap = 1000

// EventType names a lifecycle event published by the runner.
type EventType string

const (
	CascadeStart        EventType = "cascade_start"
	CellStart           EventType = "cell_start"
	TurnStart           EventType = "turn_start"
	ToolCall            EventType = "tool_call"
	ToolResult          EventType = "tool_result"
	SoundingAttempt     EventType = "sounding_attempt"
	Evaluator           EventType = "evaluator"
	ReforgeStep         EventType = "reforge_step"
	CostUpdate          EventType = "cost_update"
	CellComplete        EventType = "cell_complete"
	CascadeComplete     EventType = "cascade_complete"
	CascadeError        EventType = "cascade_error"
	AudibleSignal       EventType = "audible_signal"
	CheckpointCreated   EventType = "checkpoint_created"
	CheckpointResponded EventType = "checkpoint_responded"
)

// Event is one lifecycle event. Payload is event-specific JSON.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	ParentID  string          `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// session holds the buffered events and subscribers for one session.
type session struct {
	buf     []Event // circular buffer
	pos     int     // next write position
	clients map[chan Event]struct{}
	done    bool
}

// events returns the buffered events in order from oldest to newest.
func (s *session) events() []Event {
	n := len(s.buf)
	if n == 0 || s.pos == 0 {
		return s.buf
	}
	out := make([]Event, n)
	copy(out, s.buf[s.pos:])
	copy(out[n-s.pos:], s.buf[:s.pos])
	return out
}

func (s *session) append(e Event) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, e)
	} else {
		s.buf[s.pos] = e
	}
	s.pos = (s.pos + 1) % cap(s.buf)
}

// Bus fans out events to per-session subscribers.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{sessions: make(map[string]*session)}
}

func (b *Bus) getOrCreate(id string) *session {
	s, ok := b.sessions[id]
	if !ok {
		s = &session{
			buf:     make([]Event, 0, defaultBufferCap),
			clients: make(map[chan Event]struct{}),
		}
		b.sessions[id] = s
	}
	return s
}

// Publish sends an event to all current subscribers of the session and
// appends it to the replay buffer. Non-blocking: a slow consumer cannot
// stall the runner.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(e.SessionID)
	if s.done {
		return
	}
	s.append(e)
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events for the session
// and an unsubscribe function. Buffered history is replayed first. If
// the session is already done, the channel is closed after replay.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(sessionID)
	ch := make(chan Event, defaultBufferCap+64)
	for _, e := range s.events() {
		ch <- e
	}
	if s.done {
		close(ch)
		return ch, func() {}
	}
	s.clients[ch] = struct{}{}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(s.clients, ch)
	}
	return ch, unsubscribe
}

// Close marks the session done and closes all subscriber channels.
// Subsequent publishes for this session are no-ops.
func (b *Bus) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	s.done = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = nil
}

// Remove deletes a session entirely, freeing its buffer memory.
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for ch := range s.clients {
		close(ch)
	}
	delete(b.sessions, sessionID)
}
