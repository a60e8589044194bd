package observability

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a lifecycle event on the timeline.
type EventType string

const (
	EventExecutionRequested EventType = "execution.requested"
	EventExecutionQueued    EventType = "execution.queued"
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventSkillLoaded        EventType = "skill.loaded"
	EventSkillReloaded      EventType = "skill.reloaded"
	EventCacheEvicted       EventType = "cache.evicted"
	EventParseFallback      EventType = "parse.fallback"
	EventPressureChanged    EventType = "memory.pressure"
)

// Event is one timeline entry. Seq increases monotonically per timeline so
// consumers can resume from where they left off.
type Event struct {
	Type      EventType      `json:"type"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	SkillName string         `json:"skillName,omitempty"`
	CallID    string         `json:"callId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Timeline is a bounded in-memory ring of lifecycle events, kept for
// debugging and the stats surface. Recording never blocks; slow
// subscribers drop events rather than stalling executions.
type Timeline struct {
	mu     sync.Mutex
	events []Event
	max    int
	seq    int64
	subs   map[int]chan Event
	nextID int
}

// DefaultTimelineSize bounds the ring.
const DefaultTimelineSize = 1024

// NewTimeline creates a timeline holding at most max events. max < 1 uses
// the default.
func NewTimeline(max int) *Timeline {
	if max < 1 {
		max = DefaultTimelineSize
	}
	return &Timeline{
		events: make([]Event, 0, max),
		max:    max,
		subs:   make(map[int]chan Event),
	}
}

// Record appends an event, stamping its sequence and timestamp. Session
// and call IDs are pulled from the context when present.
func (t *Timeline) Record(ctx context.Context, typ EventType, skillName string, fields map[string]any) Event {
	ev := Event{
		Type:      typ,
		Timestamp: time.Now(),
		SkillName: skillName,
		SessionID: GetSessionID(ctx),
		Fields:    fields,
	}
	if callID, ok := ctx.Value(ToolCallIDKey).(string); ok {
		ev.CallID = callID
	}

	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	if len(t.events) >= t.max {
		copy(t.events, t.events[1:])
		t.events[len(t.events)-1] = ev
	} else {
		t.events = append(t.events, ev)
	}
	// Deliver while holding the lock; Subscribe's cancel closes channels
	// under the same lock, so a send can never race a close. Sends are
	// non-blocking, so slow subscribers drop events instead of stalling.
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	t.mu.Unlock()
	return ev
}

// Snapshot returns a copy of the current ring, oldest first.
func (t *Timeline) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Since returns events with a sequence greater than seq.
func (t *Timeline) Since(seq int64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, ev := range t.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a channel of future events and a cancel function. The
// channel is buffered; events are dropped for subscribers that fall
// behind.
func (t *Timeline) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Len reports how many events are currently retained.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
