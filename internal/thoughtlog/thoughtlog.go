package thoughtlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Thought categories. These mirror the phases of a research run so an
// observer can follow what each agent is doing.
const (
	CategoryPlanning     = "planning"
	CategorySearching    = "searching"
	CategoryAnalyzing    = "analyzing"
	CategorySynthesizing = "synthesizing"
	CategoryEvaluating   = "evaluating"
	CategoryDeciding     = "deciding"
	CategoryError        = "error"
	CategoryInfo         = "info"
)

// ThoughtEvent is one appended record of agent reasoning or a run decision.
type ThoughtEvent struct {
	RunID     uuid.UUID              `json:"run_id"`
	AgentID   string                 `json:"agent_id"`
	Category  string                 `json:"category"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e ThoughtEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Log is an append-only, concurrency-safe record of thought events with
// in-memory pub/sub and a per-run ring buffer for replay. One instance is
// constructed per process and shared by reference; appends never block on
// slow readers.
type Log struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan ThoughtEvent]struct{}
	history     map[uuid.UUID]*ring
	capacity    int
	sink        func(ThoughtEvent)
}

const defaultCapacity = 1024

// New creates a thought log with the given per-run replay capacity.
// Non-positive capacity falls back to the default.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		subscribers: make(map[uuid.UUID]map[chan ThoughtEvent]struct{}),
		history:     make(map[uuid.UUID]*ring),
		capacity:    capacity,
	}
}

// Append records an event, assigns its sequence number, and fans it out to
// subscribers. The event's own timestamp is preserved; a zero timestamp is
// stamped with the current time.
func (l *Log) Append(evt ThoughtEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	l.mu.Lock()
	rg := l.history[evt.RunID]
	if rg == nil {
		rg = newRing(l.capacity)
		l.history[evt.RunID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := l.subscribers[evt.RunID]
	sink := l.sink
	l.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	if sink != nil {
		sink(evt)
	}
}

// Tap installs a sink invoked with every appended event, after its sequence
// number is assigned. One sink per log; it must not block, so archival sinks
// should hand events off to their own queue.
func (l *Log) Tap(sink func(ThoughtEvent)) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Subscribe adds a subscriber channel for a run; the caller must drain it
// and call Unsubscribe when done.
func (l *Log) Subscribe(runID uuid.UUID, buffer int) chan ThoughtEvent {
	ch := make(chan ThoughtEvent, buffer)
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.subscribers[runID]
	if subs == nil {
		subs = make(map[chan ThoughtEvent]struct{})
		l.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (l *Log) Unsubscribe(runID uuid.UUID, ch chan ThoughtEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if subs, ok := l.subscribers[runID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(l.subscribers, runID)
		}
	}
}

// Filter narrows a replay to matching categories and/or agents. Zero-value
// fields match everything.
type Filter struct {
	Categories []string
	AgentID    string
}

// Match reports whether the event passes the filter.
func (f Filter) Match(e ThoughtEvent) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if e.Category == c {
			return true
		}
	}
	return false
}

// ReplaySince returns events with Seq > since, best effort within ring
// capacity. It never blocks: an empty tail returns immediately.
func (l *Log) ReplaySince(runID uuid.UUID, since uint64, f Filter) []ThoughtEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rg := l.history[runID]
	if rg == nil {
		return nil
	}
	out := make([]ThoughtEvent, 0, rg.count)
	for _, ev := range rg.all() {
		if ev.Seq > since && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Summary counts recorded events for a run by category and agent.
type Summary struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByAgent    map[string]int `json:"by_agent"`
}

// Summarize tallies everything still held in the run's replay window.
func (l *Log) Summarize(runID uuid.UUID) Summary {
	s := Summary{ByCategory: make(map[string]int), ByAgent: make(map[string]int)}
	for _, ev := range l.ReplaySince(runID, 0, Filter{}) {
		s.Total++
		s.ByCategory[ev.Category]++
		s.ByAgent[ev.AgentID]++
	}
	return s
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []ThoughtEvent
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]ThoughtEvent, capacity)} }

func (r *ring) push(e ThoughtEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) all() []ThoughtEvent {
	out := make([]ThoughtEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
