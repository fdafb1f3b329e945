// Package tracing implements the gateway's minimal W3C-traceparent-based
// span buffer: parsing the inbound "traceparent" header, building spans
// from it, and queuing them for export.
//
// Grounded on the TraceData/Span/Event construction in
// llm_gateway/src/stream_context.rs: one span per egress/ingress leg,
// tagged with the trace and parent IDs lifted from the request's
// traceparent header, carrying a handful of string attributes and
// point-in-time events (time_to_first_token being the one the egress
// filter always adds).
package tracing

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Traceparent is a parsed W3C traceparent header:
// "{version}-{trace-id}-{parent-id}-{flags}".
type Traceparent struct {
	Version  string
	TraceID  string
	ParentID string
	Flags    string
}

// ParseTraceparent parses a raw "traceparent" header value. Returns an
// error if the header doesn't have exactly 4 hyphen-separated fields of
// the expected hex lengths (2/32/16/2 hex digits).
func ParseTraceparent(raw string) (Traceparent, error) {
	parts := strings.Split(raw, "-")
	if len(parts) != 4 {
		return Traceparent{}, fmt.Errorf("traceparent: expected 4 fields, got %d", len(parts))
	}
	tp := Traceparent{Version: parts[0], TraceID: parts[1], ParentID: parts[2], Flags: parts[3]}

	lengths := []struct {
		name string
		val  string
		want int
	}{
		{"version", tp.Version, 2},
		{"trace-id", tp.TraceID, 32},
		{"parent-id", tp.ParentID, 16},
		{"flags", tp.Flags, 2},
	}
	for _, f := range lengths {
		if len(f.val) != f.want {
			return Traceparent{}, fmt.Errorf("traceparent: %s field must be %d hex chars, got %d", f.name, f.want, len(f.val))
		}
		if _, err := hex.DecodeString(f.val); err != nil {
			return Traceparent{}, fmt.Errorf("traceparent: %s field is not valid hex: %w", f.name, err)
		}
	}
	return tp, nil
}

// Event is a single point-in-time marker within a span, e.g.
// time_to_first_token.
type Event struct {
	Name string
	At   time.Time
}

// Span covers one unit of work — here always one egress or ingress leg —
// tagged with the trace/parent IDs it was issued under.
type Span struct {
	Name       string
	TraceID    string
	ParentID   string
	Start      time.Time
	End        time.Time
	Attributes map[string]string
	Events     []Event
}

// NewSpan builds a Span with the given name and parentage, covering
// [start, end).
func NewSpan(name, traceID, parentID string, start, end time.Time) *Span {
	return &Span{
		Name:       name,
		TraceID:    traceID,
		ParentID:   parentID,
		Start:      start,
		End:        end,
		Attributes: make(map[string]string),
	}
}

func (s *Span) AddAttribute(key, value string) {
	s.Attributes[key] = value
}

func (s *Span) AddEvent(e Event) {
	s.Events = append(s.Events, e)
}

// TraceData is a batch of spans queued for one export cycle.
type TraceData struct {
	Spans []*Span
}

func NewTraceData() *TraceData { return &TraceData{} }

func (t *TraceData) AddSpan(s *Span) { t.Spans = append(t.Spans, s) }

// Buffer is a bounded, mutex-guarded FIFO queue of TraceData batches.
// Filters push to it from request-handling goroutines; an exporter (not
// modeled here — tracing export is out of scope) drains it. Pushing to a
// full buffer drops the oldest entry rather than blocking the producer:
// tracing must never add backpressure to the request path.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []*TraceData
	dropped  int
}

// NewBuffer creates a Buffer holding at most capacity batches.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

// Push enqueues a batch, dropping the oldest if the buffer is full.
func (b *Buffer) Push(t *TraceData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, t)
}

// Drain removes and returns every batch currently queued.
func (b *Buffer) Drain() []*TraceData {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Dropped returns the number of batches dropped for capacity so far.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of batches currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
