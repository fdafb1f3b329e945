package tracing

import (
	"testing"
	"time"
)

func TestParseTraceparent_Valid(t *testing.T) {
	raw := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	tp, err := ParseTraceparent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q", tp.TraceID)
	}
	if tp.ParentID != "00f067aa0ba902b7" {
		t.Errorf("parent id = %q", tp.ParentID)
	}
}

func TestParseTraceparent_WrongFieldCount(t *testing.T) {
	if _, err := ParseTraceparent("00-abc-def"); err == nil {
		t.Fatal("expected error for malformed traceparent")
	}
}

func TestParseTraceparent_NonHex(t *testing.T) {
	raw := "00-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-00f067aa0ba902b7-01"
	if _, err := ParseTraceparent(raw); err == nil {
		t.Fatal("expected error for non-hex trace id")
	}
}

func TestBuffer_DropsOldestWhenFull(t *testing.T) {
	b := NewBuffer(2)
	b.Push(NewTraceData())
	b.Push(NewTraceData())
	b.Push(NewTraceData())

	if b.Len() != 2 {
		t.Errorf("len = %d, want 2", b.Len())
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBuffer_DrainEmptiesQueue(t *testing.T) {
	b := NewBuffer(5)
	b.Push(NewTraceData())
	b.Push(NewTraceData())

	batches := b.Drain()
	if len(batches) != 2 {
		t.Fatalf("drained %d, want 2", len(batches))
	}
	if b.Len() != 0 {
		t.Errorf("len after drain = %d, want 0", b.Len())
	}
}

func TestSpan_AttributesAndEvents(t *testing.T) {
	start := time.Unix(0, 0)
	end := start.Add(100 * time.Millisecond)
	s := NewSpan("egress_traffic", "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7", start, end)
	s.AddAttribute("model", "gpt-4o")
	s.AddEvent(Event{Name: "time_to_first_token", At: start.Add(20 * time.Millisecond)})

	if s.Attributes["model"] != "gpt-4o" {
		t.Errorf("attribute missing")
	}
	if len(s.Events) != 1 || s.Events[0].Name != "time_to_first_token" {
		t.Errorf("event missing or wrong: %#v", s.Events)
	}
}
