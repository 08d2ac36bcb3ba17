package stream

import "testing"

func drain(s *splitter) []Event {
	var out []Event
	for {
		ev, ok := s.next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestSplitter_EventAcrossFrames(t *testing.T) {
	var s splitter
	s.write([]byte("data: hel"))
	if evs := drain(&s); len(evs) != 0 {
		t.Fatalf("expected no event from partial frame, got %d", len(evs))
	}
	s.write([]byte("lo\n"))
	if evs := drain(&s); len(evs) != 0 {
		t.Fatalf("single newline must not complete an event, got %d", len(evs))
	}
	s.write([]byte("\n"))
	evs := drain(&s)
	if len(evs) != 1 || string(evs[0].Data) != "hello" {
		t.Fatalf("expected one event 'hello', got %+v", evs)
	}
	if s.pending() {
		t.Error("buffer should be empty")
	}
}

func TestSplitter_ManyEventsInOneFrame(t *testing.T) {
	var s splitter
	s.write([]byte("event: a\ndata: 1\n\nevent: b\ndata: 2\n\ndata: tail"))
	evs := drain(&s)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Name != "a" || string(evs[0].Data) != "1" || evs[1].Name != "b" || string(evs[1].Data) != "2" {
		t.Errorf("unexpected events: %+v", evs)
	}
	if !s.pending() {
		t.Error("tail should stay buffered")
	}
}

func TestSplitter_CRLF(t *testing.T) {
	var s splitter
	s.write([]byte("event: ping\r\ndata: {}\r\n\r\n"))
	evs := drain(&s)
	if len(evs) != 1 || evs[0].Name != "ping" || string(evs[0].Data) != "{}" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestSplitter_MultiLineDataAndComments(t *testing.T) {
	var s splitter
	s.write([]byte(": keep-alive\n\ndata: a\ndata: b\nid: 7\n\n"))
	evs := drain(&s)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Name != "" || evs[0].Data != nil {
		t.Errorf("comment block should be empty, got %+v", evs[0])
	}
	if string(evs[1].Data) != "a\nb" {
		t.Errorf("expected joined data, got %q", evs[1].Data)
	}
}

func TestParseBlock_NoSpaceAfterColon(t *testing.T) {
	ev := parseBlock([]byte("event:x\ndata:{\"a\":1}"))
	if ev.Name != "x" || string(ev.Data) != `{"a":1}` {
		t.Errorf("unexpected event: %+v", ev)
	}
}
