package stream

import (
	"bytes"
	"strings"
)

// Event is one complete Server-Sent Event.
type Event struct {
	Name string // value of the "event:" field, empty when absent
	Data []byte // "data:" lines joined with "\n"
}

// splitter accumulates raw transport frames and yields complete events.
// An event is complete once a blank line has been seen; anything after the
// last boundary stays buffered until more bytes arrive.
type splitter struct {
	buf []byte
}

func (s *splitter) write(p []byte) {
	s.buf = append(s.buf, p...)
}

// next returns the next complete event. Events with neither a name nor data
// (comment-only blocks such as ": keep-alive") are reported with ok=true and
// an empty Event so callers can treat them as heartbeats.
func (s *splitter) next() (Event, bool) {
	idx, sepLen := boundary(s.buf)
	if idx < 0 {
		return Event{}, false
	}
	block := s.buf[:idx]
	rest := s.buf[idx+sepLen:]
	ev := parseBlock(block)
	// Keep the tail without holding on to already-consumed bytes forever.
	s.buf = append(s.buf[:0:0], rest...)
	return ev, true
}

// pending reports whether unparsed bytes remain.
func (s *splitter) pending() bool {
	return len(bytes.TrimSpace(s.buf)) > 0
}

// boundary finds the first blank line. Both LF and CRLF framings are accepted.
func boundary(b []byte) (int, int) {
	best, bestLen := -1, 0
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n"), []byte("\r\r")} {
		if i := bytes.Index(b, sep); i >= 0 && (best < 0 || i < best) {
			best, bestLen = i, len(sep)
		}
	}
	return best, bestLen
}

func parseBlock(block []byte) Event {
	var ev Event
	var data []string
	lines := strings.Split(strings.ReplaceAll(string(block), "\r\n", "\n"), "\n")
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
		// id and retry are not used.
	}
	if len(data) > 0 {
		ev.Data = []byte(strings.Join(data, "\n"))
	}
	return ev
}
