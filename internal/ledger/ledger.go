// Package ledger keeps a bounded, in-memory record of proxied LLM calls.
//
// The ledger is a fixed-capacity ring buffer: appending to a full ledger
// evicts the oldest record. Records are immutable once added. Readers copy
// pointers under a read lock and do all filtering and aggregation outside
// it, so writers are never held up by a slow List or Stats caller.
package ledger

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity is the number of most-recent records kept by default.
const DefaultCapacity = 1000

// Status filter values for Query.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one proxied exchange.
type Record struct {
	ID           string            `json:"id"`
	Seq          uint64            `json:"seq"`
	RequestID    string            `json:"request_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Model        *string           `json:"model"`
	Provider     string            `json:"provider,omitempty"`
	Stream       bool              `json:"stream"`
	StatusCode   int               `json:"status_code"`
	DurationMS   float64           `json:"duration_ms"`
	Headers      map[string]string `json:"headers,omitempty"`
	RequestBody  json.RawMessage   `json:"request_body"`
	ResponseBody json.RawMessage   `json:"response_body"`
	Error        *string           `json:"error"`
}

// IsError reports whether the record counts as a failed call.
func (r *Record) IsError() bool { return r.StatusCode >= 400 }

// Query filters List results. Zero values mean "no filter"; Limit <= 0
// returns every match.
type Query struct {
	Limit  int
	Offset int
	Model  string
	Status string
}

// Stats is an aggregate view over the current ledger contents.
type Stats struct {
	TotalCalls        int            `json:"total_calls"`
	ErrorRate         float64        `json:"error_rate"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
	PerModelCounts    map[string]int `json:"model_stats"`
	PerProviderCounts map[string]int `json:"provider_stats"`
	LastCallTime      *time.Time     `json:"last_call_time"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	buf     []*Record
	head    int // index of the oldest record
	size    int
	nextSeq uint64

	onEvict func(Record)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEvictHook registers fn to run (outside the lock) for every evicted record.
func WithEvictHook(fn func(Record)) Option {
	return func(l *Ledger) { l.onEvict = fn }
}

// New creates a Ledger holding at most capacity records. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{buf: make([]*Record, capacity)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Capacity returns the maximum number of records kept.
func (l *Ledger) Capacity() int { return len(l.buf) }

// Len returns the current number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Add appends rec, assigning its sequence number, and returns the stored copy.
func (l *Ledger) Add(rec Record) Record {
	stored := rec
	var evicted *Record

	l.mu.Lock()
	l.nextSeq++
	stored.Seq = l.nextSeq
	p := &stored
	if l.size < len(l.buf) {
		l.buf[(l.head+l.size)%len(l.buf)] = p
		l.size++
	} else {
		evicted = l.buf[l.head]
		l.buf[l.head] = p
		l.head = (l.head + 1) % len(l.buf)
	}
	l.mu.Unlock()

	if evicted != nil && l.onEvict != nil {
		l.onEvict(*evicted)
	}
	return stored
}

// snapshot returns the records newest first.
func (l *Ledger) snapshot() []*Record {
	l.mu.RLock()
	out := make([]*Record, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+l.size-1-i)%len(l.buf)]
	}
	l.mu.RUnlock()
	return out
}

// List returns matching records, most recent first. Filters are applied
// before Offset and Limit. The result is never nil.
func (l *Ledger) List(q Query) []Record {
	all := l.snapshot()
	out := make([]Record, 0, min(len(all), max(q.Limit, 0)))
	skipped := 0
	for _, r := range all {
		if !matches(r, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, *r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func matches(r *Record, q Query) bool {
	if q.Model != "" && (r.Model == nil || *r.Model != q.Model) {
		return false
	}
	switch q.Status {
	case StatusSuccess:
		return !r.IsError()
	case StatusError:
		return r.IsError()
	}
	return true
}

// Get returns the record with the given id.
func (l *Ledger) Get(id string) (Record, bool) {
	for _, r := range l.snapshot() {
		if r.ID == id {
			return *r, true
		}
	}
	return Record{}, false
}

// Stats aggregates the current contents.
func (l *Ledger) Stats() Stats {
	all := l.snapshot()
	st := Stats{
		TotalCalls:        len(all),
		PerModelCounts:    make(map[string]int),
		PerProviderCounts: make(map[string]int),
	}
	if len(all) == 0 {
		return st
	}

	var errs int
	var total float64
	for _, r := range all {
		if r.IsError() {
			errs++
		}
		total += r.DurationMS
		if r.Model != nil {
			st.PerModelCounts[*r.Model]++
		}
		if r.Provider != "" {
			st.PerProviderCounts[r.Provider]++
		}
	}
	st.ErrorRate = float64(errs) / float64(len(all))
	st.AvgDurationMS = total / float64(len(all))
	last := all[0].Timestamp
	st.LastCallTime = &last
	return st
}

// Clear atomically removes every record. Sequence numbers keep increasing.
func (l *Ledger) Clear() {
	l.mu.Lock()
	for i := range l.buf {
		l.buf[i] = nil
	}
	l.head = 0
	l.size = 0
	l.mu.Unlock()
}
