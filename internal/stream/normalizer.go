// Package stream turns provider-native SSE streams into canonical deltas.
//
// A Normalizer owns one upstream response body. It reads raw frames,
// reassembles complete SSE events (an event may span frames, a frame may
// hold several events), asks a provider-specific Decoder to classify each
// event and emits canonical deltas in parse order.
//
// State machine:
//
//	Open ──content──▶ Emitting ──finish/done──▶ Closed(Ok)
//	  │                  │
//	  └──error/EOF/cancel┴──────────────────────▶ Closed(Err)
//
// Closed(Ok) is reported to the caller as io.EOF after the terminal delta.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// State is the normalizer lifecycle state.
type State int

const (
	StateOpen State = iota
	StateEmitting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Kind is the classification a Decoder assigns to an event.
type Kind int

const (
	KindContent Kind = iota + 1
	KindMetadata
	KindFinish
	KindError
	KindHeartbeat
	KindDone
)

// Classified is a decoded provider event.
type Classified struct {
	Kind         Kind
	Index        int
	Content      string
	FinishReason string
	// Usage carries counters reported by the provider; zero fields are
	// left untouched when merged.
	Usage *providers.Usage
	// Message and Status describe a KindError event.
	Message string
	Status  int
}

// Decoder classifies provider-native events. A returned error means the
// event could not be parsed.
type Decoder interface {
	Decode(ev Event) (Classified, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ev Event) (Classified, error)

func (f DecoderFunc) Decode(ev Event) (Classified, error) { return f(ev) }

const defaultFrameSize = 4 << 10

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithProvider tags errors with the upstream provider.
func WithProvider(id providers.ID) Option {
	return func(n *Normalizer) { n.provider = id }
}

// WithIdleTimeout aborts the stream when no frame arrives within d.
func WithIdleTimeout(d time.Duration) Option {
	return func(n *Normalizer) { n.idle = d }
}

// WithFrameSize sets the read buffer size.
func WithFrameSize(size int) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.frame = make([]byte, size)
		}
	}
}

// Normalizer implements providers.Stream. Next must be called from a
// single goroutine; Close may be called from any goroutine.
type Normalizer struct {
	body     io.ReadCloser
	dec      Decoder
	provider providers.ID
	idle     time.Duration
	frame    []byte

	split splitter
	queue []providers.Delta
	state State
	err   error
	eof   bool

	prompt     int
	completion int

	closeOnce      sync.Once
	cancelled      atomic.Bool
	timedOut       atomic.Bool
	closedByCaller atomic.Bool
}

// New wraps body. The Normalizer takes ownership and closes body when the
// stream finishes, fails or is closed.
func New(body io.ReadCloser, dec Decoder, opts ...Option) *Normalizer {
	n := &Normalizer{
		body:  body,
		dec:   dec,
		frame: make([]byte, defaultFrameSize),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// State returns the current state.
func (n *Normalizer) State() State { return n.state }

// Err returns the terminal error of a Closed(Err) stream.
func (n *Normalizer) Err() error { return n.err }

// Usage returns the token counters reported by the provider so far.
func (n *Normalizer) Usage() providers.Usage {
	return providers.NewUsage(n.prompt, n.completion)
}

// Close aborts the stream and releases the upstream connection.
func (n *Normalizer) Close() error {
	n.closedByCaller.Store(true)
	n.closeBody()
	return nil
}

func (n *Normalizer) closeBody() {
	n.closeOnce.Do(func() {
		_ = n.body.Close()
	})
}

// Next returns the next canonical delta, io.EOF after the terminal delta,
// or the error that closed the stream.
func (n *Normalizer) Next(ctx context.Context) (providers.Delta, error) {
	for {
		if len(n.queue) > 0 {
			d := n.queue[0]
			n.queue = n.queue[1:]
			return d, nil
		}
		if n.state == StateClosed {
			if n.err != nil {
				return providers.Delta{}, n.err
			}
			return providers.Delta{}, io.EOF
		}
		if ctx.Err() != nil {
			n.fail(n.interruption(ctx))
			continue
		}
		if ev, ok := n.split.next(); ok {
			n.handle(ev)
			continue
		}
		if n.eof {
			n.finishTransport(ctx)
			continue
		}
		n.read(ctx)
	}
}

func (n *Normalizer) read(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		n.cancelled.Store(true)
		n.closeBody()
	})
	defer stop()

	if n.idle > 0 {
		t := time.AfterFunc(n.idle, func() {
			n.timedOut.Store(true)
			n.closeBody()
		})
		defer t.Stop()
	}

	nr, err := n.body.Read(n.frame)
	if nr > 0 {
		n.split.write(n.frame[:nr])
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && !n.interrupted(ctx):
		n.eof = true
	default:
		if n.interrupted(ctx) {
			n.fail(n.interruption(ctx))
			return
		}
		n.fail(providers.Unavailable(n.provider, fmt.Errorf("read stream: %w", err)))
	}
}

// finishTransport handles the end of the upstream body. A trailing event
// without a blank line is still parsed; ending without a terminal event is
// an abnormal termination.
func (n *Normalizer) finishTransport(ctx context.Context) {
	if n.split.pending() {
		n.split.write([]byte("\n\n"))
		if ev, ok := n.split.next(); ok {
			n.handle(ev)
			if n.state == StateClosed || len(n.queue) > 0 {
				return
			}
		}
	}
	if n.interrupted(ctx) {
		n.fail(n.interruption(ctx))
		return
	}
	n.fail(providers.Unavailable(n.provider, errors.New("stream ended before completion")))
}

func (n *Normalizer) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || n.cancelled.Load() || n.timedOut.Load() || n.closedByCaller.Load()
}

// interruption builds the error for a stream aborted from our side. Timeouts
// before the first delta are upstream failures; after it the partial output
// stands and the stream is treated as cancelled.
func (n *Normalizer) interruption(ctx context.Context) error {
	timeout := n.timedOut.Load() || errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case timeout && n.state == StateOpen:
		return providers.Unavailable(n.provider, fmt.Errorf("upstream idle timeout: %w", context.DeadlineExceeded))
	case timeout:
		return providers.Cancelled(n.provider, "upstream idle timeout")
	default:
		return providers.Cancelled(n.provider, "client cancelled")
	}
}

func (n *Normalizer) handle(ev Event) {
	if ev.Name == "" && len(ev.Data) == 0 {
		return // comment-only keep-alive
	}
	c, err := n.dec.Decode(ev)
	if err != nil {
		n.fail(providers.Malformed(n.provider, err))
		return
	}
	if c.Usage != nil {
		if c.Usage.PromptTokens > 0 {
			n.prompt = c.Usage.PromptTokens
		}
		if c.Usage.CompletionTokens > 0 {
			n.completion = c.Usage.CompletionTokens
		}
	}

	switch c.Kind {
	case KindContent:
		if c.Content == "" {
			return
		}
		n.state = StateEmitting
		n.queue = append(n.queue, providers.Delta{Index: c.Index, Content: c.Content})
	case KindFinish, KindDone:
		reason := c.FinishReason
		if reason == "" {
			reason = providers.FinishStop
		}
		n.queue = append(n.queue, providers.Delta{Index: c.Index, Content: c.Content, FinishReason: reason})
		n.state = StateClosed
		n.closeBody()
	case KindError:
		status := c.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		n.fail(providers.Rejected(n.provider, status, c.Message))
	case KindMetadata, KindHeartbeat:
	default:
		n.fail(providers.Malformed(n.provider, fmt.Errorf("unclassified event %q", ev.Name)))
	}
}

func (n *Normalizer) fail(err error) {
	if n.state == StateClosed {
		return
	}
	n.state = StateClosed
	n.err = err
	n.closeBody()
}
