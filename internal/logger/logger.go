// Package logger implements a non-blocking, batched call logger.
//
// Every ledger record is mirrored as one "call" log line. Entries are written
// to an internal buffered channel and flushed in batches by a background
// goroutine, so logging never blocks the proxy hot path. If the channel fills
// up (> 10 000 entries), new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// CallLog is the log view of one ledger record.
type CallLog struct {
	ID               string
	RequestID        string
	Provider         string
	Model            string
	Path             string
	Stream           bool
	Status           int
	DurationMS       float64
	PromptTokens     int
	CompletionTokens int
	Error            string
	CreatedAt        time.Time
}

type Logger struct {
	ch        chan CallLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan CallLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. Entries logged after Close are dropped.
func (l *Logger) Log(entry CallLog) {
	select {
	case <-l.done:
		atomic.AddInt64(&l.droppedLogs, 1)
		return
	default:
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes buffered entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]CallLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []slog.Attr{
				slog.String("id", e.ID),
				slog.String("request_id", e.RequestID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("path", e.Path),
				slog.Bool("stream", e.Stream),
				slog.Int("status", e.Status),
				slog.Float64("duration_ms", e.DurationMS),
				slog.Int("prompt_tokens", e.PromptTokens),
				slog.Int("completion_tokens", e.CompletionTokens),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			level := slog.LevelInfo
			if e.Error != "" {
				attrs = append(attrs, slog.String("error", e.Error))
				level = slog.LevelWarn
			}
			l.log.LogAttrs(ctx, level, "call", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
