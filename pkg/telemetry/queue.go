package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Publisher is the subset of the webhook client the queue drainer needs.
// Satisfied by pkg/webhook.Client.
type Publisher interface {
	Publish(kind Kind, payload any) error
	PublishCodexEventsBulk(items []CodexEventItem) error
}

// Queue is the bounded multi-producer, single-consumer event queue
// (process-safe in the source; here a buffered channel shared by every
// producer goroutine and drained by exactly one consumer goroutine).
type Queue struct {
	ch chan PersistableEvent

	batchMaxSize int
	batchMaxAge  time.Duration
}

// NewQueue creates a queue with the given channel capacity and Codex-event
// batching thresholds.
func NewQueue(capacity, batchMaxSize int, batchMaxAge time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if batchMaxSize <= 0 {
		batchMaxSize = 200
	}
	if batchMaxAge <= 0 {
		batchMaxAge = 30 * time.Second
	}
	return &Queue{
		ch:           make(chan PersistableEvent, capacity),
		batchMaxSize: batchMaxSize,
		batchMaxAge:  batchMaxAge,
	}
}

// Emit is the non-blocking producer-side call (put_nowait): on a full
// queue it logs a warning and drops the event, since telemetry is
// best-effort and must never back-pressure the caller.
func (q *Queue) Emit(e PersistableEvent) {
	select {
	case q.ch <- e:
	default:
		slog.Warn("telemetry queue full, dropping event", "kind", e.Kind)
	}
}

// Run drains the queue until ctx is cancelled, dispatching non-Codex
// events one at a time and batching Codex events behind a size/age bound.
// It is meant to run as the single consumer goroutine started from main.
func (q *Queue) Run(ctx context.Context, pub Publisher) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var batch []CodexEventItem
	batchStart := time.Now()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := batch
		batch = nil
		if err := pub.PublishCodexEventsBulk(items); err != nil {
			slog.Warn("failed to publish codex event batch", "count", len(items), "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			if len(batch) > 0 && time.Since(batchStart) >= q.batchMaxAge {
				flush()
				batchStart = time.Now()
			}
		case e := <-q.ch:
			if e.IsCodexEvent() {
				item, ok := e.Data.(CodexEventItem)
				if !ok {
					slog.Warn("codex event with unexpected payload type, dropping")
					continue
				}
				if len(batch) == 0 {
					batchStart = time.Now()
				}
				batch = append(batch, item)
				if len(batch) >= q.batchMaxSize {
					flush()
					batchStart = time.Now()
				}
				continue
			}
			kind, data := e.Kind, e.Data
			go func() {
				if err := pub.Publish(kind, data); err != nil {
					slog.Warn("failed to publish event", "kind", kind, "error", err)
				}
			}()
		}
	}
}
