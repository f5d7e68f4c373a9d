package idempotency

import (
	"context"
	"sync"
)

// BufferedSink wraps an AuditSink with a bounded channel and a background
// drain goroutine, so a slow downstream sink (a remote log shipper, a
// database insert) does not add its latency to Execute. Per spec.md §9 it
// still swallows sink failures; a full buffer drops the event rather than
// blocking the caller, since audit delivery is explicitly best-effort once
// handed to this wrapper.
type BufferedSink struct {
	next   AuditSink
	events chan bufferedEvent
	done   chan struct{}
	once   sync.Once
}

type bufferedEvent struct {
	ctx   context.Context
	event Event
}

// NewBufferedSink starts a background goroutine draining into next and
// returns a BufferedSink whose Sink method is suitable for use as
// Config.OnAudit or Options.OnAudit. capacity bounds how many events may be
// queued before new events are dropped.
func NewBufferedSink(next AuditSink, capacity int) *BufferedSink {
	if capacity <= 0 {
		capacity = 256
	}
	b := &BufferedSink{
		next:   next,
		events: make(chan bufferedEvent, capacity),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Sink is the AuditSink function to pass to the engine.
func (b *BufferedSink) Sink(ctx context.Context, event Event) {
	select {
	case b.events <- bufferedEvent{ctx: ctx, event: event}:
	default:
		// Buffer full: drop rather than block the caller's Execute path.
	}
}

func (b *BufferedSink) drain() {
	for {
		select {
		case item := <-b.events:
			b.emit(item)
		case <-b.done:
			// Drain whatever is left without blocking further.
			for {
				select {
				case item := <-b.events:
					b.emit(item)
				default:
					return
				}
			}
		}
	}
}

func (b *BufferedSink) emit(item bufferedEvent) {
	defer func() {
		_ = recover()
	}()
	if b.next != nil {
		b.next(item.ctx, item.event)
	}
}

// Close signals the drain goroutine to deliver any events still buffered
// and then exit. It returns without waiting for that delivery to finish.
func (b *BufferedSink) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
