package progress

import (
	"context"
	"sync"
)

// Sink consumes batches of progress events. Consume is called from the hub's
// single goroutine and should honour ctx.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Workers depend on this rather than
// the Hub so tests can record events synchronously.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Recorder keeps every emitted event in memory. It is both an Emitter and a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Consume implements Sink.
func (r *Recorder) Consume(_ context.Context, batch []Event) error {
	r.mu.Lock()
	r.events = append(r.events, batch...)
	r.mu.Unlock()
	return nil
}

// Close implements Sink.
func (r *Recorder) Close(context.Context) error { return nil }

// Events returns a snapshot.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the stages recorded for unit index in order.
func (r *Recorder) Stages(index int) []Stage {
	var out []Stage
	for _, evt := range r.Events() {
		if evt.Index == index && evt.URL != "" {
			out = append(out, evt.Stage)
		}
	}
	return out
}
