package testutil

import (
	"sync"

	"github.com/truffle-ai/saiki-sub003/core"
)

// RecordingSink captures emitted events for assertions. Safe for concurrent
// use.
type RecordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// Sink returns the core.EventSink to pass into an engine or manager.
func (r *RecordingSink) Sink() core.EventSink {
	return func(ev core.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

// Events returns a copy of all captured events in emission order.
func (r *RecordingSink) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the captured event kinds in emission order.
func (r *RecordingSink) Kinds() []core.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]core.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
