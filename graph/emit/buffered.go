package emit

import "sync"

// BufferedEmitter retains every event in memory, grouped by thread, for
// post-run inspection. Intended for tests, debugging, and short-lived runs;
// it never evicts, so memory grows with history.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of a thread's history. Zero-valued fields
// do not filter; set fields combine with AND.
type HistoryFilter struct {
	Node    string
	Type    Type
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Thread] = append(b.events[event.Thread], event)
}

// History returns the events recorded for a thread in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) History(thread string) []Event {
	return b.HistoryWithFilter(thread, HistoryFilter{})
}

// HistoryWithFilter returns the thread's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(thread string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[thread] {
		if matches(ev, filter) {
			out = append(out, ev)
		}
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

func matches(ev Event, f HistoryFilter) bool {
	if f.Node != "" && ev.Node != f.Node {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.MinStep != nil && ev.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && ev.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear drops the history of one thread, or of every thread when the
// argument is empty.
func (b *BufferedEmitter) Clear(thread string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if thread == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, thread)
}
