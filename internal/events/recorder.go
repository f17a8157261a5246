package events

import "sync"

// Recorder is a Publisher that keeps every event, for tests and the CLI run command
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records ev
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout publishes every event to each of its publishers in order
type Fanout []Publisher

// Publish forwards ev to every publisher
func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}
