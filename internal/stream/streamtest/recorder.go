// Package streamtest provides helpers for asserting on stream subscriptions in tests.
package streamtest

import (
	"sync"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// Event is one recorded callback.
type Event[T any] struct {
	Kind  stream.Kind
	Value T
	Err   error
}

// Recorder captures every callback a subscription receives, in order.
type Recorder[T any] struct {
	mu     sync.Mutex
	events []Event[T]
}

// NewRecorder returns an empty Recorder.
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{}
}

// Subscribe subscribes the recorder to s.
func (r *Recorder[T]) Subscribe(s stream.Stream[T]) *stream.Subscription {
	return s.Subscribe(r.OnValue, r.OnComplete, r.OnError)
}

// OnValue records a value.
func (r *Recorder[T]) OnValue(v T) {
	r.record(Event[T]{Kind: stream.KindValue, Value: v})
}

// OnComplete records a completion.
func (r *Recorder[T]) OnComplete() {
	r.record(Event[T]{Kind: stream.KindComplete})
}

// OnError records a failure.
func (r *Recorder[T]) OnError(err error) {
	r.record(Event[T]{Kind: stream.KindError, Err: err})
}

func (r *Recorder[T]) record(evt Event[T]) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder[T]) Events() []Event[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event[T](nil), r.events...)
}

// Values returns the recorded values.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, evt := range r.events {
		if evt.Kind == stream.KindValue {
			out = append(out, evt.Value)
		}
	}
	return out
}

// Kinds returns the kind of every recorded event.
func (r *Recorder[T]) Kinds() []stream.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Kind, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Kind)
	}
	return out
}

// Terminations counts recorded completions and failures.
func (r *Recorder[T]) Terminations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind != stream.KindValue {
			n++
		}
	}
	return n
}

// Completed reports whether a completion was recorded.
func (r *Recorder[T]) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range r.events {
		if evt.Kind == stream.KindComplete {
			return true
		}
	}
	return false
}

// Err returns the recorded failure, if any.
func (r *Recorder[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range r.events {
		if evt.Kind == stream.KindError {
			return evt.Err
		}
	}
	return nil
}

// Monitor is a stream.Monitor that counts lifecycle calls.
type Monitor struct {
	mu           sync.Mutex
	subscribed   map[string]int
	unsubscribed map[string]int
	delivered    map[stream.Kind]int
	dropped      map[stream.Kind]int
}

// NewMonitor returns an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		subscribed:   map[string]int{},
		unsubscribed: map[string]int{},
		delivered:    map[stream.Kind]int{},
		dropped:      map[stream.Kind]int{},
	}
}

// Subscribed implements stream.Monitor.
func (m *Monitor) Subscribed(name string) {
	m.mu.Lock()
	m.subscribed[name]++
	m.mu.Unlock()
}

// Unsubscribed implements stream.Monitor.
func (m *Monitor) Unsubscribed(name string) {
	m.mu.Lock()
	m.unsubscribed[name]++
	m.mu.Unlock()
}

// Delivered implements stream.Monitor.
func (m *Monitor) Delivered(_ string, kind stream.Kind) {
	m.mu.Lock()
	m.delivered[kind]++
	m.mu.Unlock()
}

// Dropped implements stream.Monitor.
func (m *Monitor) Dropped(_ string, kind stream.Kind) {
	m.mu.Lock()
	m.dropped[kind]++
	m.mu.Unlock()
}

// Active returns subscriptions started minus subscriptions ended for name.
func (m *Monitor) Active(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[name] - m.unsubscribed[name]
}

// DroppedCount returns the number of dropped events of kind.
func (m *Monitor) DroppedCount(kind stream.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[kind]
}

// DeliveredCount returns the number of delivered events of kind.
func (m *Monitor) DeliveredCount(kind stream.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered[kind]
}
