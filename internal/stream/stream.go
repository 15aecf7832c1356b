package stream

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink receives the events of one subscription. At most one of Complete or
// Fail is honoured; every call after a terminal event or after the
// subscription was cancelled is a silent no-op.
type Sink[T any] interface {
	Emit(value T)
	Complete()
	Fail(err error)
}

// Resource is the teardown handle a producer hands back to its subscription.
type Resource interface {
	Release()
}

// ReleaseFunc adapts a function to Resource.
type ReleaseFunc func()

// Release calls f.
func (f ReleaseFunc) Release() {
	if f != nil {
		f()
	}
}

// Producer starts the work behind one subscription and returns the resource
// that stops it. A producer may emit synchronously before returning.
type Producer[T any] func(sink Sink[T]) Resource

// Stream is a lazily started sequence of values that ends with at most one
// completion or failure. Any callback may be nil.
type Stream[T any] interface {
	Subscribe(onValue func(T), onComplete func(), onError func(error)) *Subscription
}

// Kind labels the events observed by a Monitor.
type Kind string

// Event kinds.
const (
	KindValue    Kind = "value"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Monitor observes subscription lifecycles. Implementations must be safe for
// concurrent use.
type Monitor interface {
	Subscribed(stream string)
	Unsubscribed(stream string)
	Delivered(stream string, kind Kind)
	Dropped(stream string, kind Kind)
}

type nopMonitor struct{}

func (nopMonitor) Subscribed(string)      {}
func (nopMonitor) Unsubscribed(string)    {}
func (nopMonitor) Delivered(string, Kind) {}
func (nopMonitor) Dropped(string, Kind)   {}

// Option configures a stream.
type Option func(*options)

type options struct {
	name    string
	logger  *zap.Logger
	monitor Monitor
}

// WithName labels the stream in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger used for lifecycle debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMonitor attaches a lifecycle monitor.
func WithMonitor(m Monitor) Option {
	return func(o *options) {
		if m != nil {
			o.monitor = m
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		name:    "stream",
		logger:  zap.NewNop(),
		monitor: nopMonitor{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Cold is a Stream that runs its producer once per subscription.
type Cold[T any] struct {
	produce Producer[T]
	opts    *options
}

// Create returns a cold stream backed by produce. Nothing runs until Subscribe.
func Create[T any](produce Producer[T], opts ...Option) *Cold[T] {
	return &Cold[T]{produce: produce, opts: newOptions(opts)}
}

// Failed returns a stream whose every subscription fails with err.
func Failed[T any](err error, opts ...Option) *Cold[T] {
	return Create(func(sink Sink[T]) Resource {
		sink.Fail(err)
		return nil
	}, opts...)
}

// Subscribe runs the producer and returns the subscription that owns its
// resource. The producer runs on the calling goroutine.
func (c *Cold[T]) Subscribe(onValue func(T), onComplete func(), onError func(error)) *Subscription {
	sub, sink := subscribe(c.opts, onValue, onComplete, onError)
	if c.produce == nil {
		return sub
	}
	sub.attach(c.produce(sink))
	return sub
}

func subscribe[T any](
	o *options,
	onValue func(T),
	onComplete func(),
	onError func(error),
) (*Subscription, *guard[T]) {
	sub := &Subscription{
		name:    o.name,
		logger:  o.logger,
		monitor: o.monitor,
		done:    make(chan struct{}),
	}
	g := &guard[T]{
		onValue:    onValue,
		onComplete: onComplete,
		onError:    onError,
		sub:        sub,
		opts:       o,
	}
	sub.stop = g.stop
	o.monitor.Subscribed(o.name)
	return sub, g
}

// Subscription represents one consumer's interest in a stream. It owns the
// producer's resource until the subscription is cancelled or the stream
// terminates, whichever happens first.
type Subscription struct {
	name    string
	logger  *zap.Logger
	monitor Monitor
	stop    func()

	mu       sync.Mutex
	resource Resource
	ended    bool

	endOnce sync.Once
	done    chan struct{}
}

// Cancel ends the subscription and releases its resource. It is safe to call
// any number of times and from any goroutine, including from inside a
// callback of the same subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.end("cancelled")
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) attach(res Resource) {
	if res == nil {
		return
	}
	s.mu.Lock()
	if !s.ended {
		s.resource = res
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	res.Release()
}

func (s *Subscription) end(reason string) {
	s.endOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.mu.Lock()
		s.ended = true
		res := s.resource
		s.resource = nil
		s.mu.Unlock()
		if res != nil {
			res.Release()
		}
		close(s.done)
		s.monitor.Unsubscribed(s.name)
		s.logger.Debug("subscription ended", zap.String("stream", s.name), zap.String("reason", reason))
	})
}

// guard is the Sink handed to producers. Values are delivered one at a time;
// the stopped flag flips exactly once, on the first terminal event or on
// cancellation.
type guard[T any] struct {
	onValue    func(T)
	onComplete func()
	onError    func(error)
	sub        *Subscription
	opts       *options

	mu      sync.Mutex
	stopped atomic.Bool
}

func (g *guard[T]) Emit(value T) {
	if g.stopped.Load() {
		g.drop(KindValue)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped.Load() {
		g.drop(KindValue)
		return
	}
	g.opts.monitor.Delivered(g.opts.name, KindValue)
	if g.onValue != nil {
		g.onValue(value)
	}
}

func (g *guard[T]) Complete() {
	if !g.terminate(KindComplete) {
		return
	}
	if g.onComplete != nil {
		g.onComplete()
	}
	g.sub.end("completed")
}

func (g *guard[T]) Fail(err error) {
	if !g.terminate(KindError) {
		return
	}
	if g.onError != nil {
		g.onError(err)
	}
	g.sub.end("failed")
}

// terminate waits for an in-flight value and reports whether the caller won
// the right to deliver the terminal event.
func (g *guard[T]) terminate(kind Kind) bool {
	g.mu.Lock()
	won := g.stopped.CompareAndSwap(false, true)
	g.mu.Unlock()
	if !won {
		g.drop(kind)
		return false
	}
	g.opts.monitor.Delivered(g.opts.name, kind)
	return true
}

func (g *guard[T]) stop() {
	g.stopped.Store(true)
}

func (g *guard[T]) drop(kind Kind) {
	g.opts.monitor.Dropped(g.opts.name, kind)
	g.opts.logger.Debug("event dropped after subscription ended",
		zap.String("stream", g.opts.name),
		zap.String("kind", string(kind)),
	)
}
