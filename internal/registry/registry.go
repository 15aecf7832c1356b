// Package registry bridges listener-based sources into streams.
//
// A continuous source keeps a set of listeners and calls every one of them
// for each event until the listener is unregistered. Observe gives each
// subscription its own listener: it is registered before Subscribe returns
// and unregistered exactly once when the subscription ends.
package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/id/uuid"
	"github.com/JakeFAU/storebridge/internal/stream"
)

// Source is a continuous source that accepts listeners of type L.
type Source[L any] interface {
	Register(listener L)
	Unregister(listener L)
}

// SourceFuncs adapts a pair of functions to Source.
type SourceFuncs[L any] struct {
	RegisterFunc   func(L)
	UnregisterFunc func(L)
}

// Register calls RegisterFunc.
func (s SourceFuncs[L]) Register(listener L) {
	if s.RegisterFunc != nil {
		s.RegisterFunc(listener)
	}
}

// Unregister calls UnregisterFunc.
func (s SourceFuncs[L]) Unregister(listener L) {
	if s.UnregisterFunc != nil {
		s.UnregisterFunc(listener)
	}
}

// IDGenerator produces handle identifiers.
type IDGenerator interface {
	MustNewID() string
}

// Handle is the identity behind one registered listener. Listeners forward
// their callbacks through it.
type Handle[T any] struct {
	id       string
	sink     stream.Sink[T]
	released atomic.Bool
	logger   *zap.Logger
}

// ID returns the handle identifier used in logs.
func (h *Handle[T]) ID() string {
	return h.id
}

// Forward emits values in order. Values forwarded after the subscription
// ended are dropped.
func (h *Handle[T]) Forward(values ...T) {
	for _, v := range values {
		if h.released.Load() {
			h.logger.Debug("listener callback after unregister", zap.String("handle_id", h.id))
			return
		}
		h.sink.Emit(v)
	}
}

// Option configures Observe.
type Option func(*options)

type options struct {
	name    string
	logger  *zap.Logger
	monitor stream.Monitor
	ids     IDGenerator
}

// WithName labels the stream in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMonitor attaches a stream monitor.
func WithMonitor(m stream.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithIDGenerator replaces the default UUID v7 handle IDs.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *options) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// Observe returns a cold stream over src. For every subscription a fresh
// Handle is created, bind wraps it in a listener, and the listener is
// registered synchronously. The stream never terminates on its own.
func Observe[L, T any](src Source[L], bind func(*Handle[T]) L, opts ...Option) stream.Stream[T] {
	o := &options{
		name:   "registry",
		logger: zap.NewNop(),
		ids:    uuid.NewWithPrefix("lst_"),
	}
	for _, opt := range opts {
		opt(o)
	}
	streamOpts := []stream.Option{
		stream.WithName(o.name),
		stream.WithLogger(o.logger),
		stream.WithMonitor(o.monitor),
	}
	if src == nil || bind == nil {
		return stream.Failed[T](ErrNoSource, streamOpts...)
	}
	return stream.Create(func(sink stream.Sink[T]) stream.Resource {
		h := &Handle[T]{
			id:     o.ids.MustNewID(),
			sink:   sink,
			logger: o.logger,
		}
		listener := bind(h)
		src.Register(listener)
		o.logger.Debug("listener registered", zap.String("stream", o.name), zap.String("handle_id", h.id))
		return &registration[L, T]{
			src:      src,
			listener: listener,
			handle:   h,
			name:     o.name,
			logger:   o.logger,
		}
	}, streamOpts...)
}

// registration is the subscription-owned resource that unregisters the listener.
type registration[L, T any] struct {
	src      Source[L]
	listener L
	handle   *Handle[T]
	name     string
	logger   *zap.Logger
	once     sync.Once
}

func (r *registration[L, T]) Release() {
	r.once.Do(func() {
		r.handle.released.Store(true)
		r.src.Unregister(r.listener)
		r.logger.Debug("listener unregistered",
			zap.String("stream", r.name),
			zap.String("handle_id", r.handle.id),
		)
	})
}
