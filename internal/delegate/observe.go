package delegate

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/stream"
)

var (
	// ErrNoRequest is delivered when a factory returns no request.
	ErrNoRequest = errors.New("delegate: factory returned no request")
	// ErrRequestSpent is delivered to subscribers of ObserveRequest that
	// arrive after the request's one connection has ended.
	ErrRequestSpent = errors.New("delegate: request already used")
)

// Option configures Observe.
type Option func(*options)

type options struct {
	name    string
	logger  *zap.Logger
	monitor stream.Monitor
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

// Observe returns a shared stream of the values reported by requests built
// with factory. The first subscriber causes one request to be built, bridged
// and started; subscribers arriving while it runs join it. Once the request
// terminates, or every subscriber has cancelled, the next subscriber gets a
// new request.
func Observe[T any](factory func() Request[T], opts ...Option) stream.Stream[T] {
	return observe(func() (Request[T], error) {
		var req Request[T]
		if factory != nil {
			req = factory()
		}
		if req == nil {
			return nil, ErrNoRequest
		}
		return req, nil
	}, opts)
}

// ObserveRequest bridges an existing request. A delegate already assigned to
// req keeps receiving every callback after the stream's proxy. A request runs
// at most once: after its connection ends, by termination or because every
// subscriber cancelled, new subscribers fail with ErrRequestSpent.
func ObserveRequest[T any](req Request[T], opts ...Option) stream.Stream[T] {
	var used atomic.Bool
	return observe(func() (Request[T], error) {
		if req == nil {
			return nil, ErrNoRequest
		}
		if used.Swap(true) {
			return nil, ErrRequestSpent
		}
		return req, nil
	}, opts)
}

func observe[T any](connect func() (Request[T], error), opts []Option) stream.Stream[T] {
	o := &options{name: "request", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	cold := stream.Create(func(sink stream.Sink[T]) stream.Resource {
		req, err := connect()
		if err != nil {
			o.logger.Debug("request not started", zap.String("stream", o.name), zap.Error(err))
			sink.Fail(err)
			return nil
		}
		b := &binding[T]{
			req:    req,
			proxy:  Install(req, sink),
			name:   o.name,
			logger: o.logger,
		}
		o.logger.Debug("request started",
			zap.String("stream", o.name),
			zap.Bool("chained", b.proxy.Forward() != nil),
		)
		req.Start()
		return b
	},
		stream.WithName(o.name+".request"),
		stream.WithLogger(o.logger),
		stream.WithMonitor(o.monitor),
	)
	return stream.Share[T](cold,
		stream.WithName(o.name),
		stream.WithLogger(o.logger),
		stream.WithMonitor(o.monitor),
	)
}

// binding is the subscription-owned resource tying a proxy to its request.
type binding[T any] struct {
	req    Request[T]
	proxy  *Proxy[T]
	name   string
	logger *zap.Logger
	once   sync.Once
}

// Release detaches the proxy, hands the delegate slot back to the previous
// delegate when the slot still holds this proxy, and cancels the request.
// After a terminal callback this runs before the proxy forwards that callback,
// so a forwarded OnFinished or OnFailed arrives on an already cancelled request.
func (b *binding[T]) Release() {
	b.once.Do(func() {
		b.proxy.detach()
		if cur, ok := b.req.Delegate().(*Proxy[T]); ok && cur == b.proxy {
			b.req.SetDelegate(b.proxy.Forward())
		}
		b.req.Cancel()
		b.logger.Debug("request released", zap.String("stream", b.name))
	})
}
