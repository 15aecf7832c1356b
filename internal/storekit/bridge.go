package storekit

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/delegate"
	"github.com/JakeFAU/storebridge/internal/registry"
	"github.com/JakeFAU/storebridge/internal/stream"
)

// Bridge hands out streams over payment queues and product requests. It
// holds no per-stream state and is safe for concurrent use.
type Bridge struct {
	logger  *zap.Logger
	monitor stream.Monitor
	factory RequestFactory
	ids     registry.IDGenerator
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMonitor attaches a monitor to every stream the bridge creates.
func WithMonitor(m stream.Monitor) Option {
	return func(b *Bridge) { b.monitor = m }
}

// WithRequestFactory sets how Products builds its requests.
func WithRequestFactory(f RequestFactory) Option {
	return func(b *Bridge) {
		if f != nil {
			b.factory = f
		}
	}
}

// WithIDGenerator sets the generator for listener handle IDs.
func WithIDGenerator(ids registry.IDGenerator) Option {
	return func(b *Bridge) { b.ids = ids }
}

// New returns a Bridge. Without WithRequestFactory, product requests fail
// with ErrCatalogUnavailable.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger:  zap.NewNop(),
		factory: UnavailableFactory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UpdatedTransactions streams every transaction q reports, one event per
// transaction in batch order.
func (b *Bridge) UpdatedTransactions(q PaymentQueue) stream.Stream[Transaction] {
	if q == nil {
		return stream.Failed[Transaction](ErrNoQueue)
	}
	return registry.Observe[Observer, Transaction](queueSource{q},
		func(h *registry.Handle[Transaction]) Observer { return &transactionListener{handle: h} },
		b.registryOptions("transactions.updated")...,
	)
}

// RevokedEntitlements streams every product identifier q reports as revoked.
func (b *Bridge) RevokedEntitlements(q PaymentQueue) stream.Stream[string] {
	if q == nil {
		return stream.Failed[string](ErrNoQueue)
	}
	return registry.Observe[Observer, string](queueSource{q},
		func(h *registry.Handle[string]) Observer { return &entitlementListener{handle: h} },
		b.registryOptions("entitlements.revoked")...,
	)
}

// Products streams the response to a catalog lookup for identifiers. The
// request is built and started on first subscription and shared by every
// subscriber until it ends.
func (b *Bridge) Products(identifiers ...string) stream.Stream[ProductsResponse] {
	ids := append([]string(nil), identifiers...)
	factory := b.factory
	return delegate.Observe[ProductsResponse](func() ProductsRequest {
		return factory(ids)
	}, b.delegateOptions("products")...)
}

// Response streams the outcome of an existing request. A delegate already
// assigned to req keeps receiving its callbacks.
func (b *Bridge) Response(req ProductsRequest) stream.Stream[ProductsResponse] {
	return delegate.ObserveRequest[ProductsResponse](req, b.delegateOptions("products.response")...)
}

func (b *Bridge) registryOptions(name string) []registry.Option {
	opts := []registry.Option{
		registry.WithName(name),
		registry.WithLogger(b.logger),
		registry.WithMonitor(b.monitor),
	}
	if b.ids != nil {
		opts = append(opts, registry.WithIDGenerator(b.ids))
	}
	return opts
}

func (b *Bridge) delegateOptions(name string) []delegate.Option {
	return []delegate.Option{
		delegate.WithName(name),
		delegate.WithLogger(b.logger),
		delegate.WithMonitor(b.monitor),
	}
}

type queueSource struct {
	q PaymentQueue
}

func (s queueSource) Register(o Observer)   { s.q.AddObserver(o) }
func (s queueSource) Unregister(o Observer) { s.q.RemoveObserver(o) }

type transactionListener struct {
	handle *registry.Handle[Transaction]
}

func (l *transactionListener) UpdatedTransactions(transactions []Transaction) {
	l.handle.Forward(transactions...)
}

type entitlementListener struct {
	handle *registry.Handle[string]
}

func (l *entitlementListener) RevokedEntitlements(productIdentifiers []string) {
	l.handle.Forward(productIdentifiers...)
}

// UnavailableFactory builds requests that fail with ErrCatalogUnavailable.
func UnavailableFactory([]string) ProductsRequest {
	return &unavailableRequest{}
}

type unavailableRequest struct {
	mu       sync.Mutex
	delegate ProductsDelegate
}

func (r *unavailableRequest) Delegate() ProductsDelegate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegate
}

func (r *unavailableRequest) SetDelegate(d ProductsDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

func (r *unavailableRequest) Start() {
	if f, ok := r.Delegate().(delegate.Failer); ok {
		f.OnFailed(ErrCatalogUnavailable)
	}
}

func (*unavailableRequest) Cancel() {}
