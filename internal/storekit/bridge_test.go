package storekit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storebridge/internal/delegate"
	"github.com/JakeFAU/storebridge/internal/storekit"
	"github.com/JakeFAU/storebridge/internal/stream"
	"github.com/JakeFAU/storebridge/internal/stream/streamtest"
)

// fakeQueue keeps observers in a slice and lets tests fire callbacks.
type fakeQueue struct {
	mu        sync.Mutex
	observers []storekit.Observer
	adds      int
	removes   int
}

func (q *fakeQueue) AddObserver(o storekit.Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.adds++
	q.observers = append(q.observers, o)
}

func (q *fakeQueue) RemoveObserver(o storekit.Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removes++
	for i, cur := range q.observers {
		if cur == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return
		}
	}
}

func (q *fakeQueue) snapshot() []storekit.Observer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]storekit.Observer(nil), q.observers...)
}

func (q *fakeQueue) updated(txs ...storekit.Transaction) {
	for _, o := range q.snapshot() {
		if to, ok := o.(storekit.TransactionObserver); ok {
			to.UpdatedTransactions(txs)
		}
	}
}

func (q *fakeQueue) revoked(ids ...string) {
	for _, o := range q.snapshot() {
		if eo, ok := o.(storekit.EntitlementObserver); ok {
			eo.RevokedEntitlements(ids)
		}
	}
}

// TestUpdatedTransactionsLifecycle verifies registration happens on subscribe,
// batches fan out per transaction, and cancellation unregisters.
func TestUpdatedTransactionsLifecycle(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	bridge := storekit.New()
	s := bridge.UpdatedTransactions(q)
	require.Zero(t, q.adds, "stream must not register before subscription")

	rec := streamtest.NewRecorder[storekit.Transaction]()
	sub := rec.Subscribe(s)
	require.Len(t, q.snapshot(), 1)

	q.updated(
		storekit.Transaction{ID: "t1", ProductID: "gold", State: storekit.StatePurchasing},
		storekit.Transaction{ID: "t2", ProductID: "gold", State: storekit.StatePurchased},
	)
	q.revoked("gold")

	got := rec.Values()
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].ID)
	require.Equal(t, storekit.StatePurchased, got[1].State)

	sub.Cancel()
	require.Empty(t, q.snapshot())
	require.Equal(t, 1, q.removes)

	q.updated(storekit.Transaction{ID: "t3"})
	require.Len(t, rec.Values(), 2)
}

// TestUpdatedTransactionsNoDeduplication verifies each subscription registers its own observer.
func TestUpdatedTransactionsNoDeduplication(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s := storekit.New().UpdatedTransactions(q)
	a := streamtest.NewRecorder[storekit.Transaction]()
	b := streamtest.NewRecorder[storekit.Transaction]()
	subA := a.Subscribe(s)
	subB := b.Subscribe(s)

	observers := q.snapshot()
	require.Len(t, observers, 2)
	require.True(t, observers[0] != observers[1], "each subscription needs its own observer")

	q.updated(storekit.Transaction{ID: "t1"})
	require.Len(t, a.Values(), 1)
	require.Len(t, b.Values(), 1)

	subA.Cancel()
	subB.Cancel()
	require.Equal(t, 2, q.removes)
}

// TestRevokedEntitlements verifies one event per revoked identifier.
func TestRevokedEntitlements(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	mon := streamtest.NewMonitor()
	bridge := storekit.New(storekit.WithMonitor(mon))

	rec := streamtest.NewRecorder[string]()
	sub := rec.Subscribe(bridge.RevokedEntitlements(q))
	require.Equal(t, 1, mon.Active("entitlements.revoked"))

	q.updated(storekit.Transaction{ID: "ignored"})
	q.revoked("gold", "silver")

	require.Equal(t, []string{"gold", "silver"}, rec.Values())
	sub.Cancel()
	require.Equal(t, 0, mon.Active("entitlements.revoked"))
}

// TestPaymentStreamsWithoutQueue verifies a nil queue fails instead of panicking.
func TestPaymentStreamsWithoutQueue(t *testing.T) {
	t.Parallel()

	bridge := storekit.New()
	_, err := stream.Collect(context.Background(), bridge.UpdatedTransactions(nil))
	require.ErrorIs(t, err, storekit.ErrNoQueue)
	_, err = stream.Collect(context.Background(), bridge.RevokedEntitlements(nil))
	require.ErrorIs(t, err, storekit.ErrNoQueue)
}

// TestProductsDefaultFactory verifies the default factory reports an unavailable catalog.
func TestProductsDefaultFactory(t *testing.T) {
	t.Parallel()

	_, err := stream.Collect(context.Background(), storekit.New().Products("gold"))
	require.ErrorIs(t, err, storekit.ErrCatalogUnavailable)
}

// scriptedRequest is a products request the test completes by hand.
type scriptedRequest struct {
	mu       sync.Mutex
	ids      []string
	delegate storekit.ProductsDelegate
	started  int
	canceled int
}

func (r *scriptedRequest) Delegate() storekit.ProductsDelegate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegate
}

func (r *scriptedRequest) SetDelegate(d storekit.ProductsDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

func (r *scriptedRequest) Start() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *scriptedRequest) Cancel() {
	r.mu.Lock()
	r.canceled++
	r.mu.Unlock()
}

func (r *scriptedRequest) respond(resp storekit.ProductsResponse) {
	d := r.Delegate()
	d.OnValue(resp)
	if f, ok := d.(delegate.Finisher); ok {
		f.OnFinished()
	}
}

// TestProductsInjectedFactory verifies the factory receives the identifiers
// and one request serves every concurrent subscriber.
func TestProductsInjectedFactory(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		requests []*scriptedRequest
	)
	factory := func(ids []string) storekit.ProductsRequest {
		mu.Lock()
		defer mu.Unlock()
		r := &scriptedRequest{ids: ids}
		requests = append(requests, r)
		return r
	}
	bridge := storekit.New(storekit.WithRequestFactory(factory))
	s := bridge.Products("gold", "silver")

	a := streamtest.NewRecorder[storekit.ProductsResponse]()
	b := streamtest.NewRecorder[storekit.ProductsResponse]()
	a.Subscribe(s)
	b.Subscribe(s)

	mu.Lock()
	require.Len(t, requests, 1)
	req := requests[0]
	mu.Unlock()
	require.Equal(t, []string{"gold", "silver"}, req.ids)
	require.Equal(t, 1, req.started)

	resp := storekit.ProductsResponse{
		Products: []storekit.Product{{
			ID:       "gold",
			Title:    "Gold",
			Price:    decimal.RequireFromString("4.99"),
			Currency: "USD",
		}},
		InvalidIdentifiers: []string{"silver"},
		ReceivedAt:         time.Unix(1700000000, 0).UTC(),
	}
	req.respond(resp)

	require.Equal(t, []storekit.ProductsResponse{resp}, a.Values())
	require.Equal(t, []storekit.ProductsResponse{resp}, b.Values())
	require.True(t, a.Completed())
	require.True(t, b.Completed())
}

// recordingDelegate is an externally assigned delegate with every capability.
type recordingDelegate struct {
	values   int
	finished bool
}

func (d *recordingDelegate) OnValue(storekit.ProductsResponse) { d.values++ }
func (d *recordingDelegate) OnFinished()                       { d.finished = true }

// TestResponseKeepsAssignedDelegate verifies an existing delegate is chained.
func TestResponseKeepsAssignedDelegate(t *testing.T) {
	t.Parallel()

	external := &recordingDelegate{}
	req := &scriptedRequest{}
	req.SetDelegate(external)

	rec := streamtest.NewRecorder[storekit.ProductsResponse]()
	sub := rec.Subscribe(storekit.New().Response(req))
	require.Equal(t, 1, req.started)

	req.respond(storekit.ProductsResponse{InvalidIdentifiers: []string{"x"}})

	require.Len(t, rec.Values(), 1)
	require.True(t, rec.Completed())
	require.Equal(t, 1, external.values)
	require.True(t, external.finished)
	<-sub.Done()
	require.Same(t, external, req.Delegate())
	require.Equal(t, 1, req.canceled)
}

// TestResponseSecondSubscriberAfterFinish verifies a finished request is not
// restarted for a later subscriber.
func TestResponseSecondSubscriberAfterFinish(t *testing.T) {
	t.Parallel()

	req := &scriptedRequest{}
	s := storekit.New().Response(req)

	first := streamtest.NewRecorder[storekit.ProductsResponse]()
	first.Subscribe(s)
	req.respond(storekit.ProductsResponse{InvalidIdentifiers: []string{"x"}})
	require.True(t, first.Completed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := stream.Collect(ctx, s)
	require.ErrorIs(t, err, delegate.ErrRequestSpent)
	require.Empty(t, got)
	require.Equal(t, 1, req.started)
}
