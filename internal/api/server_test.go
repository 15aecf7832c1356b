package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storebridge/internal/config"
	"github.com/JakeFAU/storebridge/internal/delegate"
	"github.com/JakeFAU/storebridge/internal/id/uuid"
	"github.com/JakeFAU/storebridge/internal/metrics"
	"github.com/JakeFAU/storebridge/internal/paymentqueue"
	"github.com/JakeFAU/storebridge/internal/paymentqueue/memory"
	"github.com/JakeFAU/storebridge/internal/storekit"
	"github.com/JakeFAU/storebridge/internal/stream"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(nil)
	_, err := NewServer(Dependencies{Queue: q, IDs: uuid.New()})
	require.ErrorContains(t, err, "bridge")
	_, err = NewServer(Dependencies{Bridge: storekit.New(), IDs: uuid.New()})
	require.ErrorContains(t, err, "payment queue")
	_, err = NewServer(Dependencies{Bridge: storekit.New(), Queue: q})
	require.ErrorContains(t, err, "id generator")
	_, err = NewServer(Dependencies{
		Bridge: storekit.New(),
		Queue:  q,
		IDs:    uuid.New(),
		Stream: config.StreamConfig{Overflow: "spill"},
	})
	require.ErrorContains(t, err, "overflow")
}

func TestServer_TransactionStream(t *testing.T) {
	t.Parallel()

	server, q := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/transactions/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Publish(context.Background(), paymentqueue.Notification{
		Kind: paymentqueue.KindTransactionsUpdated,
		Transactions: []storekit.Transaction{
			{ID: "t1", ProductID: "gold", State: storekit.StatePurchased, Quantity: 1},
			{ID: "t2", ProductID: "gold", State: storekit.StateRestored, Quantity: 1},
		},
	}))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	second := readEvent(t, reader)
	require.Equal(t, "transaction", first.name)
	require.Equal(t, "transaction", second.name)

	var tx storekit.Transaction
	require.NoError(t, json.Unmarshal([]byte(first.data), &tx))
	require.Equal(t, "t1", tx.ID)
	require.NoError(t, json.Unmarshal([]byte(second.data), &tx))
	require.Equal(t, storekit.StateRestored, tx.State)

	cancel()
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RevokedEntitlementStream(t *testing.T) {
	t.Parallel()

	server, q := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/entitlements/revoked/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Publish(context.Background(), paymentqueue.Notification{
		Kind:       paymentqueue.KindEntitlementsRevoked,
		ProductIDs: []string{"gold"},
	}))

	ev := readEvent(t, bufio.NewReader(resp.Body))
	require.Equal(t, "revoked", ev.name)
	require.Equal(t, `"gold"`, ev.data)
}

func TestServeEvents_WritesTerminalEvent(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	serveEvents(server, rec, req, "n", stream.Failed[int](errors.New("boom")))
	require.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"boom\"}\n\n")

	rec = httptest.NewRecorder()
	serveEvents(server, rec, req, "n", stream.Create(func(sink stream.Sink[int]) stream.Resource {
		sink.Emit(7)
		sink.Complete()
		return nil
	}))
	require.Equal(t, "event: n\ndata: 7\n\nevent: complete\ndata: {}\n\n", rec.Body.String())
}

func TestServer_LookupProducts(t *testing.T) {
	t.Parallel()

	resp := storekit.ProductsResponse{
		Products: []storekit.Product{{
			ID:       "gold",
			Title:    "Gold",
			Price:    decimal.RequireFromString("4.99"),
			Currency: "USD",
		}},
		InvalidIdentifiers: []string{"tin"},
		ReceivedAt:         time.Unix(1700000000, 0).UTC(),
	}
	var gotIDs []string
	factory := func(ids []string) storekit.ProductsRequest {
		gotIDs = ids
		return &instantRequest{resp: resp}
	}
	server, _ := newTestServer(t, func(d *Dependencies) {
		d.Bridge = storekit.New(storekit.WithRequestFactory(factory))
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/products?ids=gold,tin&ids=+silver", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"gold", "tin", "silver"}, gotIDs)
	var body storekit.ProductsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"tin"}, body.InvalidIdentifiers)
	require.Len(t, body.Products, 1)
	require.True(t, body.Products[0].Price.Equal(decimal.RequireFromString("4.99")))
}

func TestServer_LookupProductsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		factory storekit.RequestFactory
		query   string
		want    int
	}{
		{name: "missing ids", query: "", want: http.StatusBadRequest},
		{name: "blank ids", query: "?ids=,+", want: http.StatusBadRequest},
		{name: "catalog unavailable", query: "?ids=gold", want: http.StatusServiceUnavailable},
		{
			name:  "catalog failure",
			query: "?ids=gold",
			factory: func([]string) storekit.ProductsRequest {
				return &instantRequest{err: errors.New("connection refused")}
			},
			want: http.StatusBadGateway,
		},
		{
			name:  "catalog timeout",
			query: "?ids=gold",
			factory: func([]string) storekit.ProductsRequest {
				return &instantRequest{hang: true}
			},
			want: http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, _ := newTestServer(t, func(d *Dependencies) {
				d.Bridge = storekit.New(storekit.WithRequestFactory(tt.factory))
				d.LookupTimeout = 20 * time.Millisecond
			})
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/products"+tt.query, nil))
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_PublishNotification(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	server, q := newTestServer(t, func(d *Dependencies) {
		d.Now = func() time.Time { return now }
	})

	body := `{"kind":"entitlements_revoked","product_ids":["gold"]}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	history := q.History()
	require.Len(t, history, 1)
	require.Equal(t, []string{"gold"}, history[0].ProductIDs)
	require.True(t, history[0].SentAt.Equal(now))
}

func TestServer_PublishNotificationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		publisher paymentqueue.Publisher
		disable   bool
		body      string
		want      int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "unknown kind", body: `{"kind":"refund"}`, want: http.StatusBadRequest},
		{name: "empty payload", body: `{"kind":"transactions_updated"}`, want: http.StatusBadRequest},
		{
			name:      "publish failure",
			publisher: failingPublisher{},
			body:      `{"kind":"entitlements_revoked","product_ids":["gold"]}`,
			want:      http.StatusBadGateway,
		},
		{
			name:    "ingest disabled",
			disable: true,
			body:    `{"kind":"entitlements_revoked","product_ids":["gold"]}`,
			want:    http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server, _ := newTestServer(t, func(d *Dependencies) {
				if tt.publisher != nil {
					d.Publisher = tt.publisher
				}
				if tt.disable {
					d.Publisher = nil
				}
			})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(tt.body))
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	server, _ := newTestServer(t, func(d *Dependencies) {
		d.Collector = collector
		d.Gatherer = reg
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `storebridge_http_requests_total{code="200",method="GET"} 1`)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.True(t, strings.HasPrefix(rec.Header().Get("X-Request-ID"), "req_"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	h := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type sseEvent struct {
	name string
	data string
}

// readEvent reads one named event, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

// instantRequest answers from Start on the calling goroutine, or never when hang is set.
type instantRequest struct {
	mu       sync.Mutex
	delegate storekit.ProductsDelegate
	resp     storekit.ProductsResponse
	err      error
	hang     bool
}

func (r *instantRequest) Delegate() storekit.ProductsDelegate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegate
}

func (r *instantRequest) SetDelegate(d storekit.ProductsDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

func (r *instantRequest) Start() {
	if r.hang {
		return
	}
	d := r.Delegate()
	if r.err != nil {
		if f, ok := d.(delegate.Failer); ok {
			f.OnFailed(r.err)
		}
		return
	}
	d.OnValue(r.resp)
	if f, ok := d.(delegate.Finisher); ok {
		f.OnFinished()
	}
}

func (*instantRequest) Cancel() {}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, paymentqueue.Notification) error {
	return errors.New("broker down")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(t *testing.T, mutators ...func(*Dependencies)) (*Server, *memory.Queue) {
	t.Helper()
	q := memory.NewQueue(nil)
	deps := Dependencies{
		Bridge:    storekit.New(),
		Queue:     q,
		Publisher: q,
		IDs:       uuid.NewWithPrefix("req_"),
		Stream:    config.StreamConfig{Buffer: 16},
	}
	for _, m := range mutators {
		m(&deps)
	}
	server, err := NewServer(deps)
	require.NoError(t, err)
	return server, q
}
