package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// TestCollectorTracksSubscriptions verifies the monitor callbacks update the gauges and counters.
func TestCollectorTracksSubscriptions(t *testing.T) {
	t.Parallel()

	c := New(prometheus.NewRegistry())
	src := stream.Create(func(sink stream.Sink[int]) stream.Resource {
		sink.Emit(1)
		sink.Emit(2)
		return nil
	}, stream.WithName("numbers"), stream.WithMonitor(c))

	sub := src.Subscribe(nil, nil, nil)
	require.InDelta(t, 1, testutil.ToFloat64(c.subscriptionsActive.WithLabelValues("numbers")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(c.eventsTotal.WithLabelValues("numbers", "value")), 0)

	sub.Cancel()
	require.InDelta(t, 0, testutil.ToFloat64(c.subscriptionsActive.WithLabelValues("numbers")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.subscriptionsTotal.WithLabelValues("numbers")), 0)

	c.Dropped("numbers", stream.KindValue)
	require.InDelta(t, 1, testutil.ToFloat64(c.eventsDroppedTotal.WithLabelValues("numbers")), 0)
}

// TestMiddleware verifies request counts are labeled by method and status code.
func TestMiddleware(t *testing.T) {
	t.Parallel()

	c := New(nil)
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/test", "/notfound", "/implicit"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 2, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.Positive(t, testutil.CollectAndCount(c.httpRequestDurationSeconds))
}

// TestHandlerExposesRegistry verifies the handler serves metrics from the given gatherer.
func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Subscribed("transactions.updated")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `storebridge_subscriptions_active{stream="transactions.updated"} 1`))
}
