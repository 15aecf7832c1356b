package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/config"
	"github.com/JakeFAU/storebridge/internal/metrics"
	"github.com/JakeFAU/storebridge/internal/paymentqueue"
	"github.com/JakeFAU/storebridge/internal/storekit"
	"github.com/JakeFAU/storebridge/internal/stream"
)

const (
	defaultLookupTimeout = 10 * time.Second
	heartbeatInterval    = 15 * time.Second
	requestTimeout       = 30 * time.Second
)

// IDGenerator produces request identifiers.
type IDGenerator interface {
	MustNewID() string
}

// Dependencies are the collaborators a Server routes to. Queue and Bridge
// are required; a nil Publisher disables notification ingest and a nil
// Collector disables metrics.
type Dependencies struct {
	Bridge    *storekit.Bridge
	Queue     storekit.PaymentQueue
	Publisher paymentqueue.Publisher
	Collector *metrics.Collector
	Gatherer  prometheus.Gatherer
	IDs       IDGenerator
	Stream    config.StreamConfig
	Logger    *zap.Logger
	// LookupTimeout bounds GET /v1/products. Defaults to 10s.
	LookupTimeout time.Duration
	Now           func() time.Time
}

// Server wires HTTP handlers to the bridge and the payment queue.
type Server struct {
	router        chi.Router
	bridge        *storekit.Bridge
	queue         storekit.PaymentQueue
	publisher     paymentqueue.Publisher
	ids           IDGenerator
	feed          stream.FeedConfig
	logger        *zap.Logger
	lookupTimeout time.Duration
	now           func() time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Bridge == nil {
		return nil, errors.New("api: bridge is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("api: payment queue is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("api: id generator is required")
	}
	policy, err := deps.Stream.OverflowPolicy()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bridge:    deps.Bridge,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		feed: stream.FeedConfig{
			Buffer:   deps.Stream.Buffer,
			Overflow: policy,
			Logger:   logger,
		},
		logger:        logger,
		lookupTimeout: deps.LookupTimeout,
		now:           deps.Now,
	}
	if s.lookupTimeout <= 0 {
		s.lookupTimeout = defaultLookupTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if deps.Collector != nil {
		r.Use(deps.Collector.Middleware)
	}

	r.Get("/healthz", s.healthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/transactions/stream", s.streamTransactions)
		r.Get("/entitlements/revoked/stream", s.streamRevokedEntitlements)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/products", s.lookupProducts)
			r.Post("/notifications", s.publishNotification)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) streamTransactions(w http.ResponseWriter, r *http.Request) {
	serveEvents(s, w, r, "transaction", s.bridge.UpdatedTransactions(s.queue))
}

func (s *Server) streamRevokedEntitlements(w http.ResponseWriter, r *http.Request) {
	serveEvents(s, w, r, "revoked", s.bridge.RevokedEntitlements(s.queue))
}

// serveEvents relays src as server-sent events until the client disconnects
// or the stream terminates. A terminal event is written as "complete" or
// "error" before the response ends.
func serveEvents[T any](s *Server, w http.ResponseWriter, r *http.Request, event string, src stream.Stream[T]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	feed := stream.NewFeed(src, s.feed)
	defer feed.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case v := <-feed.Events():
			if err := s.writeEvent(w, event, v); err != nil {
				return
			}
			flusher.Flush()
		case <-feed.Done():
		drain:
			for {
				select {
				case v := <-feed.Events():
					if err := s.writeEvent(w, event, v); err != nil {
						return
					}
				default:
					break drain
				}
			}
			if err := feed.Err(); err != nil {
				_ = s.writeEvent(w, "error", map[string]string{"error": err.Error()})
			} else {
				_ = s.writeEvent(w, "complete", map[string]string{})
			}
			flusher.Flush()
			if dropped := feed.Dropped(); dropped > 0 {
				s.logger.Warn("event stream ended with dropped values",
					zap.String("event", event),
					zap.Int64("dropped", dropped),
				)
			}
			return
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event failed", zap.String("event", event), zap.Error(err))
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *Server) lookupProducts(w http.ResponseWriter, r *http.Request) {
	ids := parseIdentifiers(r.URL.Query()["ids"])
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.lookupTimeout)
	defer cancel()

	responses, err := stream.Collect(ctx, s.bridge.Products(ids...))
	switch {
	case errors.Is(err, storekit.ErrCatalogUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "catalog lookup timed out")
		return
	case err != nil:
		s.logger.Warn("catalog lookup failed", zap.Strings("product_ids", ids), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "catalog lookup failed")
		return
	case len(responses) == 0:
		s.writeError(w, http.StatusBadGateway, "catalog returned no response")
		return
	}
	s.writeJSON(w, http.StatusOK, responses[len(responses)-1])
}

func (s *Server) publishNotification(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "notification ingest disabled")
		return
	}
	var n paymentqueue.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if n.SentAt.IsZero() {
		n.SentAt = s.now().UTC()
	}
	if err := n.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.publisher.Publish(r.Context(), n); err != nil {
		s.logger.Error("publish notification failed", zap.String("kind", string(n.Kind)), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": string(n.Kind)})
}

// parseIdentifiers accepts both ?ids=a,b and repeated ?ids=a&ids=b.
func parseIdentifiers(raw []string) []string {
	var ids []string
	for _, v := range raw {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = s.ids.MustNewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", RequestID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// RequestID returns the request identifier stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
