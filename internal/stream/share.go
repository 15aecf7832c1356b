package stream

import (
	"sync"

	"go.uber.org/zap"
)

// Shared multicasts one upstream subscription to every current subscriber.
//
// The first Subscribe connects upstream. Subscribers that arrive while the
// connection is live only see events emitted after they joined. When upstream
// terminates, or the last subscriber cancels, the connection is dropped and
// the next Subscribe connects again.
type Shared[T any] struct {
	source Stream[T]
	opts   *options

	mu   sync.Mutex
	conn *connection[T]
}

type connection[T any] struct {
	observers []observer[T]
	nextID    uint64
	upstream  *Subscription
	closed    bool
}

type observer[T any] struct {
	id   uint64
	sink Sink[T]
}

// Share wraps source with reference-counted multicasting.
func Share[T any](source Stream[T], opts ...Option) *Shared[T] {
	return &Shared[T]{source: source, opts: newOptions(opts)}
}

// Subscribe joins the live connection, connecting upstream when there is none.
func (s *Shared[T]) Subscribe(onValue func(T), onComplete func(), onError func(error)) *Subscription {
	sub, sink := subscribe(s.opts, onValue, onComplete, onError)

	s.mu.Lock()
	conn := s.conn
	connect := conn == nil
	if connect {
		conn = &connection[T]{}
		s.conn = conn
	}
	conn.nextID++
	id := conn.nextID
	conn.observers = append(conn.observers, observer[T]{id: id, sink: sink})
	s.mu.Unlock()

	sub.attach(ReleaseFunc(func() { s.leave(conn, id) }))

	if connect {
		s.opts.logger.Debug("connecting shared upstream", zap.String("stream", s.opts.name))
		up := s.source.Subscribe(
			func(v T) { s.emit(conn, v) },
			func() { s.finish(conn, nil) },
			func(err error) { s.finish(conn, err) },
		)
		s.setUpstream(conn, up)
	}
	return sub
}

func (s *Shared[T]) setUpstream(conn *connection[T], up *Subscription) {
	s.mu.Lock()
	if conn.closed {
		s.mu.Unlock()
		up.Cancel()
		return
	}
	conn.upstream = up
	s.mu.Unlock()
}

func (s *Shared[T]) snapshot(conn *connection[T]) []Sink[T] {
	sinks := make([]Sink[T], 0, len(conn.observers))
	for _, o := range conn.observers {
		sinks = append(sinks, o.sink)
	}
	return sinks
}

func (s *Shared[T]) emit(conn *connection[T], value T) {
	s.mu.Lock()
	if conn.closed {
		s.mu.Unlock()
		return
	}
	sinks := s.snapshot(conn)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.Emit(value)
	}
}

func (s *Shared[T]) finish(conn *connection[T], err error) {
	s.mu.Lock()
	if conn.closed {
		s.mu.Unlock()
		return
	}
	s.close(conn)
	sinks := s.snapshot(conn)
	s.mu.Unlock()
	for _, sink := range sinks {
		if err != nil {
			sink.Fail(err)
		} else {
			sink.Complete()
		}
	}
}

func (s *Shared[T]) leave(conn *connection[T], id uint64) {
	s.mu.Lock()
	for i, o := range conn.observers {
		if o.id == id {
			conn.observers = append(conn.observers[:i], conn.observers[i+1:]...)
			break
		}
	}
	if conn.closed || len(conn.observers) > 0 {
		s.mu.Unlock()
		return
	}
	s.close(conn)
	up := conn.upstream
	conn.upstream = nil
	s.mu.Unlock()

	s.opts.logger.Debug("last subscriber left, disconnecting upstream", zap.String("stream", s.opts.name))
	if up != nil {
		up.Cancel()
	}
}

// close detaches conn so the next Subscribe connects afresh. Callers hold s.mu.
func (s *Shared[T]) close(conn *connection[T]) {
	conn.closed = true
	if s.conn == conn {
		s.conn = nil
	}
}
