package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OverflowPolicy decides what a Feed does with a value when its buffer is full.
type OverflowPolicy int

const (
	// DropNewest discards the incoming value.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the oldest buffered value to make room.
	DropOldest
	// Block waits for buffer space or for the feed to close. The producer's
	// goroutine is held while it waits.
	Block
)

const (
	defaultFeedBuffer = 64
	dropLogInterval   = 5 * time.Second
)

// ParseOverflowPolicy maps a configuration string to an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "drop_newest"
	}
}

// FeedConfig controls buffering for a Feed.
//   - Buffer: channel capacity (default 64).
//   - Overflow: behaviour when the buffer is full (default DropNewest).
//   - Logger: receives rate-limited warnings about dropped values.
type FeedConfig struct {
	Buffer   int
	Overflow OverflowPolicy
	Logger   *zap.Logger
}

// Feed adapts a subscription to a buffered channel. The Events channel is
// never closed; consumers select on Done and may drain Events afterwards.
type Feed[T any] struct {
	events   chan T
	done     chan struct{}
	closed   chan struct{}
	policy   OverflowPolicy
	logger   *zap.Logger
	sub      *Subscription
	err      error
	doneOnce sync.Once

	closeOnce sync.Once
	sendMu    sync.Mutex
	dropped   atomic.Int64
	dropLog   rate.Sometimes
}

// NewFeed subscribes to s and returns the feed that buffers its values.
func NewFeed[T any](s Stream[T], cfg FeedConfig) *Feed[T] {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultFeedBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed[T]{
		events:  make(chan T, cfg.Buffer),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		policy:  cfg.Overflow,
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	f.sub = s.Subscribe(f.push, func() { f.finish(nil) }, f.finish)
	return f
}

// Events returns the buffered values.
func (f *Feed[T]) Events() <-chan T {
	return f.events
}

// Done is closed when the stream terminates or the feed is closed.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

// Err returns the stream's failure once Done is closed, nil otherwise.
func (f *Feed[T]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Dropped returns the number of values discarded by the overflow policy.
func (f *Feed[T]) Dropped() int64 {
	return f.dropped.Load()
}

// Close cancels the underlying subscription. It is safe to call repeatedly.
func (f *Feed[T]) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.sub.Cancel()
		f.finish(nil)
	})
}

func (f *Feed[T]) finish(err error) {
	f.doneOnce.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Feed[T]) push(v T) {
	switch f.policy {
	case Block:
		select {
		case f.events <- v:
		case <-f.closed:
		}
	case DropOldest:
		f.sendMu.Lock()
		defer f.sendMu.Unlock()
		for {
			select {
			case f.events <- v:
				return
			default:
			}
			select {
			case <-f.events:
				f.recordDrop()
			default:
			}
		}
	default:
		select {
		case f.events <- v:
		default:
			f.recordDrop()
		}
	}
}

func (f *Feed[T]) recordDrop() {
	f.dropped.Add(1)
	f.dropLog.Do(func() {
		f.logger.Warn("feed values dropped due to backpressure",
			zap.Int64("dropped_total", f.dropped.Load()),
			zap.String("policy", f.policy.String()),
		)
	})
}

// Collect subscribes to s and gathers its values until it terminates or ctx
// ends. The subscription is cancelled before Collect returns. A stream
// failure is returned unchanged.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	var (
		mu     sync.Mutex
		values []T
		err    error
	)
	done := make(chan struct{})
	sub := s.Subscribe(
		func(v T) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
		func() { close(done) },
		func(e error) {
			err = e
			close(done)
		},
	)
	defer sub.Cancel()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return values, err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return values, fmt.Errorf("collect: %w", ctx.Err())
	}
}
