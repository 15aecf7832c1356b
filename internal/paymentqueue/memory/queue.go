// Package memory provides an in-process payment queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/paymentqueue"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue closed")

// Queue dispatches published notifications synchronously to its observers
// and keeps a history of everything it accepted.
type Queue struct {
	*paymentqueue.Dispatcher

	mu      sync.RWMutex
	history []paymentqueue.Notification
	closed  bool
}

// NewQueue returns an open Queue.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{Dispatcher: paymentqueue.NewDispatcher(logger)}
}

// Publish validates n and delivers it before returning.
func (q *Queue) Publish(ctx context.Context, n paymentqueue.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	if err := n.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.history = append(q.history, n)
	q.mu.Unlock()

	q.Dispatch(n)
	return nil
}

// History returns the accepted notifications in publish order.
func (q *Queue) History() []paymentqueue.Notification {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]paymentqueue.Notification, len(q.history))
	copy(out, q.history)
	return out
}

// Close rejects further publishes. Registered observers stay registered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
