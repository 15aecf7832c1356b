// Package paymentqueue provides payment queue implementations that feed
// storekit observers from in-process, Pub/Sub, or Redis notifications.
package paymentqueue

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/storekit"
)

// Dispatcher keeps an ordered observer set and delivers notifications to it.
// It implements storekit.PaymentQueue.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []storekit.Observer
	logger    *zap.Logger
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// AddObserver appends o. Nil, uncomparable and already registered observers
// are ignored.
func (d *Dispatcher) AddObserver(o storekit.Observer) {
	if o == nil {
		return
	}
	if !isComparable(o) {
		d.logger.Warn("observer ignored: type is not comparable, register a pointer instead",
			zap.String("type", reflect.TypeOf(o).String()),
		)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cur := range d.observers {
		if cur == o {
			d.logger.Debug("observer already registered")
			return
		}
	}
	d.observers = append(d.observers, o)
	d.logger.Debug("observer added", zap.Int("observers", len(d.observers)))
}

// RemoveObserver removes o if present.
func (d *Dispatcher) RemoveObserver(o storekit.Observer) {
	if o == nil || !isComparable(o) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.observers {
		if cur == o {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			d.logger.Debug("observer removed", zap.Int("observers", len(d.observers)))
			return
		}
	}
}

func isComparable(o storekit.Observer) bool {
	return reflect.TypeOf(o).Comparable()
}

// Len returns the number of registered observers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Dispatch delivers n to every observer registered when the call starts and
// returns how many observers accepted it. Each observer gets its own copy of
// the batch.
func (d *Dispatcher) Dispatch(n Notification) int {
	d.mu.RLock()
	snapshot := append([]storekit.Observer(nil), d.observers...)
	d.mu.RUnlock()

	delivered := 0
	for _, o := range snapshot {
		switch n.Kind {
		case KindTransactionsUpdated:
			if to, ok := o.(storekit.TransactionObserver); ok {
				to.UpdatedTransactions(append([]storekit.Transaction(nil), n.Transactions...))
				delivered++
			}
		case KindEntitlementsRevoked:
			if eo, ok := o.(storekit.EntitlementObserver); ok {
				eo.RevokedEntitlements(append([]string(nil), n.ProductIDs...))
				delivered++
			}
		}
	}
	d.logger.Debug("notification dispatched",
		zap.String("kind", string(n.Kind)),
		zap.Int("observers", len(snapshot)),
		zap.Int("delivered", delivered),
	)
	return delivered
}
