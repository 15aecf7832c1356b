// Package storekit exposes store payment-queue and product-catalog callbacks
// as streams.
package storekit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/storebridge/internal/delegate"
)

// TransactionState is the lifecycle state of a payment transaction.
type TransactionState string

// Transaction states.
const (
	StatePurchasing TransactionState = "purchasing"
	StatePurchased  TransactionState = "purchased"
	StateFailed     TransactionState = "failed"
	StateRestored   TransactionState = "restored"
	StateDeferred   TransactionState = "deferred"
)

// Valid reports whether s is a known state.
func (s TransactionState) Valid() bool {
	switch s {
	case StatePurchasing, StatePurchased, StateFailed, StateRestored, StateDeferred:
		return true
	default:
		return false
	}
}

// Transaction is one payment transaction update reported by a payment queue.
type Transaction struct {
	ID          string           `json:"id"`
	OriginalID  string           `json:"original_id,omitempty"`
	ProductID   string           `json:"product_id"`
	State       TransactionState `json:"state"`
	Quantity    int              `json:"quantity"`
	PurchasedAt time.Time        `json:"purchased_at,omitzero"`
	Error       string           `json:"error,omitempty"`
}

// Product is one catalog entry.
type Product struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
}

// ProductsResponse is the single value a products request reports.
type ProductsResponse struct {
	Products           []Product `json:"products"`
	InvalidIdentifiers []string  `json:"invalid_identifiers"`
	ReceivedAt         time.Time `json:"received_at"`
}

// ProductsRequest is a single-shot catalog lookup.
type ProductsRequest = delegate.Request[ProductsResponse]

// ProductsDelegate receives the outcome of a ProductsRequest.
type ProductsDelegate = delegate.Delegate[ProductsResponse]

// RequestFactory builds a products request for the given identifiers.
type RequestFactory func(productIdentifiers []string) ProductsRequest

// Observer is a payment queue listener. It is any comparable value that
// implements TransactionObserver, EntitlementObserver, or both.
type Observer = any

// TransactionObserver receives batches of updated transactions.
type TransactionObserver interface {
	UpdatedTransactions(transactions []Transaction)
}

// EntitlementObserver receives batches of revoked product identifiers.
type EntitlementObserver interface {
	RevokedEntitlements(productIdentifiers []string)
}

// PaymentQueue is a continuous source of payment events. Observers are
// identified by equality; adding the same observer twice has no effect.
type PaymentQueue interface {
	AddObserver(o Observer)
	RemoveObserver(o Observer)
}

var (
	// ErrCatalogUnavailable is reported by the default request factory.
	ErrCatalogUnavailable = errors.New("storekit: product catalog unavailable")
	// ErrNoQueue is reported when a payment stream is requested without a queue.
	ErrNoQueue = errors.New("storekit: no payment queue")
)
