package paymentqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/storebridge/internal/storekit"
)

// Kind identifies what a Notification carries.
type Kind string

// Notification kinds.
const (
	KindTransactionsUpdated Kind = "transactions_updated"
	KindEntitlementsRevoked Kind = "entitlements_revoked"
)

var (
	// ErrUnknownKind indicates a notification kind this service does not handle.
	ErrUnknownKind = errors.New("unknown notification kind")
	// ErrEmptyNotification indicates a notification without a payload.
	ErrEmptyNotification = errors.New("notification has no payload")
)

// Notification is the wire format exchanged between publishers and queues.
type Notification struct {
	Kind         Kind                   `json:"kind"`
	Transactions []storekit.Transaction `json:"transactions,omitempty"`
	ProductIDs   []string               `json:"product_ids,omitempty"`
	SentAt       time.Time              `json:"sent_at"`
}

// Validate checks that the kind is known and the matching payload is present.
func (n Notification) Validate() error {
	switch n.Kind {
	case KindTransactionsUpdated:
		if len(n.Transactions) == 0 {
			return fmt.Errorf("%s: %w", n.Kind, ErrEmptyNotification)
		}
		for i, tx := range n.Transactions {
			if tx.ID == "" {
				return fmt.Errorf("transactions[%d]: id is required", i)
			}
			if !tx.State.Valid() {
				return fmt.Errorf("transactions[%d]: invalid state %q", i, tx.State)
			}
		}
	case KindEntitlementsRevoked:
		if len(n.ProductIDs) == 0 {
			return fmt.Errorf("%s: %w", n.Kind, ErrEmptyNotification)
		}
	default:
		return fmt.Errorf("%q: %w", n.Kind, ErrUnknownKind)
	}
	return nil
}

// Encode validates n and marshals it to JSON.
func Encode(n Notification) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates a notification.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("unmarshal notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Publisher hands notifications to a queue backend.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}
