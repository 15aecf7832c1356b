// Package pubsub feeds payment queue observers from a Google Cloud Pub/Sub subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/paymentqueue"
)

// kindAttribute carries the notification kind so subscriptions can filter on it.
const kindAttribute = "kind"

// Queue is a storekit.PaymentQueue whose events arrive on a Pub/Sub subscription.
type Queue struct {
	*paymentqueue.Dispatcher

	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewQueue returns a Queue reading from sub. Call Run to start receiving.
func NewQueue(sub *pubsub.Subscription, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		Dispatcher: paymentqueue.NewDispatcher(logger),
		sub:        sub,
		logger:     logger,
	}
}

// Run receives messages until ctx is canceled. Every message is acked once
// handled; malformed payloads are logged and acked so they are not redelivered.
func (q *Queue) Run(ctx context.Context) error {
	if q.sub == nil {
		return errors.New("pubsub subscription is not configured")
	}
	q.logger.Info("receiving payment notifications", zap.String("subscription", q.sub.ID()))
	err := q.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		q.handle(msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive notifications: %w", err)
	}
	return nil
}

func (q *Queue) handle(msg *pubsub.Message) {
	defer msg.Ack()
	n, err := paymentqueue.Decode(msg.Data)
	if err != nil {
		q.logger.Warn("discarding malformed notification",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	delivered := q.Dispatch(n)
	q.logger.Debug("notification received",
		zap.String("message_id", msg.ID),
		zap.String("kind", string(n.Kind)),
		zap.Int("delivered", delivered),
	)
}

// Publisher publishes notifications to a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher returns a Publisher for topic.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish encodes n and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, n paymentqueue.Notification) error {
	if p.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	data, err := paymentqueue.Encode(n)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{kindAttribute: string(n.Kind)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Stop flushes pending publishes and stops the topic's background goroutines.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
