// Package redis feeds payment queue observers from a Redis pub/sub channel.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/paymentqueue"
)

// Queue is a storekit.PaymentQueue whose events arrive on a Redis channel.
type Queue struct {
	*paymentqueue.Dispatcher

	client  goredis.UniversalClient
	channel string
	logger  *zap.Logger
	ready   chan struct{}
}

// NewQueue returns a Queue for channel. Call Run to start receiving.
func NewQueue(client goredis.UniversalClient, channel string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		Dispatcher: paymentqueue.NewDispatcher(logger),
		client:     client,
		channel:    channel,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once Run's subscription has been confirmed by the server.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Run subscribes to the channel and dispatches messages until ctx is canceled.
// Run must be called at most once.
func (q *Queue) Run(ctx context.Context) error {
	if q.client == nil {
		return errors.New("redis client is not configured")
	}
	ps := q.client.Subscribe(ctx, q.channel)
	defer func() {
		if err := ps.Close(); err != nil {
			q.logger.Debug("redis pubsub close failed", zap.Error(err))
		}
	}()
	if _, err := ps.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", q.channel, err)
	}
	close(q.ready)
	q.logger.Info("receiving payment notifications", zap.String("channel", q.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			q.handle(msg)
		}
	}
}

func (q *Queue) handle(msg *goredis.Message) {
	n, err := paymentqueue.Decode([]byte(msg.Payload))
	if err != nil {
		q.logger.Warn("discarding malformed notification", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	q.Dispatch(n)
}

// Publisher publishes notifications to a Redis channel.
type Publisher struct {
	client  goredis.UniversalClient
	channel string
}

// NewPublisher returns a Publisher for channel.
func NewPublisher(client goredis.UniversalClient, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish encodes n and publishes it. Redis does not retain messages, so a
// notification published while no queue is subscribed is lost.
func (p *Publisher) Publish(ctx context.Context, n paymentqueue.Notification) error {
	data, err := paymentqueue.Encode(n)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
