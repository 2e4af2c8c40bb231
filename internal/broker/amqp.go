package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPBroker implements Broker on top of a RabbitMQ connection. Queues are
// declared durable and messages published persistent, so advance requests
// survive a broker restart.
type AMQPBroker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	mutex    sync.Mutex
	declared map[string]bool
}

func DialAMQP(url string, logger *zap.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	logger.Info("Connected to AMQP broker")

	return &AMQPBroker{
		conn:     conn,
		ch:       ch,
		logger:   logger,
		declared: make(map[string]bool),
	}, nil
}

func (b *AMQPBroker) declare(queue string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.declared[queue] {
		return nil
	}

	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	b.declared[queue] = true
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := b.declare(queue); err != nil {
		return err
	}

	err := b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		MessageId:    uuid.NewString(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queue, err)
	}

	return nil
}

func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if err := b.declare(queue); err != nil {
		return nil, err
	}

	deliveries, err := b.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- Delivery{ID: d.MessageId, Body: d.Body}:
				if err := d.Ack(false); err != nil {
					b.logger.Warn("Failed to ack delivery",
						zap.String("queue", queue),
						zap.String("messageID", d.MessageId),
						zap.Error(err))
				}
			case <-ctx.Done():
				// Unacked delivery is requeued by the transport.
				return
			}
		}
	}()

	return out, nil
}

func (b *AMQPBroker) Close() error {
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to close AMQP channel: %w", err)
	}
	return b.conn.Close()
}
