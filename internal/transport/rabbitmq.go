package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// groupKeyHeader carries the ordering partition; queues are expected to be
	// declared with single-active-consumer so a partition is consumed in order.
	groupKeyHeader = "x-group-key"
	// deliveryCountHeader is set by RabbitMQ quorum queues on redelivery.
	deliveryCountHeader = "x-delivery-count"
)

// rabbitmqConnection defines the interface for RabbitMQ connection operations
type rabbitmqConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
}

// rabbitmqChannel defines the interface for RabbitMQ channel operations
type rabbitmqChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitMQTransport implements Transport for RabbitMQ
type RabbitMQTransport struct {
	conn          rabbitmqConnection
	channel       rabbitmqChannel
	admin         rabbitmqAdmin
	exchange      string
	prefetchCount int
	consumer      <-chan amqp.Delivery // Single long-lived consumer
	consumerQueue string
	amqpChannel   *amqp.Channel    // real channel, monitored for closure
	amqpConn      *amqp.Connection // real connection, monitored for closure
	url           string
	retryAttempts int
	retryBackoff  time.Duration
}

// RabbitMQConfig holds RabbitMQ-specific configuration
type RabbitMQConfig struct {
	URL                string
	Exchange           string
	PrefetchCount      int
	QueueRetryAttempts int
	QueueRetryBackoff  time.Duration
}

// NewRabbitMQTransport creates a new RabbitMQ transport
func NewRabbitMQTransport(ctx context.Context, cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	t := &RabbitMQTransport{
		exchange:      cfg.Exchange,
		prefetchCount: cfg.PrefetchCount,
		url:           cfg.URL,
		retryAttempts: cfg.QueueRetryAttempts,
		retryBackoff:  cfg.QueueRetryBackoff,
	}
	if t.retryAttempts <= 0 {
		t.retryAttempts = defaultQueueRetryMaxAttempts
	}
	if t.retryBackoff <= 0 {
		t.retryBackoff = defaultQueueRetryBackoff
	}

	// Broker may still be starting when the worker boots
	conn, err := t.dial(ctx, 5)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to RabbitMQ successfully")

	t.conn = conn
	t.amqpConn = conn
	if err := t.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return t, nil
}

func (t *RabbitMQTransport) dial(ctx context.Context, maxRetries int) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry(ctx, maxRetries, time.Second, "connect to RabbitMQ", func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(t.url)
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// openChannel opens a channel, applies QoS and declares the exchange
func (t *RabbitMQTransport) openChannel() error {
	channel, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(t.prefetchCount, 0, false); err != nil {
		_ = channel.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := channel.ExchangeDeclare(
		t.exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = channel.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	t.channel = channel
	t.admin = channel
	t.amqpChannel = channel
	t.consumer = nil
	t.consumerQueue = ""
	return nil
}

// ensureQueue checks the queue exists using passive declaration. Queues are
// provisioned outside the worker.
func (t *RabbitMQTransport) ensureQueue(queueName string) error {
	if t.channel == nil {
		return fmt.Errorf("channel is not available")
	}

	_, err := t.channel.QueueDeclarePassive(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("queue does not exist: %w", err)
	}

	return nil
}

// reconnect restores a closed connection or channel
func (t *RabbitMQTransport) reconnect(ctx context.Context) error {
	if t.amqpConn != nil && t.amqpConn.IsClosed() {
		slog.Warn("AMQP connection is closed, reconnecting to RabbitMQ")
		conn, err := t.dial(ctx, 5)
		if err != nil {
			return err
		}
		slog.Info("Successfully reconnected to RabbitMQ")
		t.conn = conn
		t.amqpConn = conn
		t.amqpChannel = nil
		return t.openChannel()
	}

	if t.amqpChannel != nil && t.amqpChannel.IsClosed() {
		slog.Warn("AMQP channel is closed, recreating channel")
		if err := t.openChannel(); err != nil {
			return fmt.Errorf("failed to recreate channel: %w", err)
		}
		slog.Info("Successfully recreated AMQP channel")
	}
	return nil
}

// Receive receives a message from RabbitMQ
func (t *RabbitMQTransport) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	if err := t.reconnect(ctx); err != nil {
		return QueueMessage{}, err
	}

	if t.consumer == nil || t.consumerQueue != queueName {
		slog.Info("Initializing consumer", "queue", queueName)

		var msgs <-chan amqp.Delivery
		err := retry(ctx, t.retryAttempts, t.retryBackoff, "start consuming "+queueName, func() error {
			if err := t.ensureQueue(queueName); err != nil {
				return err
			}
			var consumeErr error
			msgs, consumeErr = t.channel.Consume(
				queueName,
				"",    // consumer tag
				false, // auto-ack
				false, // exclusive
				false, // no-local
				false, // no-wait
				nil,   // args
			)
			return consumeErr
		})
		if err != nil {
			slog.Error("Failed to start consuming after retries", "queue", queueName, "error", err)
			return QueueMessage{}, err
		}

		t.consumer = msgs
		t.consumerQueue = queueName
		slog.Info("Consumer started successfully", "queue", queueName)
	}

	select {
	case msg, ok := <-t.consumer:
		if !ok {
			// Reset consumer to trigger reconnection on next call
			t.consumer = nil
			t.consumerQueue = ""
			return QueueMessage{}, fmt.Errorf("channel closed")
		}

		headers := make(map[string]string)
		headers["QueueName"] = queueName
		for k, v := range msg.Headers {
			headers[k] = fmt.Sprintf("%v", v)
		}

		receiveCount := 1
		if n, err := strconv.Atoi(headers[deliveryCountHeader]); err == nil {
			receiveCount = n + 1
		} else if msg.Redelivered {
			receiveCount = 2
		}

		return QueueMessage{
			ID:            msg.MessageId,
			Body:          msg.Body,
			ReceiptHandle: msg.DeliveryTag,
			Headers:       headers,
			GroupKey:      headers[groupKeyHeader],
			ReceiveCount:  receiveCount,
		}, nil

	case <-ctx.Done():
		return QueueMessage{}, ctx.Err()
	}
}

// Send publishes a message routed by queue name. The deduplication id is used
// as the AMQP message id.
func (t *RabbitMQTransport) Send(ctx context.Context, queueName string, msg OutgoingMessage) (Receipt, error) {
	if err := t.ensureQueue(queueName); err != nil {
		return Receipt{}, err
	}

	headers := amqp.Table{}
	if msg.GroupKey != "" {
		headers[groupKeyHeader] = msg.GroupKey
	}

	err := t.channel.PublishWithContext(
		ctx,
		t.exchange,
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    msg.DeduplicationID,
			Headers:      headers,
			Body:         msg.Body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}

	return Receipt{MessageID: msg.DeduplicationID}, nil
}

// Ack acknowledges a message
func (t *RabbitMQTransport) Ack(ctx context.Context, msg QueueMessage) error {
	deliveryTag, ok := msg.ReceiptHandle.(uint64)
	if !ok {
		return fmt.Errorf("invalid receipt handle type for RabbitMQ")
	}

	if err := t.channel.Ack(deliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	return nil
}

// Nack negatively acknowledges a message and requeues it
func (t *RabbitMQTransport) Nack(ctx context.Context, msg QueueMessage) error {
	deliveryTag, ok := msg.ReceiptHandle.(uint64)
	if !ok {
		return fmt.Errorf("invalid receipt handle type for RabbitMQ")
	}

	if err := t.channel.Nack(deliveryTag, false, true); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}

	return nil
}

// Close closes the RabbitMQ connection
func (t *RabbitMQTransport) Close() error {
	if t.channel != nil {
		if err := t.channel.Close(); err != nil {
			return err
		}
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// retry runs fn up to attempts times with exponential backoff
func retry(ctx context.Context, attempts int, initialBackoff time.Duration, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt < attempts-1 {
			backoff := initialBackoff * (1 << uint(attempt))
			slog.Warn("Transport operation failed, retrying",
				"operation", what,
				"attempt", attempt+1,
				"maxRetries", attempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to %s after %d attempts: %w", what, attempts, err)
}
