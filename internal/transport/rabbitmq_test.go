package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueueName = "campaign-jobs"

// mockRabbitMQChannel is a mock implementation of rabbitmqChannel for testing
type mockRabbitMQChannel struct {
	queueDeclarePassiveFunc  func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	consumeFunc              func(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	publishWithContextFunc   func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ackFunc                  func(tag uint64, multiple bool) error
	nackFunc                 func(tag uint64, multiple, requeue bool) error
	deliveryChan             chan amqp.Delivery
	closeChanOnConsumeCancel bool
	closed                   bool
}

func (m *mockRabbitMQChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (m *mockRabbitMQChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (m *mockRabbitMQChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.queueDeclarePassiveFunc != nil {
		return m.queueDeclarePassiveFunc(name, durable, autoDelete, exclusive, noWait, args)
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockRabbitMQChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.consumeFunc != nil {
		return m.consumeFunc(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	}
	if m.deliveryChan != nil {
		if m.closeChanOnConsumeCancel {
			go func() {
				close(m.deliveryChan)
			}()
		}
		return m.deliveryChan, nil
	}
	return make(<-chan amqp.Delivery), nil
}

func (m *mockRabbitMQChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishWithContextFunc != nil {
		return m.publishWithContextFunc(ctx, exchange, key, mandatory, immediate, msg)
	}
	return nil
}

func (m *mockRabbitMQChannel) Ack(tag uint64, multiple bool) error {
	if m.ackFunc != nil {
		return m.ackFunc(tag, multiple)
	}
	return nil
}

func (m *mockRabbitMQChannel) Nack(tag uint64, multiple, requeue bool) error {
	if m.nackFunc != nil {
		return m.nackFunc(tag, multiple, requeue)
	}
	return nil
}

func (m *mockRabbitMQChannel) Close() error {
	m.closed = true
	return nil
}

// createMockRabbitMQTransport creates a RabbitMQTransport around a mock channel
func createMockRabbitMQTransport(mockChannel rabbitmqChannel) *RabbitMQTransport {
	return &RabbitMQTransport{
		channel:       mockChannel,
		exchange:      "test-exchange",
		prefetchCount: 1,
		retryAttempts: 2,
		retryBackoff:  10 * time.Millisecond,
	}
}

func TestRabbitMQTransport_CheckQueue(t *testing.T) {
	t.Run("queue exists", func(t *testing.T) {
		queueChecked := false
		mockChannel := &mockRabbitMQChannel{
			queueDeclarePassiveFunc: func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
				assert.Equal(t, testQueueName, name)
				assert.True(t, durable)
				queueChecked = true
				return amqp.Queue{Name: name}, nil
			},
		}

		assert.NoError(t, createMockRabbitMQTransport(mockChannel).ensureQueue(testQueueName))
		assert.True(t, queueChecked, "QueueDeclarePassive was not called")
	})

	t.Run("queue does not exist", func(t *testing.T) {
		mockChannel := &mockRabbitMQChannel{
			queueDeclarePassiveFunc: func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
				return amqp.Queue{}, errors.New("queue not found")
			},
		}

		assert.Error(t, createMockRabbitMQTransport(mockChannel).ensureQueue(testQueueName))
	})

	t.Run("no channel", func(t *testing.T) {
		tp := &RabbitMQTransport{}
		assert.Error(t, tp.ensureQueue(testQueueName))
	})
}

func TestRabbitMQTransport_Receive(t *testing.T) {
	ctx := context.Background()

	t.Run("receive message with group key", func(t *testing.T) {
		deliveryChan := make(chan amqp.Delivery, 1)
		deliveryChan <- amqp.Delivery{
			MessageId:   "msg-123",
			Body:        []byte(`{"type":"pathToVictory"}`),
			DeliveryTag: uint64(42),
			Redelivered: true,
			Headers: amqp.Table{
				groupKeyHeader:      "pathToVictory-9",
				deliveryCountHeader: int64(2),
			},
		}

		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{deliveryChan: deliveryChan})

		msg, err := tp.Receive(ctx, testQueueName)
		require.NoError(t, err)
		assert.Equal(t, "msg-123", msg.ID)
		assert.Equal(t, uint64(42), msg.ReceiptHandle)
		assert.Equal(t, "pathToVictory-9", msg.GroupKey)
		assert.Equal(t, 3, msg.ReceiveCount)
		assert.Equal(t, testQueueName, msg.Headers["QueueName"])
	})

	t.Run("context cancellation", func(t *testing.T) {
		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{deliveryChan: make(chan amqp.Delivery)})

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := tp.Receive(cancelCtx, testQueueName)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("channel closed resets consumer", func(t *testing.T) {
		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{
			closeChanOnConsumeCancel: true,
			deliveryChan:             make(chan amqp.Delivery),
		})

		_, err := tp.Receive(ctx, testQueueName)
		assert.Error(t, err)
		assert.Nil(t, tp.consumer, "consumer should be reset after channel close")
	})

	t.Run("consume initialization failure", func(t *testing.T) {
		calls := 0
		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{
			consumeFunc: func(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
				calls++
				return nil, errors.New("consume failed")
			},
		})

		_, err := tp.Receive(ctx, testQueueName)
		assert.Error(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestRabbitMQTransport_Send(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"type":"generateAiContent"}`)

	t.Run("successful send", func(t *testing.T) {
		var published amqp.Publishing
		var routingKey string
		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{
			publishWithContextFunc: func(ctx context.Context, ex, key string, mandatory, immediate bool, msg amqp.Publishing) error {
				routingKey = key
				published = msg
				return nil
			},
		})

		receipt, err := tp.Send(ctx, testQueueName, OutgoingMessage{Body: body, GroupKey: "g-1", DeduplicationID: "d-1"})
		require.NoError(t, err)
		assert.Equal(t, "d-1", receipt.MessageID)
		assert.Equal(t, testQueueName, routingKey)
		assert.Equal(t, "d-1", published.MessageId)
		assert.Equal(t, "g-1", published.Headers[groupKeyHeader])
		assert.Equal(t, amqp.Persistent, published.DeliveryMode)
	})

	t.Run("publish failure", func(t *testing.T) {
		tp := createMockRabbitMQTransport(&mockRabbitMQChannel{
			publishWithContextFunc: func(ctx context.Context, ex, key string, mandatory, immediate bool, msg amqp.Publishing) error {
				return errors.New("publish failed")
			},
		})

		_, err := tp.Send(ctx, testQueueName, OutgoingMessage{Body: body})
		assert.Error(t, err)
	})
}

func TestRabbitMQTransport_AckNack(t *testing.T) {
	ctx := context.Background()
	var acked, nacked uint64
	var requeued bool

	tp := createMockRabbitMQTransport(&mockRabbitMQChannel{
		ackFunc: func(tag uint64, multiple bool) error {
			acked = tag
			return nil
		},
		nackFunc: func(tag uint64, multiple, requeue bool) error {
			nacked = tag
			requeued = requeue
			return nil
		},
	})

	require.NoError(t, tp.Ack(ctx, QueueMessage{ReceiptHandle: uint64(7)}))
	assert.Equal(t, uint64(7), acked)

	require.NoError(t, tp.Nack(ctx, QueueMessage{ReceiptHandle: uint64(8)}))
	assert.Equal(t, uint64(8), nacked)
	assert.True(t, requeued)

	assert.Error(t, tp.Ack(ctx, QueueMessage{ReceiptHandle: "invalid-type"}))
	assert.Error(t, tp.Nack(ctx, QueueMessage{ReceiptHandle: "invalid-type"}))
}

func TestRabbitMQTransport_Close(t *testing.T) {
	ch := &mockRabbitMQChannel{}
	tp := createMockRabbitMQTransport(ch)
	require.NoError(t, tp.Close())
	assert.True(t, ch.closed, "channel was not closed")
}
