package transport

import "context"

// QueueMessage is a message received from a queue. ReceiptHandle is opaque and
// transport specific.
type QueueMessage struct {
	ID            string
	Body          []byte
	ReceiptHandle interface{}
	Headers       map[string]string
	GroupKey      string
	// ReceiveCount is the transport's own redelivery counter. It is reported
	// for logging only and resets whenever a message is recreated.
	ReceiveCount int
}

// OutgoingMessage is a message to submit to a queue.
type OutgoingMessage struct {
	Body            []byte
	GroupKey        string
	DeduplicationID string
}

// Receipt identifies a message accepted by the transport.
type Receipt struct {
	MessageID      string
	SequenceNumber string
}

// Transport is the at-least-once queue the worker consumes from and produces to.
type Transport interface {
	// Receive long-polls queueName and blocks until a message arrives or ctx is done.
	Receive(ctx context.Context, queueName string) (QueueMessage, error)
	Send(ctx context.Context, queueName string, msg OutgoingMessage) (Receipt, error)
	// Ack deletes the message from the queue.
	Ack(ctx context.Context, msg QueueMessage) error
	// Nack leaves the message for redelivery.
	Nack(ctx context.Context, msg QueueMessage) error
	Close() error
}
