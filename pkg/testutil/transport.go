package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/campaignkit/campaign-worker/internal/transport"
)

// FakeTransport is an in-memory transport.Transport for tests. Sent messages
// are recorded per queue and Receive serves messages queued with Push.
type FakeTransport struct {
	// SendErr, when set, fails every Send.
	SendErr error
	// AckErr, when set, fails every Ack.
	AckErr error

	mu          sync.Mutex
	sent        map[string][]transport.OutgoingMessage
	inbox       map[string]chan transport.QueueMessage
	receiveErrs []error
	acked       []transport.QueueMessage
	nacked      []transport.QueueMessage
	closed      bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		sent:  make(map[string][]transport.OutgoingMessage),
		inbox: make(map[string]chan transport.QueueMessage),
	}
}

func (f *FakeTransport) queue(name string) chan transport.QueueMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.inbox[name]
	if !ok {
		ch = make(chan transport.QueueMessage, 128)
		f.inbox[name] = ch
	}
	return ch
}

// Push makes msg available to the next Receive on queueName.
func (f *FakeTransport) Push(queueName string, msg transport.QueueMessage) {
	f.queue(queueName) <- msg
}

// FailReceive makes the next Receive calls return errs in order.
func (f *FakeTransport) FailReceive(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveErrs = append(f.receiveErrs, errs...)
}

func (f *FakeTransport) Receive(ctx context.Context, queueName string) (transport.QueueMessage, error) {
	f.mu.Lock()
	if len(f.receiveErrs) > 0 {
		err := f.receiveErrs[0]
		f.receiveErrs = f.receiveErrs[1:]
		f.mu.Unlock()
		return transport.QueueMessage{}, err
	}
	f.mu.Unlock()

	select {
	case msg := <-f.queue(queueName):
		return msg, nil
	case <-ctx.Done():
		return transport.QueueMessage{}, ctx.Err()
	}
}

func (f *FakeTransport) Send(ctx context.Context, queueName string, msg transport.OutgoingMessage) (transport.Receipt, error) {
	if f.SendErr != nil {
		return transport.Receipt{}, f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[queueName] = append(f.sent[queueName], msg)
	return transport.Receipt{MessageID: fmt.Sprintf("msg-%d", len(f.sent[queueName]))}, nil
}

func (f *FakeTransport) Ack(ctx context.Context, msg transport.QueueMessage) error {
	if f.AckErr != nil {
		return f.AckErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msg)
	return nil
}

func (f *FakeTransport) Nack(ctx context.Context, msg transport.QueueMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, msg)
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Sent returns the messages sent to queueName.
func (f *FakeTransport) Sent(queueName string) []transport.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.OutgoingMessage(nil), f.sent[queueName]...)
}

// Acked returns the acknowledged messages.
func (f *FakeTransport) Acked() []transport.QueueMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.QueueMessage(nil), f.acked...)
}

// Nacked returns the messages left for redelivery.
func (f *FakeTransport) Nacked() []transport.QueueMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.QueueMessage(nil), f.nacked...)
}

// Closed reports whether Close was called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
