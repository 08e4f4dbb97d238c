package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQSClient struct {
	queueURL       string
	getQueueURLErr error
	getQueueCalls  int
	receiveOutputs []*sqs.ReceiveMessageOutput
	receiveErr     error
	sent           []*sqs.SendMessageInput
	deleted        []*sqs.DeleteMessageInput
	visibility     []*sqs.ChangeMessageVisibilityInput
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if len(m.receiveOutputs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := m.receiveOutputs[0]
	m.receiveOutputs = m.receiveOutputs[1:]
	return out, nil
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("sent-1"), SequenceNumber: aws.String("42")}, nil
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, params)
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.visibility = append(m.visibility, params)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockSQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.getQueueCalls++
	if m.getQueueURLErr != nil {
		return nil, m.getQueueURLErr
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(m.queueURL)}, nil
}

func TestSQSTransport_SendSetsFIFOAttributes(t *testing.T) {
	client := &mockSQSClient{queueURL: "https://sqs.us-east-1.amazonaws.com/123/campaign-jobs.fifo"}
	tp := newSQSTransport(client, SQSConfig{})

	receipt, err := tp.Send(context.Background(), "campaign-jobs.fifo", OutgoingMessage{
		Body:            []byte(`{"type":"x"}`),
		GroupKey:        "pathToVictory-1",
		DeduplicationID: "dedup-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", receipt.MessageID)
	assert.Equal(t, "42", receipt.SequenceNumber)

	require.Len(t, client.sent, 1)
	assert.Equal(t, "pathToVictory-1", aws.ToString(client.sent[0].MessageGroupId))
	assert.Equal(t, "dedup-1", aws.ToString(client.sent[0].MessageDeduplicationId))
	assert.Equal(t, `{"type":"x"}`, aws.ToString(client.sent[0].MessageBody))

	_, err = tp.Send(context.Background(), "campaign-jobs.fifo", OutgoingMessage{Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, 1, client.getQueueCalls, "queue URL should be cached")
}

func TestSQSTransport_ReceiveMapsAttributes(t *testing.T) {
	client := &mockSQSClient{
		queueURL: "http://localhost.localstack.cloud:4566/000000000000/jobs.fifo",
		receiveOutputs: []*sqs.ReceiveMessageOutput{
			{},
			{Messages: []types.Message{{
				MessageId:     aws.String("m-1"),
				Body:          aws.String(`{"type":"pathToVictory"}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes: map[string]string{
					"ApproximateReceiveCount": "3",
					"MessageGroupId":          "pathToVictory-1",
				},
				MessageAttributes: map[string]types.MessageAttributeValue{
					"trace": {StringValue: aws.String("abc")},
				},
			}}},
		},
	}
	tp := newSQSTransport(client, SQSConfig{BaseURL: "http://localstack:4566"})

	msg, err := tp.Receive(context.Background(), "jobs.fifo")
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, 3, msg.ReceiveCount)
	assert.Equal(t, "pathToVictory-1", msg.GroupKey)
	assert.Equal(t, "abc", msg.Headers["trace"])
	assert.Equal(t, "jobs.fifo", msg.Headers["QueueName"])
	assert.Equal(t, "http://localstack:4566/000000000000/jobs.fifo|rh-1", msg.ReceiptHandle)
}

func TestSQSTransport_ReceiveErrorInvalidatesCache(t *testing.T) {
	client := &mockSQSClient{queueURL: "https://sqs/1/jobs.fifo", receiveErr: errors.New("boom")}
	tp := newSQSTransport(client, SQSConfig{})

	_, err := tp.Receive(context.Background(), "jobs.fifo")
	require.Error(t, err)
	_, err = tp.Receive(context.Background(), "jobs.fifo")
	require.Error(t, err)
	assert.Equal(t, 2, client.getQueueCalls)
}

func TestSQSTransport_ResolveQueueURLGivesUp(t *testing.T) {
	client := &mockSQSClient{getQueueURLErr: errors.New("QueueDoesNotExist")}
	tp := newSQSTransport(client, SQSConfig{QueueRetryAttempts: 2, QueueRetryBackoff: time.Millisecond})

	_, err := tp.Send(context.Background(), "missing.fifo", OutgoingMessage{Body: []byte("{}")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, client.getQueueCalls)
}

func TestSQSTransport_AckDeletes(t *testing.T) {
	client := &mockSQSClient{}
	tp := newSQSTransport(client, SQSConfig{})

	require.NoError(t, tp.Ack(context.Background(), QueueMessage{ReceiptHandle: "https://sqs/1/q|rh"}))
	require.Len(t, client.deleted, 1)
	assert.Equal(t, "https://sqs/1/q", aws.ToString(client.deleted[0].QueueUrl))
	assert.Equal(t, "rh", aws.ToString(client.deleted[0].ReceiptHandle))

	assert.Error(t, tp.Ack(context.Background(), QueueMessage{ReceiptHandle: 7}))
	assert.Error(t, tp.Ack(context.Background(), QueueMessage{ReceiptHandle: "no-separator"}))
}

func TestSQSTransport_Nack(t *testing.T) {
	t.Run("leaves visibility untouched by default", func(t *testing.T) {
		client := &mockSQSClient{}
		tp := newSQSTransport(client, SQSConfig{NackVisibilityTimeout: -1})

		require.NoError(t, tp.Nack(context.Background(), QueueMessage{ReceiptHandle: "u|rh"}))
		assert.Empty(t, client.visibility)
	})

	t.Run("applies configured visibility", func(t *testing.T) {
		client := &mockSQSClient{}
		tp := newSQSTransport(client, SQSConfig{NackVisibilityTimeout: 30})

		require.NoError(t, tp.Nack(context.Background(), QueueMessage{ReceiptHandle: "u|rh"}))
		require.Len(t, client.visibility, 1)
		assert.Equal(t, int32(30), client.visibility[0].VisibilityTimeout)
	})
}
