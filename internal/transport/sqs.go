package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	defaultQueueRetryMaxAttempts = 10
	defaultQueueRetryBackoff     = 1 * time.Second
)

// sqsClient defines the interface for SQS operations
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSTransport implements Transport for AWS SQS FIFO queues
type SQSTransport struct {
	client            sqsClient
	admin             sqsAdmin
	baseURL           string
	visibilityTimeout int32
	waitTimeSeconds   int32
	// nackVisibility is applied on Nack; negative leaves the visibility timeout untouched
	nackVisibility int32
	retryAttempts  int
	retryBackoff   time.Duration

	mu            sync.RWMutex
	queueURLCache map[string]string
}

// SQSConfig holds SQS-specific configuration
type SQSConfig struct {
	Region            string
	BaseURL           string
	VisibilityTimeout int32
	WaitTimeSeconds   int32
	// NackVisibilityTimeout is the visibility timeout set on Nack. Negative
	// values leave redelivery to the queue's own visibility timeout.
	NackVisibilityTimeout int32
	QueueRetryAttempts    int
	QueueRetryBackoff     time.Duration
}

// NewSQSTransport creates a new SQS transport
func NewSQSTransport(ctx context.Context, cfg SQSConfig) (*SQSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for LocalStack or ElasticMQ
	var client *sqs.Client
	if cfg.BaseURL != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	t := newSQSTransport(client, cfg)
	t.admin = client
	return t, nil
}

func newSQSTransport(client sqsClient, cfg SQSConfig) *SQSTransport {
	visibilityTimeout := cfg.VisibilityTimeout
	if visibilityTimeout == 0 {
		visibilityTimeout = 300
	}

	waitTimeSeconds := cfg.WaitTimeSeconds
	if waitTimeSeconds == 0 {
		waitTimeSeconds = 20
	}

	retryAttempts := cfg.QueueRetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = defaultQueueRetryMaxAttempts
	}

	retryBackoff := cfg.QueueRetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultQueueRetryBackoff
	}

	return &SQSTransport{
		client:            client,
		baseURL:           cfg.BaseURL,
		visibilityTimeout: visibilityTimeout,
		waitTimeSeconds:   waitTimeSeconds,
		nackVisibility:    cfg.NackVisibilityTimeout,
		retryAttempts:     retryAttempts,
		retryBackoff:      retryBackoff,
		queueURLCache:     make(map[string]string),
	}
}

// resolveQueueURL resolves the full queue URL from queue name using GetQueueUrl API,
// retrying with exponential backoff while the queue is temporarily missing
func (t *SQSTransport) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	t.mu.RLock()
	cached, ok := t.queueURLCache[queueName]
	t.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var result *sqs.GetQueueUrlOutput
	var err error

	for attempt := 0; attempt < t.retryAttempts; attempt++ {
		result, err = t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(queueName),
		})
		if err == nil {
			break
		}

		if attempt < t.retryAttempts-1 {
			backoff := t.retryBackoff * (1 << uint(attempt))
			slog.Warn("Failed to resolve queue URL, retrying",
				"queue", queueName,
				"attempt", attempt+1,
				"maxRetries", t.retryAttempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s after %d attempts: %w", queueName, t.retryAttempts, err)
	}

	queueURL := t.rewriteQueueURL(aws.ToString(result.QueueUrl))

	t.mu.Lock()
	t.queueURLCache[queueName] = queueURL
	t.mu.Unlock()
	return queueURL, nil
}

// rewriteQueueURL points queue URLs at the configured base endpoint. LocalStack
// returns localhost.localstack.cloud hostnames that are unreachable from containers.
func (t *SQSTransport) rewriteQueueURL(queueURL string) string {
	if t.baseURL == "" {
		return queueURL
	}
	parsedBase, err := url.Parse(t.baseURL)
	if err != nil {
		return queueURL
	}
	parsedQueue, err := url.Parse(queueURL)
	if err != nil || parsedQueue.Host == parsedBase.Host {
		return queueURL
	}
	parsedQueue.Scheme = parsedBase.Scheme
	parsedQueue.Host = parsedBase.Host
	return parsedQueue.String()
}

func (t *SQSTransport) invalidateQueueURL(queueName string) {
	t.mu.Lock()
	delete(t.queueURLCache, queueName)
	t.mu.Unlock()
}

// splitReceiptHandle extracts queueURL and receiptHandle from stored format
func splitReceiptHandle(handle interface{}) (string, string, error) {
	str, ok := handle.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid receipt handle type for SQS")
	}

	parts := strings.SplitN(str, "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid receipt handle format")
	}

	return parts[0], parts[1], nil
}

// Receive receives a message from SQS with long polling
func (t *SQSTransport) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	queueURL, err := t.resolveQueueURL(ctx, queueName)
	if err != nil {
		return QueueMessage{}, fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}

	// Blocks until a message arrives or ctx is cancelled
	for {
		select {
		case <-ctx.Done():
			return QueueMessage{}, ctx.Err()
		default:
		}

		resp, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       t.waitTimeSeconds,
			VisibilityTimeout:     t.visibilityTimeout,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameMessageGroupId,
			},
		})
		if err != nil {
			// Fetch a fresh URL next time in case the queue was recreated
			t.invalidateQueueURL(queueName)
			return QueueMessage{}, fmt.Errorf("failed to receive from SQS: %w", err)
		}

		if len(resp.Messages) == 0 {
			continue
		}

		msg := resp.Messages[0]

		headers := make(map[string]string)
		headers["QueueName"] = queueName
		for k, v := range msg.MessageAttributes {
			if v.StringValue != nil {
				headers[k] = *v.StringValue
			}
		}

		receiveCount, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

		// Store receipt handle as "queueURL|receiptHandle"
		receiptHandle := fmt.Sprintf("%s|%s", queueURL, aws.ToString(msg.ReceiptHandle))

		return QueueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          []byte(aws.ToString(msg.Body)),
			ReceiptHandle: receiptHandle,
			Headers:       headers,
			GroupKey:      msg.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
			ReceiveCount:  receiveCount,
		}, nil
	}
}

// Send sends a message to SQS. GroupKey and DeduplicationID map onto the FIFO
// MessageGroupId and MessageDeduplicationId.
func (t *SQSTransport) Send(ctx context.Context, queueName string, msg OutgoingMessage) (Receipt, error) {
	queueURL, err := t.resolveQueueURL(ctx, queueName)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(msg.Body)),
	}
	if msg.GroupKey != "" {
		input.MessageGroupId = aws.String(msg.GroupKey)
	}
	if msg.DeduplicationID != "" {
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
	}

	result, err := t.client.SendMessage(ctx, input)
	if err != nil {
		slog.Error("SQS SendMessage failed", "queueName", queueName, "queueURL", queueURL, "error", err)
		return Receipt{}, fmt.Errorf("failed to send to SQS: %w", err)
	}

	slog.Debug("SQS message sent", "queueName", queueName, "messageId", aws.ToString(result.MessageId), "group", msg.GroupKey)
	return Receipt{
		MessageID:      aws.ToString(result.MessageId),
		SequenceNumber: aws.ToString(result.SequenceNumber),
	}, nil
}

// Ack acknowledges a message by deleting it from the queue
func (t *SQSTransport) Ack(ctx context.Context, msg QueueMessage) error {
	queueURL, receiptHandle, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}

	_, err = t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	return nil
}

// Nack leaves the message for redelivery. With a non-negative nack visibility
// timeout the message becomes visible again after that many seconds; otherwise
// the queue's visibility timeout and redrive policy decide.
func (t *SQSTransport) Nack(ctx context.Context, msg QueueMessage) error {
	queueURL, receiptHandle, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}

	if t.nackVisibility < 0 {
		return nil
	}

	_, err = t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: t.nackVisibility,
	})
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}

	return nil
}

// Close closes the SQS transport (no-op for SQS client)
func (t *SQSTransport) Close() error {
	return nil
}
