package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

const fifoSuffix = ".fifo"

// QueueSpec describes the job queue and its dead-letter companion.
type QueueSpec struct {
	Name string
	// DeadLetterName receives messages past MaxReceiveCount. Empty disables
	// the dead-letter path.
	DeadLetterName  string
	MaxReceiveCount int
}

// DeadLetterName derives the dead-letter queue name for queue.
func DeadLetterName(queue string) string {
	if strings.HasSuffix(queue, fifoSuffix) {
		return strings.TrimSuffix(queue, fifoSuffix) + "-dlq" + fifoSuffix
	}
	return queue + "-dlq"
}

// Provisioner creates queues. Implemented by both transports.
type Provisioner interface {
	EnsureQueue(ctx context.Context, spec QueueSpec) error
}

// sqsAdmin covers the queue provisioning calls
type sqsAdmin interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// EnsureQueue creates the FIFO job queue, and its dead-letter queue with a
// redrive policy when requested. Existing queues with matching attributes are
// left alone.
func (t *SQSTransport) EnsureQueue(ctx context.Context, spec QueueSpec) error {
	if t.admin == nil {
		return fmt.Errorf("queue provisioning is not available")
	}
	if !strings.HasSuffix(spec.Name, fifoSuffix) {
		return fmt.Errorf("queue %s: FIFO queue names must end in %s", spec.Name, fifoSuffix)
	}

	attrs := map[string]string{
		string(types.QueueAttributeNameFifoQueue):                 "true",
		string(types.QueueAttributeNameContentBasedDeduplication): "false",
		string(types.QueueAttributeNameVisibilityTimeout):         strconv.Itoa(int(t.visibilityTimeout)),
	}

	if spec.DeadLetterName != "" {
		if !strings.HasSuffix(spec.DeadLetterName, fifoSuffix) {
			return fmt.Errorf("dead-letter queue %s: FIFO queue names must end in %s", spec.DeadLetterName, fifoSuffix)
		}
		dlqURL, err := t.createQueue(ctx, spec.DeadLetterName, map[string]string{
			string(types.QueueAttributeNameFifoQueue): "true",
		})
		if err != nil {
			return err
		}

		out, err := t.admin.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(dlqURL),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		if err != nil {
			return fmt.Errorf("failed to read dead-letter queue ARN: %w", err)
		}
		arn := out.Attributes[string(types.QueueAttributeNameQueueArn)]
		if arn == "" {
			return fmt.Errorf("dead-letter queue %s has no ARN", spec.DeadLetterName)
		}

		maxReceive := spec.MaxReceiveCount
		if maxReceive <= 0 {
			maxReceive = 5
		}
		attrs[string(types.QueueAttributeNameRedrivePolicy)] = fmt.Sprintf(`{"deadLetterTargetArn":"%s","maxReceiveCount":%d}`, arn, maxReceive)
	}

	_, err := t.createQueue(ctx, spec.Name, attrs)
	return err
}

func (t *SQSTransport) createQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	out, err := t.admin.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		var exists *types.QueueNameExists
		if errors.As(err, &exists) {
			return "", fmt.Errorf("queue %s exists with different attributes: %w", name, err)
		}
		return "", fmt.Errorf("failed to create SQS queue %s: %w", name, err)
	}

	queueURL := t.rewriteQueueURL(aws.ToString(out.QueueUrl))
	t.mu.Lock()
	t.queueURLCache[name] = queueURL
	t.mu.Unlock()

	slog.Info("SQS queue ensured", "queue", name, "url", queueURL)
	return queueURL, nil
}

// rabbitmqAdmin covers the queue provisioning calls
type rabbitmqAdmin interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// EnsureQueue declares the job queue as a quorum queue with a single active
// consumer, so redeliveries carry x-delivery-count and a group is consumed in
// order. The dead-letter queue hangs off "<exchange>.dlx".
func (t *RabbitMQTransport) EnsureQueue(ctx context.Context, spec QueueSpec) error {
	if t.admin == nil {
		return fmt.Errorf("channel is not available")
	}

	args := amqp.Table{
		"x-queue-type":             "quorum",
		"x-single-active-consumer": true,
	}

	if spec.DeadLetterName != "" {
		dlx := t.exchange + ".dlx"
		if err := t.admin.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
		}
		if err := t.declareAndBind(spec.DeadLetterName, dlx, amqp.Table{"x-queue-type": "quorum"}); err != nil {
			return err
		}

		maxReceive := spec.MaxReceiveCount
		if maxReceive <= 0 {
			maxReceive = 5
		}
		args["x-dead-letter-exchange"] = dlx
		args["x-dead-letter-routing-key"] = spec.DeadLetterName
		args["x-delivery-limit"] = maxReceive
	}

	return t.declareAndBind(spec.Name, t.exchange, args)
}

func (t *RabbitMQTransport) declareAndBind(queue, exchange string, args amqp.Table) error {
	if _, err := t.admin.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := t.admin.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, exchange, err)
	}
	slog.Info("RabbitMQ queue ensured", "queue", queue, "exchange", exchange)
	return nil
}
