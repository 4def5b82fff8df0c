package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// sqsAPI defines the subset of SQS operations needed by the queue.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig holds SQS queue configuration.
type SQSConfig struct {
	// QueueURL is the URL of the SQS queue.
	QueueURL string

	// WaitTimeSeconds is how long to wait for messages (long polling).
	// Max is 20 seconds.
	WaitTimeSeconds int32

	// VisibilityTimeout hides a received message for the whole time its job may run.
	// Zero keeps the queue's own setting.
	VisibilityTimeout time.Duration
}

// SQS uses the visibility timeout for redelivery. It does not track orders;
// the ledger claim and its execution lease keep a running order from being
// dispatched again on this backend.
type SQS struct {
	client sqsAPI
	config SQSConfig
	logger logger.Logger
}

var (
	_ Queue   = (*SQS)(nil)
	_ Tracker = (*SQS)(nil)
)

// NewSQS creates a new SQS backed queue.
func NewSQS(cfg aws.Config, sqsConfig SQSConfig, log logger.Logger, optFns ...func(*sqs.Options)) (*SQS, error) {
	return newSQS(sqs.NewFromConfig(cfg, optFns...), sqsConfig, log)
}

func newSQS(client sqsAPI, sqsConfig SQSConfig, log logger.Logger) (*SQS, error) {
	if sqsConfig.QueueURL == "" {
		return nil, fmt.Errorf("queue URL is required")
	}
	if sqsConfig.WaitTimeSeconds == 0 {
		sqsConfig.WaitTimeSeconds = 20
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &SQS{client: client, config: sqsConfig, logger: log}, nil
}

func (q *SQS) Enqueue(ctx context.Context, job models.DispatchJob) error {
	body, err := encodeEnvelope(uuid.NewString(), job)
	if err != nil {
		return err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.config.QueueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to send job for order %s: %w", job.OrderID, err)
	}
	return nil
}

func (q *SQS) Dequeue(ctx context.Context) (*Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.config.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.config.WaitTimeSeconds,
		VisibilityTimeout:   int32(q.config.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		if msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}

		env, err := decodeEnvelope(*msg.Body)
		if err != nil {
			q.logger.Error("Deleting undecodable message %s: %v", aws.ToString(msg.MessageId), err)
			if _, delErr := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.config.QueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); delErr != nil {
				q.logger.Error("Failed to delete message: %v", delErr)
			}
			return nil, err
		}

		return &Delivery{ID: env.DeliveryID, Job: env.Job, raw: *msg.ReceiptHandle}, nil
	}

	return nil, nil
}

func (q *SQS) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: aws.String(d.raw),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// IsTracked always reports false; SQS offers no membership query
func (q *SQS) IsTracked(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (q *SQS) Depth(ctx context.Context) (int64, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	value := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	depth, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid queue depth %q: %w", value, err)
	}
	return depth, nil
}

func (q *SQS) Ping(ctx context.Context) error {
	_, err := q.Depth(ctx)
	return err
}

// Close closes the queue (no-op for SQS, but satisfies interface).
func (q *SQS) Close() error {
	return nil
}
