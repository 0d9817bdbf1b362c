package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/queue"
)

// SQS caps per-message delay at 15 minutes.
const maxDelaySeconds = 900

// Config holds SQS configuration for one pipeline stage.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint, e.g. for LocalStack.
	Endpoint string

	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue is a queue.Broker backed by one SQS queue.
type Queue struct {
	client   API
	queueURL string
	wait     int32
	visible  int32
	logger   *zap.Logger
}

var _ queue.Broker = (*Queue)(nil)

// NewQueue loads AWS configuration and returns a queue for cfg.QueueURL.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized", zap.String("queue_url", cfg.QueueURL))

	return NewQueueWithClient(client, cfg, logger), nil
}

// NewQueueWithClient builds a queue around an existing client.
func NewQueueWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		wait:     cfg.WaitTimeSeconds,
		visible:  cfg.VisibilityTimeout,
		logger:   logger,
	}
}

func (q *Queue) send(ctx context.Context, env *queue.Envelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("task_id", env.ID),
			zap.String("kind", string(env.Kind)),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// delaySeconds rounds up to whole seconds; SQS has no finer resolution.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := int32(math.Ceil(d.Seconds()))
	if s > maxDelaySeconds {
		return maxDelaySeconds
	}
	return s
}

// Enqueue sends env to the queue.
func (q *Queue) Enqueue(ctx context.Context, env *queue.Envelope) error {
	return q.send(ctx, env, 0)
}

// Receive long-polls for one message.
func (q *Queue) Receive(ctx context.Context) (*queue.Envelope, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.visible,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	var env queue.Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		q.logger.Error("dropping undecodable message", zap.Error(err))
		_ = q.delete(ctx, receipt)
		return nil, fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	env.Receipt = receipt
	env.Attempt = redeliveredAttempt(env.Attempt, msg.Attributes)
	return &env, nil
}

// redeliveredAttempt counts each visibility-timeout redelivery of the same
// message body as one more attempt. The body carries the attempt it was
// sent with, so receive count 1 leaves it unchanged.
func redeliveredAttempt(attempt int, attrs map[string]string) int {
	count, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || count < 1 {
		return attempt
	}
	return max(attempt, attempt-1+count)
}

func (q *Queue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Ack deletes the message after successful processing.
func (q *Queue) Ack(ctx context.Context, env *queue.Envelope) error {
	return q.delete(ctx, env.Receipt)
}

// Retry re-sends the next attempt with a delivery delay and deletes the
// current message. If the re-send fails, the message is hidden for the
// delay instead and SQS redelivers it with the same attempt number.
func (q *Queue) Retry(ctx context.Context, env *queue.Envelope, delay time.Duration) error {
	if err := q.send(ctx, env.Next(), delay); err != nil {
		if verr := q.changeVisibility(ctx, env.Receipt, delaySeconds(delay)); verr != nil {
			q.logger.Warn("failed to delay message after send failure", zap.Error(verr))
		}
		return err
	}
	return q.delete(ctx, env.Receipt)
}

func (q *Queue) changeVisibility(ctx context.Context, receipt string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
