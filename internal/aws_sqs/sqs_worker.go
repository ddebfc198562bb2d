package aws_sqs

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/tidwall/gjson"
)

const (
	receiveRetryDelay = 2 * time.Second
	actionAttribute   = "action"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput,
		optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSWorker moves task messages between the queue and the in-process channels.
// The consumer feeds getSqsChan; the producer drains sendSqsChan (analyze tasks queued by the crawler).
type SQSWorker struct {
	client      sqsAPI
	url         *string
	getSqsChan  chan<- *string
	sendSqsChan <-chan *string
	metrics     *telemetry.SQSMetrics
	cfg         *config.Config
	wg          *sync.WaitGroup
}

func NewSQSWorker(getSqsChan chan<- *string, metrics *telemetry.SQSMetrics, sendSqsChan <-chan *string,
	cfg *config.Config, wg *sync.WaitGroup) *SQSWorker {
	slog.Info("connecting to sqs...")

	c, err := connect(cfg)
	if err != nil {
		slog.Error("failed to connect to sqs.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	queueUrl, err := c.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{QueueName: &cfg.SQSSettings.QueueName})
	if err != nil {
		slog.Error("failed to get queue url.", slog.String("err", err.Error()),
			slog.String("queue_name", cfg.SQSSettings.QueueName))
		os.Exit(1)
	}

	return &SQSWorker{
		client:      c,
		url:         queueUrl.QueueUrl,
		getSqsChan:  getSqsChan,
		sendSqsChan: sendSqsChan,
		metrics:     metrics,
		cfg:         cfg,
		wg:          wg,
	}
}

// SQSConsumer receives tasks until ctx is cancelled, then closes getSqsChan.
// A batch is deleted once handed to the workers; failures inside a worker go to the DLQ.
func (w *SQSWorker) SQSConsumer(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		close(w.getSqsChan)
		slog.Info("close getSqsChan.")
	}()
	slog.Info("starting sqs consumer...", slog.String("queue_url", *w.url))

	receive := &sqs.ReceiveMessageInput{
		QueueUrl:              w.url,
		MaxNumberOfMessages:   w.cfg.SQSSettings.MaxNumberOfMessages,
		WaitTimeSeconds:       w.cfg.SQSSettings.WaitTimeSeconds,
		VisibilityTimeout:     w.cfg.SQSSettings.VisibilityTimeout,
		MessageAttributeNames: []string{actionAttribute},
	}

	for ctx.Err() == nil {
		output, err := w.client.ReceiveMessage(ctx, receive)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("failed to receive tasks from sqs.", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(receiveRetryDelay):
			}
			continue
		}
		if len(output.Messages) == 0 {
			slog.Debug("no tasks received from sqs.")
			continue
		}
		w.ack(w.dispatch(output.Messages))
	}
	slog.Info("stopping sqs consumer...")
}

// dispatch hands every task body to the workers and returns the delete entries of the batch.
func (w *SQSWorker) dispatch(messages []types.Message) []types.DeleteMessageBatchRequestEntry {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, types.DeleteMessageBatchRequestEntry{Id: m.MessageId, ReceiptHandle: m.ReceiptHandle})
		if m.Body == nil {
			slog.Warn("skipping sqs message without body.", slog.String("message_id", aws.ToString(m.MessageId)))
			continue
		}
		slog.Debug("task received.", slog.String("action", taskAction(m)),
			slog.String("message_id", aws.ToString(m.MessageId)))
		w.getSqsChan <- m.Body
	}
	return entries
}

func (w *SQSWorker) ack(entries []types.DeleteMessageBatchRequestEntry) {
	_, err := w.client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{
		QueueUrl: w.url,
		Entries:  entries,
	})
	if err != nil {
		// redelivered after the visibility timeout
		slog.Error("failed to delete tasks from sqs.", slog.Int("size", len(entries)), slog.String("err", err.Error()))
		w.metrics.FailMsgCnt(int64(len(entries)))
		return
	}
	w.metrics.SuccessMsgCnt(int64(len(entries)))
}

// SQSProducer queues every task from sendSqsChan until the channel is closed.
// The task action travels as a message attribute so consumers can route without decoding the body.
func (w *SQSWorker) SQSProducer() {
	defer w.wg.Done()
	slog.Info("starting sqs producer...", slog.String("queue_url", *w.url))

	for body := range w.sendSqsChan {
		action := gjson.Get(*body, "action").String()
		_, err := w.client.SendMessage(context.Background(), &sqs.SendMessageInput{
			QueueUrl:    w.url,
			MessageBody: body,
			MessageAttributes: map[string]types.MessageAttributeValue{
				actionAttribute: {DataType: aws.String("String"), StringValue: aws.String(action)},
			},
		})
		if err != nil {
			slog.Error("failed to queue task.", slog.String("action", action), slog.String("task", *body),
				slog.String("err", err.Error()))
			continue
		}
		slog.Debug("task queued.", slog.String("action", action))
		w.metrics.SentMsgCnt(1)
	}
	slog.Info("stopping sqs producer.")
}

// taskAction prefers the message attribute and falls back to the body.
func taskAction(m types.Message) string {
	if v, ok := m.MessageAttributes[actionAttribute]; ok && v.StringValue != nil {
		return *v.StringValue
	}
	return gjson.Get(aws.ToString(m.Body), "action").String()
}

func connect(cfg *config.Config) (*sqs.Client, error) {
	sqsConfig, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.SQSSettings.Region))
	if err != nil {
		slog.Error("failed to load sqs config.", slog.String("err", err.Error()))
		return nil, err
	}

	if cfg.Env == "local" {
		sqsConfig.BaseEndpoint = &cfg.SQSSettings.AwsBaseEndpoint // for LocalStack
		sqsConfig.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
	}

	return sqs.NewFromConfig(sqsConfig), nil
}
