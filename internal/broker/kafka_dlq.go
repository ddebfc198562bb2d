package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IliaW/content-proof/config"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

// DeadLetterQueue receives work that could not be processed: pages that failed to crawl
// and task messages that could not be decoded or executed.
type DeadLetterQueue interface {
	SendUrlToDLQ(url string, err error)
	SendTaskToDLQ(body string, err error)
}

type KafkaDLQClient struct {
	kafkaWriter messageWriter
	serviceName string
	cfg         *config.ProducerConfig
}

var _ DeadLetterQueue = (*KafkaDLQClient)(nil)

type DLQMessage struct {
	ServiceName  string `json:"service_name"`
	Kind         string `json:"kind"`
	URL          string `json:"url,omitempty"`
	Body         string `json:"body,omitempty"`
	ErrorMessage string `json:"error_message"`
}

// NewKafkaDLQ - kafka client for dead-letter queue topic
func NewKafkaDLQ(serviceName string, cfg *config.ProducerConfig) *KafkaDLQClient {
	kafkaWriter := kafka.Writer{
		Addr:     kafka.TCP(cfg.Addr...),
		Topic:    cfg.DeadLetterTopicName,
		Balancer: &kafka.Hash{},
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka DLQ.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return &KafkaDLQClient{
		kafkaWriter: &kafkaWriter,
		serviceName: serviceName,
		cfg:         cfg,
	}
}

func (dlq *KafkaDLQClient) SendUrlToDLQ(url string, err error) {
	dlq.send(DLQMessage{
		ServiceName:  dlq.serviceName,
		Kind:         "page",
		URL:          url,
		ErrorMessage: err.Error(),
	})
}

func (dlq *KafkaDLQClient) SendTaskToDLQ(body string, err error) {
	dlq.send(DLQMessage{
		ServiceName:  dlq.serviceName,
		Kind:         "task",
		Body:         body,
		ErrorMessage: err.Error(),
	})
}

func (dlq *KafkaDLQClient) send(msg DLQMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("message", msg))
		return
	}

	err = dlq.kafkaWriter.WriteMessages(context.Background(), kafka.Message{Value: body})
	if err != nil {
		slog.Error("failed to send messages to dead-letter queue.", slog.String("err", err.Error()))
		return
	}
	slog.Debug("successfully sent message to dead-letter queue.", slog.String("kind", msg.Kind))
}

func (dlq *KafkaDLQClient) Close() {
	if err := dlq.kafkaWriter.Close(); err != nil {
		slog.Error("failed to close kafka DLQ writer.", slog.String("err", err.Error()))
	}
}

// LogDLQ only logs dead letters. Used when kafka is disabled.
type LogDLQ struct{}

func (LogDLQ) SendUrlToDLQ(url string, err error) {
	slog.Warn("dead letter.", slog.String("url", url), slog.String("err", err.Error()))
}

func (LogDLQ) SendTaskToDLQ(body string, err error) {
	slog.Warn("dead letter.", slog.String("task", body), slog.String("err", err.Error()))
}
