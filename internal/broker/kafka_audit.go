package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/IliaW/content-proof/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditSink publishes audit events to the audit topic in batches.
// Events are keyed by content id so one content's history stays on one partition.
type KafkaAuditSink struct {
	auditChan   chan *model.AuditEvent
	kafkaWriter messageWriter
	metrics     *telemetry.KafkaMetrics
	cfg         *config.ProducerConfig
	wg          *sync.WaitGroup
	closeOnce   sync.Once
}

var _ AuditSink = (*KafkaAuditSink)(nil)

func NewKafkaAuditSink(metrics *telemetry.KafkaMetrics, cfg *config.ProducerConfig, wg *sync.WaitGroup) *KafkaAuditSink {
	kafkaWriter := kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.AuditTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send audit events to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return newKafkaAuditSink(&kafkaWriter, metrics, cfg, wg)
}

func newKafkaAuditSink(w messageWriter, metrics *telemetry.KafkaMetrics, cfg *config.ProducerConfig,
	wg *sync.WaitGroup) *KafkaAuditSink {
	return &KafkaAuditSink{
		auditChan:   make(chan *model.AuditEvent, cfg.BatchSize*10),
		kafkaWriter: w,
		metrics:     metrics,
		cfg:         cfg,
		wg:          wg,
	}
}

func (p *KafkaAuditSink) Record(_ context.Context, action string, contentID string, details string) {
	event := &model.AuditEvent{
		Action:    action,
		ContentID: contentID,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case p.auditChan <- event:
	default:
		slog.Warn("audit channel is full, event dropped.", slog.String("action", action),
			slog.String("content_id", contentID))
		p.metrics.FailMsgCnt(1)
	}
}

// Close stops accepting events. Run flushes what is buffered and returns.
func (p *KafkaAuditSink) Close() {
	p.closeOnce.Do(func() { close(p.auditChan) })
}

func (p *KafkaAuditSink) Run() {
	slog.Info("starting kafka audit producer...", slog.String("topic", p.cfg.AuditTopicName))
	defer func() {
		err := p.kafkaWriter.Close()
		if err != nil {
			slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()
	defer p.wg.Done()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	for {
		select {
		case <-batchTicker.C:
			if len(batch) == 0 {
				continue
			}
			p.writeMessage(batch)
			batch = batch[:0]
		case event, ok := <-p.auditChan:
			if !ok {
				if len(batch) > 0 {
					p.writeMessage(batch)
				}
				slog.Info("stopping kafka audit writer.")
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("event", event))
				p.metrics.FailMsgCnt(1)
				continue
			}
			batch = append(batch, kafka.Message{
				Key:   []byte(event.ContentID),
				Value: body,
			})
			if len(batch) >= p.cfg.BatchSize {
				p.writeMessage(batch)
				batch = batch[:0]
				batchTicker.Reset(p.cfg.BatchTimeout)
			}
		}
	}
}

func (p *KafkaAuditSink) writeMessage(batch []kafka.Message) {
	err := p.kafkaWriter.WriteMessages(context.Background(), batch...)
	if err != nil {
		slog.Error("failed to send audit events to kafka.", slog.String("err", err.Error()))
		p.metrics.FailMsgCnt(int64(len(batch)))
		return
	}
	p.metrics.SuccessMsgCnt(int64(len(batch)))
	slog.Debug("successfully sent audit events to kafka.", slog.Int("batch length", len(batch)))
}
