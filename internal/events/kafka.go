package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig 描述 Kafka 主题与消费组参数。
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaBus 使用 Kafka 主题实现事件队列，以交易 ID 作为消息键保证同一交易的事件有序。
type KafkaBus struct {
	writer *kafka.Writer
	cfg    KafkaConfig
}

// NewKafkaBus 创建 Kafka 事件队列。读取端在 Consume 时按需创建。
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("Kafka brokers 不能为空")
	}
	cfg.Brokers = brokers
	if cfg.Topic == "" {
		cfg.Topic = "openmech.events"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "openmech-audit"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaBus{writer: writer, cfg: cfg}, nil
}

// Publish 同步写入一条消息。
func (b *KafkaBus) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: payload,
		Time:  event.OccurredAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Kafka 发布事件失败")
	}
	return nil
}

// Consume 以消费组方式读取事件并逐条提交位移，处理失败的事件只记录日志。
func (b *KafkaBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:  b.cfg.Brokers,
				GroupID:  b.cfg.GroupID,
				Topic:    b.cfg.Topic,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
			defer reader.Close()
			for {
				msg, err := reader.FetchMessage(ctx)
				if err != nil {
					errCh <- err
					return
				}
				if event, err := Decode(msg.Value); err == nil {
					if handlerErr := handler(ctx, event); handlerErr != nil {
						logger.L().Warn("Kafka 事件处理失败，跳过",
							slog.String("event_id", event.ID),
							slog.Int64("offset", msg.Offset),
							slog.Any("error", handlerErr),
						)
					}
				}
				if err := reader.CommitMessages(ctx, msg); err != nil {
					errCh <- fmt.Errorf("Kafka 提交位移失败: %w", err)
					return
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭写入端。
func (b *KafkaBus) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}
