package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// 支持的事件队列驱动。
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverKafka    = "kafka"
)

// Config 描述事件队列的选择与连接参数。
type Config struct {
	Driver     string
	BufferSize int
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	Kafka      KafkaConfig
}

// RedisConfig 描述 Redis 事件队列参数，客户端由调用方提供。
type RedisConfig struct {
	Key       string
	BlockWait time.Duration
}

// Open 根据配置创建事件队列。driver 为 none 时返回 nil。
func Open(_ context.Context, cfg Config, redisClient redis.UniversalClient) (Bus, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		bus Bus
		err error
	)
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		bus = NewMemoryBus(cfg.BufferSize)
	case DriverRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("Redis 事件队列需要 Redis 连接配置")
		}
		bus, err = NewRedisBus(redisClient, cfg.Redis.Key, WithBlockWait(cfg.Redis.BlockWait))
	case DriverRabbitMQ:
		bus, err = NewRabbitMQBus(cfg.RabbitMQ)
	case DriverKafka:
		bus, err = NewKafkaBus(cfg.Kafka)
	default:
		return nil, fmt.Errorf("不支持的事件队列驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(bus, driver), nil
}

type instrumented struct {
	Bus
	driver string
}

// Instrument 为发布操作记录指标，发布失败只计数不影响调用方之外的流程。
func Instrument(bus Bus, driver string) Bus {
	if bus == nil {
		return nil
	}
	return &instrumented{Bus: bus, driver: driver}
}

func (i *instrumented) Publish(ctx context.Context, event Event) error {
	if err := i.Bus.Publish(ctx, event); err != nil {
		metrics.EventsPublished.WithLabelValues(i.driver, "error").Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(i.driver, "ok").Inc()
	return nil
}

// AuditHandler 把事件写入审计日志。
func AuditHandler() Handler {
	return func(_ context.Context, event Event) error {
		logger.Audit().Info("transaction_event",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.String("transaction_id", event.TransactionID),
			slog.String("owner", event.Owner),
			slog.String("phase", event.Phase),
			slog.String("status", event.Status),
			slog.String("overall_status", event.OverallStatus),
			slog.Time("occurred_at", event.OccurredAt),
		)
		return nil
	}
}
