package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"OpenMech-Chain/internal/api"
	"OpenMech-Chain/internal/catalog"
	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/internal/events"
	"OpenMech-Chain/internal/lifecycle"
	"OpenMech-Chain/internal/observability/alerting"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/web3/provider"
	"OpenMech-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与事件消费者",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("openmechd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	repo, rdb, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	sim, err := simulator.New(cfg.Simulator)
	if err != nil {
		return err
	}

	services := catalog.Default()
	if cfg.Catalog.Path != "" {
		if services, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return err
		}
	}

	executor, registry, err := provider.NewExecutor(ctx, cfg.Web3, nil)
	if err != nil {
		return err
	}
	defer registry.Close()

	bus, err := openEvents(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close()
		go func() {
			if err := bus.Consume(ctx, cfg.Events.Workers, events.AuditHandler()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("事件消费者异常退出", slog.Any("error", err))
			}
		}()
	}

	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithExecutor(executor),
		lifecycle.WithCatalog(services),
		lifecycle.WithAlerts(buildAlerts(cfg.Alerting)),
		lifecycle.WithLatency(cfg.Lifecycle.Latency()),
	}
	if bus != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithPublisher(bus))
	}
	svc, err := lifecycle.New(repo, sim, lifecycleOpts...)
	if err != nil {
		return err
	}

	inlineMetrics := cfg.Metrics.Enabled && cfg.Metrics.Address == ""
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("openmechd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("simulator", sim.DefaultModel()),
		slog.String("web3", cfg.Web3.Mode),
	)
	server := api.NewServer(cfg.Server.Address, svc, api.WithMetricsEndpoint(inlineMetrics))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("openmechd 已停止")
	return nil
}

// openEvents 构造事件队列，driver 为 none 时返回 nil。
func openEvents(ctx context.Context, cfg *config.Config, shared *redis.Client) (events.Bus, error) {
	client, owned, err := eventsRedisClient(ctx, cfg, shared)
	if err != nil {
		return nil, err
	}
	var rc redis.UniversalClient
	if client != nil {
		rc = client
	}
	bus, err := events.Open(ctx, events.Config{
		Driver:     cfg.Events.Driver,
		BufferSize: cfg.Events.BufferSize,
		Redis: events.RedisConfig{
			Key:       cfg.Events.Redis.Key,
			BlockWait: time.Duration(cfg.Events.Redis.BlockWaitSeconds) * time.Second,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Prefetch:   cfg.Events.RabbitMQ.Prefetch,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		},
		Kafka: events.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
			GroupID: cfg.Events.Kafka.GroupID,
		},
	}, rc)
	if err != nil {
		if owned {
			client.Close()
		}
		return nil, err
	}
	if owned && bus != nil {
		return &closingBus{Bus: bus, close: client.Close}, nil
	}
	return bus, nil
}

// closingBus 在关闭队列后释放其独占的 Redis 连接。
type closingBus struct {
	events.Bus
	close func() error
}

func (b *closingBus) Close() error {
	err := b.Bus.Close()
	if closeErr := b.close(); err == nil {
		err = closeErr
	}
	return err
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.WebhookHeaders})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}
