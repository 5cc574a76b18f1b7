// Package lifecycle 是交易生命周期的编排入口：创建交易、提交请求、支付、
// 启动执行、轮询状态与验证结果。每个调用只推进一个阶段并立即持久化。
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"OpenMech-Chain/internal/aggregator"
	"OpenMech-Chain/internal/catalog"
	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/events"
	"OpenMech-Chain/internal/observability/alerting"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/internal/web3"
	"OpenMech-Chain/pkg/logger"
)

// Service 编排交易的各个阶段。
type Service struct {
	repo      *transaction.Repository
	sim       *simulator.Simulator
	agg       *aggregator.Aggregator
	payments  web3.PaymentExecutor
	jobs      web3.JobSubmitter
	catalog   *catalog.Catalog
	publisher events.Publisher
	alerts    alerting.Dispatcher
	latency   time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithPaymentExecutor 替换支付协作方。
func WithPaymentExecutor(p web3.PaymentExecutor) Option {
	return func(s *Service) {
		if p != nil {
			s.payments = p
		}
	}
}

// WithJobSubmitter 替换请求提交与执行派发协作方。
func WithJobSubmitter(j web3.JobSubmitter) Option {
	return func(s *Service) {
		if j != nil {
			s.jobs = j
		}
	}
}

// WithExecutor 同时替换两个链上协作方。
func WithExecutor(e web3.Executor) Option {
	return func(s *Service) {
		if e != nil {
			s.payments = e
			s.jobs = e
		}
	}
}

// WithCatalog 指定用于补全服务名称的目录。
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithPublisher 指定阶段事件的发布端。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// WithLatency 设置阶段之间的模拟延迟。
func WithLatency(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.latency = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造生命周期服务。未指定协作方时使用模拟执行器与内置服务目录。
func New(repo *transaction.Repository, sim *simulator.Simulator, opts ...Option) (*Service, error) {
	if repo == nil || sim == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "生命周期服务依赖未初始化")
	}
	simulated := web3.NewSimulatedExecutor()
	s := &Service{
		repo:     repo,
		sim:      sim,
		payments: simulated,
		jobs:     simulated,
		catalog:  catalog.Default(),
		now:      time.Now,
		log:      logger.Named("lifecycle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	agg, err := aggregator.New(repo, sim,
		aggregator.WithClock(s.now),
		aggregator.WithFinalizeHook(s.onFinalized),
	)
	if err != nil {
		return nil, err
	}
	s.agg = agg
	return s, nil
}

// Aggregator 返回内部使用的状态聚合器。
func (s *Service) Aggregator() *aggregator.Aggregator { return s.agg }

// Catalog 返回服务目录。
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// pause 按配置等待，使阶段变化对轮询方可见。
func (s *Service) pause(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// recorded 记录一次已持久化的阶段迁移：指标、审计日志与事件。
func (s *Service) recorded(ctx context.Context, tx *transaction.Transaction, phase transaction.Phase, status transaction.PhaseStatus) {
	metrics.PhaseTransitions.WithLabelValues(string(phase), string(status)).Inc()
	overall := transaction.DeriveOverallStatus(transaction.StatusesOf(tx))
	var details map[string]any
	if state := tx.State(phase); state != nil {
		details = state.Details
	}
	logger.Audit().Info("phase_transition",
		slog.String("transaction_id", tx.ID),
		slog.String("owner", tx.OwnerAddress),
		slog.String("phase", string(phase)),
		slog.String("status", string(status)),
		slog.String("overall_status", string(overall)),
	)
	event := events.New(events.TypePhase, tx.ID)
	event.Owner = tx.OwnerAddress
	event.Phase = string(phase)
	event.Status = string(status)
	event.OverallStatus = string(overall)
	event.Details = details
	s.publish(ctx, event)
}

// publishTimeout 限制单个事件的发布时间，队列积压时丢弃事件而不是卡住阶段推进。
var publishTimeout = 5 * time.Second

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("发布生命周期事件失败",
			slog.String("transaction_id", event.TransactionID),
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

func (s *Service) alert(ctx context.Context, err error, txID string, phase transaction.Phase) {
	if s.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, txID, string(phase))
	event.OccurredAt = s.now().UTC()
	if notifyErr := s.alerts.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		s.log.Warn("告警发送失败", slog.String("transaction_id", txID), slog.Any("error", notifyErr))
	}
}

// fail 把外部调用失败记录到阶段上，发送告警并返回 ExternalCallFailure。
func (s *Service) fail(ctx context.Context, id string, phase transaction.Phase, cause error) error {
	external := transaction.ExternalCall(phase, cause)
	metrics.ExternalCallFailures.WithLabelValues(string(phase)).Inc()
	now := s.now()
	tx, err := s.repo.Mutate(context.WithoutCancel(ctx), id, func(tx *transaction.Transaction) error {
		return transaction.ApplyPhase(tx, phase, transaction.PhaseFailed, map[string]any{"error": cause.Error()}, now)
	})
	if err != nil {
		s.log.Error("记录阶段失败状态失败",
			slog.String("transaction_id", id),
			slog.String("phase", string(phase)),
			slog.Any("error", err),
		)
	} else {
		s.recorded(ctx, tx, phase, transaction.PhaseFailed)
	}
	s.log.Warn("外部调用失败",
		slog.String("transaction_id", id),
		slog.String("phase", string(phase)),
		slog.Any("error", cause),
	)
	s.alert(ctx, external, id, phase)
	return external
}

// wrapInternal 包装非预期错误并在需要时告警。
func (s *Service) wrapInternal(ctx context.Context, err error, id string, phase transaction.Phase, message string) error {
	wrapped := transaction.Internal(err, message)
	s.alert(ctx, wrapped, id, phase)
	return wrapped
}

func (s *Service) observe(phase transaction.Phase, start time.Time) {
	metrics.PhaseLatency.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
}

func (s *Service) onFinalized(ctx context.Context, tx *transaction.Transaction) {
	s.recorded(ctx, tx, transaction.PhaseExecution, transaction.PhaseCompleted)
	event := events.New(events.TypeFinalized, tx.ID)
	event.Owner = tx.OwnerAddress
	event.OverallStatus = string(transaction.DeriveOverallStatus(transaction.StatusesOf(tx)))
	if tx.FinalResult != nil {
		event.Details = map[string]any{
			"strategy_type": tx.FinalResult.AggregateResult["strategy_type"],
			"confidence":    tx.FinalResult.Confidence,
		}
	}
	s.publish(ctx, event)
}

// settledAfterCancel 处理阶段在外部调用期间被取消的情况：哈希或票据已写入交易记录，
// 这里补发审计记录并告警，调用方需要人工对账。
func (s *Service) settledAfterCancel(ctx context.Context, tx *transaction.Transaction, phase transaction.Phase, ref string) error {
	err := transaction.SettledAfterCancel(phase, tx.ID, ref)
	s.recorded(ctx, tx, phase, transaction.PhaseFailed)
	s.log.Error("阶段已取消但外部调用已生效",
		slog.String("transaction_id", tx.ID),
		slog.String("phase", string(phase)),
		slog.String("settled", ref),
	)
	s.alert(ctx, err, tx.ID, phase)
	return err
}
