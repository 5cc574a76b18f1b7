// Package aggregator assembles the externally visible execution status of a
// transaction and synthesizes its final result exactly once.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/pkg/logger"
)

// Status 是执行状态视图中的状态，由执行阶段自身的状态推导。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// AggregationStep 是执行步骤末尾固定的聚合步骤。
const (
	AggregationStep = "Aggregate and verify results"
	AggregationTool = "aggregator"
)

// StatusView 是轮询接口返回的状态对象。
type StatusView struct {
	TransactionID  string                      `json:"transaction_id"`
	Status         Status                      `json:"status"`
	Stage          string                      `json:"stage,omitempty"`
	Message        string                      `json:"message,omitempty"`
	Steps          []string                    `json:"steps"`
	ServiceResults []transaction.ServiceResult `json:"service_results"`
	Progress       int                         `json:"progress"`
	Result         *transaction.FinalResult    `json:"result"`
	Error          string                      `json:"error,omitempty"`
	OverallStatus  transaction.OverallStatus   `json:"overall_status"`
}

// FinalizeHook 在最终结果首次写入后调用。
type FinalizeHook func(ctx context.Context, tx *transaction.Transaction)

// Aggregator 驱动模拟器并把结果写回存储。
type Aggregator struct {
	repo       *transaction.Repository
	sim        *simulator.Simulator
	now        func() time.Time
	onFinalize FinalizeHook
	log        *slog.Logger
}

// Option 定义 Aggregator 的可选配置。
type Option func(*Aggregator)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithFinalizeHook 注册最终结果生成后的回调。
func WithFinalizeHook(hook FinalizeHook) Option {
	return func(a *Aggregator) {
		a.onFinalize = hook
	}
}

// New 构造 Aggregator。
func New(repo *transaction.Repository, sim *simulator.Simulator, opts ...Option) (*Aggregator, error) {
	if repo == nil || sim == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "聚合器依赖未初始化")
	}
	a := &Aggregator{
		repo: repo,
		sim:  sim,
		now:  time.Now,
		log:  logger.Named("aggregator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// GetStatus 返回交易的执行状态。交易不存在时创建一个待处理的占位交易而不是报错。
func (a *Aggregator) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	id = strings.TrimSpace(id)
	if err := transaction.ValidateID(id); err != nil {
		return nil, err
	}
	tx, stage, err := a.advance(ctx, id, false)
	if err != nil {
		if !xerrors.HasCode(err, transaction.CodeNotFound) {
			return nil, err
		}
		tx, err = a.placeholder(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	view := a.view(tx, stage)
	metrics.StatusPolls.WithLabelValues(string(view.Status)).Inc()
	return view, nil
}

// Finalize 把模拟推进到终态并确保最终结果已生成，交易不存在时返回 NotFound。
func (a *Aggregator) Finalize(ctx context.Context, id string) (*transaction.Transaction, *StatusView, error) {
	tx, stage, err := a.advance(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}
	return tx, a.view(tx, stage), nil
}

func (a *Aggregator) placeholder(ctx context.Context, id string) (*transaction.Transaction, error) {
	tx := &transaction.Transaction{ID: id, SelectedServices: []transaction.Service{}}
	err := a.repo.Put(ctx, tx)
	if err != nil && !xerrors.HasCode(err, transaction.CodeConflict) {
		return nil, transaction.Internal(err, "创建占位交易失败")
	}
	a.log.Info("轮询未知交易，已创建占位记录", slog.String("transaction_id", id))
	return a.repo.Get(ctx, id)
}

type pollStage struct {
	label   string
	message string
}

// advance 在一次原子更新中推进模拟、更新步骤并在全部完成时生成最终结果。
func (a *Aggregator) advance(ctx context.Context, id string, force bool) (*transaction.Transaction, pollStage, error) {
	var stage pollStage
	current, err := a.repo.Get(ctx, id)
	if err != nil {
		return nil, stage, err
	}
	if !needsAdvance(current) {
		return current, stageOf(current), nil
	}

	finalized := false
	now := a.now()
	updated, err := a.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		finalized = false
		if !needsAdvance(tx) {
			return nil
		}
		tx.PollCount++
		snapshot := a.sim.Project(tx, simulator.Reading{Now: now, Force: force})
		stage = pollStage{label: snapshot.Stage, message: snapshot.Message}
		tx.ServiceResults = snapshot.Services
		tx.PipelineSteps = snapshot.Pipeline

		if err := syncSteps(tx, snapshot, now); err != nil {
			return err
		}
		if !snapshot.Completed() {
			return nil
		}
		tx.PipelineSteps = simulator.MergePipeline(tx.PipelineSteps, []string{
			simulator.PipelineAnalyzeQuery,
			simulator.PipelineInferParameters,
			simulator.PipelineExecuteServices,
			simulator.PipelineAggregate,
			simulator.PipelineGenerateResult,
		})
		if tx.FinalResult == nil {
			tx.FinalResult = Synthesize(tx, tx.ServiceResults, now)
			finalized = true
		}
		if tx.StatusOf(transaction.PhaseExecution) != transaction.PhaseCompleted {
			return transaction.ApplyPhase(tx, transaction.PhaseExecution, transaction.PhaseCompleted,
				map[string]any{"final_status": "Completed"}, now)
		}
		return nil
	})
	if err != nil {
		return nil, stage, err
	}
	if finalized {
		a.log.Info("最终结果已生成",
			slog.String("transaction_id", id),
			slog.Int("services", len(updated.ServiceResults)),
			slog.Float64("confidence", updated.FinalResult.Confidence),
		)
		metrics.FinalResultsSynthesized.WithLabelValues(updated.FinalResult.AggregateResult["strategy_type"]).Inc()
		if a.onFinalize != nil {
			a.onFinalize(ctx, updated)
		}
	}
	if stage.label == "" {
		stage = stageOf(updated)
	}
	return updated, stage, nil
}

// needsAdvance 判断本次轮询是否需要写入：执行尚未派发或已失败时不推进，已完成且结果已缓存时只读。
func needsAdvance(tx *transaction.Transaction) bool {
	switch tx.StatusOf(transaction.PhaseExecution) {
	case transaction.PhaseInProgress:
		return tx.ExecutionInfo != nil
	case transaction.PhaseCompleted:
		return tx.FinalResult == nil
	default:
		return false
	}
}

func stageOf(tx *transaction.Transaction) pollStage {
	if tx.StatusOf(transaction.PhaseExecution) == transaction.PhaseCompleted &&
		tx.ExecutionInfo != nil && tx.ExecutionInfo.Clock == simulator.ModelPolls {
		return pollStage{label: simulator.PollCompleted}
	}
	return pollStage{}
}

// syncSteps 让执行步骤与服务状态保持一致，状态不变的步骤不会被重写。
func syncSteps(tx *transaction.Transaction, snapshot simulator.Snapshot, now time.Time) error {
	if len(tx.ExecutionSteps) != len(tx.SelectedServices)+1 {
		return nil
	}
	anyStarted := false
	for i, svc := range snapshot.Services {
		status := stepStatusOf(svc.Status)
		if status != transaction.StepPending {
			anyStarted = true
		}
		if tx.ExecutionSteps[i].Status == status {
			continue
		}
		var result any
		if svc.Result != nil {
			result = svc.Result.Output
		}
		if err := transaction.ApplyStep(tx, i, status, result, now); err != nil {
			return err
		}
	}
	last := len(tx.ExecutionSteps) - 1
	want := transaction.StepPending
	switch {
	case snapshot.Completed():
		want = transaction.StepCompleted
	case anyStarted:
		want = transaction.StepInProgress
	}
	if tx.ExecutionSteps[last].Status == want || tx.ExecutionSteps[last].Status == transaction.StepCompleted {
		return nil
	}
	var result any
	if want == transaction.StepCompleted {
		result = fmt.Sprintf("Aggregated %d service results", len(snapshot.Services))
	}
	return transaction.ApplyStep(tx, last, want, result, now)
}

func stepStatusOf(status transaction.ServiceStatus) transaction.StepStatus {
	switch status {
	case transaction.ServiceRunning:
		return transaction.StepInProgress
	case transaction.ServiceCompleted:
		return transaction.StepCompleted
	case transaction.ServiceError:
		return transaction.StepError
	default:
		return transaction.StepPending
	}
}

// StatusOf 把执行阶段状态映射为视图状态。
func StatusOf(tx *transaction.Transaction) Status {
	switch tx.StatusOf(transaction.PhaseExecution) {
	case transaction.PhaseInProgress:
		return StatusRunning
	case transaction.PhaseCompleted:
		return StatusCompleted
	case transaction.PhaseFailed:
		return StatusError
	default:
		return StatusPending
	}
}

func (a *Aggregator) view(tx *transaction.Transaction, stage pollStage) *StatusView {
	view := &StatusView{
		TransactionID:  tx.ID,
		Status:         StatusOf(tx),
		Stage:          stage.label,
		Message:        stage.message,
		Steps:          append([]string{}, tx.PipelineSteps...),
		ServiceResults: make([]transaction.ServiceResult, 0, len(tx.ServiceResults)),
		Result:         tx.FinalResult.Clone(),
		OverallStatus:  transaction.DeriveOverallStatus(transaction.StatusesOf(tx)),
	}
	for _, svc := range tx.ServiceResults {
		view.ServiceResults = append(view.ServiceResults, svc.Clone())
	}
	view.Progress = simulator.AggregateProgress(tx.StatusOf(transaction.PhaseExecution), view.ServiceResults)
	if view.Status == StatusError {
		view.Error = phaseError(tx.State(transaction.PhaseExecution))
	}
	return view
}

func phaseError(state *transaction.PhaseState) string {
	if state == nil {
		return ""
	}
	for _, key := range []string{"error", "reason"} {
		if value, ok := state.Details[key]; ok {
			return fmt.Sprint(value)
		}
	}
	return "execution failed"
}
