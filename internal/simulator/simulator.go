// Package simulator reconstructs execution progress for a transaction from a
// clock reading. No worker runs in the background: every poll recomputes the
// projection and merges it with what the store already holds, so progress
// never moves backward.
package simulator

import (
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/transaction"
)

const (
	// ModelElapsed 按执行开始后的经过时间推导进度。
	ModelElapsed = "elapsed"
	// ModelPolls 按交易被轮询的次数推导进度。
	ModelPolls = "polls"

	DefaultStagger = 4 * time.Second
	DefaultRamp    = 20 * time.Second
)

// 流水线步骤描述，按出现顺序排列。
const (
	PipelineAnalyzeQuery    = "Analyzing query"
	PipelineInferParameters = "Inferring API parameters"
	PipelineExecuteServices = "Executing service calls"
	PipelineAggregate       = "Aggregating service results"
	PipelineGenerateResult  = "Generating final result"
)

// Config 描述模拟器参数。
type Config struct {
	Model          string  `json:"model" yaml:"model"`
	StaggerSeconds float64 `json:"stagger_seconds" yaml:"stagger_seconds"`
	RampSeconds    float64 `json:"ramp_seconds" yaml:"ramp_seconds"`
}

// Reading 是一次轮询的时钟读数。Force 表示直接推进到终态，用于验证阶段。
type Reading struct {
	Now   time.Time
	Force bool
}

// Snapshot 是某个时钟读数下的执行投影。
type Snapshot struct {
	Services []transaction.ServiceResult
	Pipeline []string
	// Stage 与 Message 只在按轮询次数推进时给出，表示当前所处的命名阶段。
	Stage   string
	Message string
}

// Completed 表示全部服务均已完成。没有服务时视为完成。
func (s Snapshot) Completed() bool {
	for _, svc := range s.Services {
		if svc.Status != transaction.ServiceCompleted {
			return false
		}
	}
	return true
}

// Running 表示至少一个服务仍在执行。
func (s Snapshot) Running() bool {
	for _, svc := range s.Services {
		if svc.Status == transaction.ServiceRunning {
			return true
		}
	}
	return false
}

// Model 是一种进度时钟模型。同一输入必须得到同一输出。
type Model interface {
	Name() string
	Project(tx *transaction.Transaction, reading Reading) Snapshot
}

// Simulator 持有全部时钟模型，并按交易记录的模型名选择。
type Simulator struct {
	models       map[string]Model
	defaultModel string
}

// New 根据配置构造模拟器。
func New(cfg Config) (*Simulator, error) {
	stagger := seconds(cfg.StaggerSeconds, DefaultStagger)
	ramp := seconds(cfg.RampSeconds, DefaultRamp)

	name := strings.ToLower(strings.TrimSpace(cfg.Model))
	if name == "" {
		name = ModelElapsed
	}
	sim := &Simulator{
		models: map[string]Model{
			ModelElapsed: NewElapsedModel(stagger, ramp),
			ModelPolls:   NewPollsModel(ramp),
		},
		defaultModel: name,
	}
	if _, ok := sim.models[name]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的模拟时钟模型: "+cfg.Model)
	}
	return sim, nil
}

func seconds(value float64, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value * float64(time.Second))
}

// DefaultModel 返回新执行使用的模型名。
func (s *Simulator) DefaultModel() string {
	return s.defaultModel
}

// ModelFor 返回交易执行开始时记录的模型，未记录时使用默认模型。
func (s *Simulator) ModelFor(tx *transaction.Transaction) Model {
	if tx != nil && tx.ExecutionInfo != nil {
		if model, ok := s.models[tx.ExecutionInfo.Clock]; ok {
			return model
		}
	}
	return s.models[s.defaultModel]
}

// Project 计算投影并与交易上已持久化的进度合并。
func (s *Simulator) Project(tx *transaction.Transaction, reading Reading) Snapshot {
	snapshot := s.ModelFor(tx).Project(tx, reading)
	snapshot.Services = MergeServices(tx.ServiceResults, snapshot.Services)
	snapshot.Pipeline = MergePipeline(tx.PipelineSteps, snapshot.Pipeline)
	return snapshot
}

// AggregateProgress 计算执行阶段的总进度：阶段完成为 100，有服务运行时取平均值，否则为 0。
func AggregateProgress(phase transaction.PhaseStatus, services []transaction.ServiceResult) int {
	if phase == transaction.PhaseCompleted {
		return 100
	}
	running := false
	total := 0
	for _, svc := range services {
		if svc.Status == transaction.ServiceRunning {
			running = true
		}
		total += svc.Progress
	}
	if !running || len(services) == 0 {
		return 0
	}
	return total / len(services)
}

// executionStart 返回执行开始时间，缺失时退回到交易创建时间。
func executionStart(tx *transaction.Transaction) time.Time {
	if tx.ExecutionInfo != nil && !tx.ExecutionInfo.StartedAt.IsZero() {
		return tx.ExecutionInfo.StartedAt
	}
	return tx.CreatedAt
}
