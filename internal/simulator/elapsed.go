package simulator

import (
	"time"

	"OpenMech-Chain/internal/transaction"
)

// ServiceSteps 是每个服务依次追加的子步骤，第 k 个在 k*ramp/5 时出现。
var ServiceSteps = []string{
	"Initializing",
	"Loading data sources",
	"Processing request",
	"Analyzing results",
	"Preparing response",
}

// ElapsedModel 让第 i 个服务在执行开始 i*stagger 后启动，ramp 后完成。
type ElapsedModel struct {
	stagger time.Duration
	ramp    time.Duration
}

// NewElapsedModel 构造按经过时间推进的模型。
func NewElapsedModel(stagger, ramp time.Duration) *ElapsedModel {
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	if ramp <= 0 {
		ramp = DefaultRamp
	}
	return &ElapsedModel{stagger: stagger, ramp: ramp}
}

// Name 实现 Model。
func (m *ElapsedModel) Name() string { return ModelElapsed }

// Stagger 返回相邻服务的启动间隔。
func (m *ElapsedModel) Stagger() time.Duration { return m.stagger }

// Ramp 返回单个服务从启动到完成的时长。
func (m *ElapsedModel) Ramp() time.Duration { return m.ramp }

// Project 实现 Model。
func (m *ElapsedModel) Project(tx *transaction.Transaction, reading Reading) Snapshot {
	base := executionStart(tx)
	services := make([]transaction.ServiceResult, 0, len(tx.SelectedServices))
	for i, svc := range tx.SelectedServices {
		start := base.Add(time.Duration(i) * m.stagger)
		elapsed := reading.Now.Sub(start)
		if reading.Force && elapsed < m.ramp {
			elapsed = m.ramp
		}
		services = append(services, m.service(tx.ID, svc, start, elapsed))
	}

	snapshot := Snapshot{Services: services}
	elapsed := reading.Now.Sub(base)
	if reading.Force {
		elapsed = m.ramp + time.Duration(len(services))*m.stagger
	}
	for _, gate := range []struct {
		label string
		after time.Duration
	}{
		{PipelineAnalyzeQuery, 0},
		{PipelineInferParameters, 2 * time.Second},
		{PipelineExecuteServices, 4 * time.Second},
	} {
		if elapsed >= gate.after {
			snapshot.Pipeline = append(snapshot.Pipeline, gate.label)
		}
	}
	if len(snapshot.Pipeline) == 3 && snapshot.Completed() {
		snapshot.Pipeline = append(snapshot.Pipeline, PipelineAggregate, PipelineGenerateResult)
	}
	return snapshot
}

func (m *ElapsedModel) service(txID string, svc transaction.Service, start time.Time, elapsed time.Duration) transaction.ServiceResult {
	result := transaction.ServiceResult{
		ServiceID:      svc.ID,
		Name:           svc.Name,
		Status:         transaction.ServicePending,
		StartTime:      start.UTC(),
		ExecutionSteps: []string{},
	}
	if elapsed < 0 {
		return result
	}
	for k, label := range ServiceSteps {
		if elapsed >= time.Duration(k)*m.ramp/time.Duration(len(ServiceSteps)) {
			result.ExecutionSteps = append(result.ExecutionSteps, label)
		}
	}
	if elapsed >= m.ramp {
		output := GenerateOutput(txID, svc, m.ramp)
		result.Status = transaction.ServiceCompleted
		result.Progress = 100
		result.Result = &output
		return result
	}
	result.Status = transaction.ServiceRunning
	result.Progress = int(100 * elapsed / m.ramp)
	if result.Progress > 95 {
		result.Progress = 95
	}
	return result
}
