package simulator

import (
	"time"

	"OpenMech-Chain/internal/transaction"
)

// PollStage 是按轮询次数推进时的命名阶段。
type PollStage struct {
	Label    string
	Progress int
	Message  string
}

// PollStages 对应第 1 到第 3 次轮询，第 4 次及以后为 Completed。
var PollStages = []PollStage{
	{Label: "Processing", Progress: 25, Message: "Starting to process data..."},
	{Label: "Analyzing Markets", Progress: 50, Message: "Analyzing lending markets across platforms..."},
	{Label: "Comparing Rates", Progress: 75, Message: "Comparing APY rates and risk metrics..."},
}

// PollCompleted 是最终阶段名。
const PollCompleted = "Completed"

// PollsModel 依据交易上的 poll_count 推进，与时间无关。
type PollsModel struct {
	ramp time.Duration
}

// NewPollsModel 构造按轮询次数推进的模型，ramp 只用于生成 processing_time。
func NewPollsModel(ramp time.Duration) *PollsModel {
	if ramp <= 0 {
		ramp = DefaultRamp
	}
	return &PollsModel{ramp: ramp}
}

// Name 实现 Model。
func (m *PollsModel) Name() string { return ModelPolls }

// Project 实现 Model。
func (m *PollsModel) Project(tx *transaction.Transaction, reading Reading) Snapshot {
	polls := tx.PollCount
	if reading.Force && polls <= len(PollStages) {
		polls = len(PollStages) + 1
	}

	snapshot := Snapshot{}
	services := make([]transaction.ServiceResult, 0, len(tx.SelectedServices))
	start := executionStart(tx).UTC()
	for _, svc := range tx.SelectedServices {
		result := transaction.ServiceResult{
			ServiceID:      svc.ID,
			Name:           svc.Name,
			Status:         transaction.ServicePending,
			StartTime:      start,
			ExecutionSteps: []string{},
		}
		switch {
		case polls <= 0:
		case polls <= len(PollStages):
			result.Status = transaction.ServiceRunning
			result.Progress = PollStages[polls-1].Progress
			for _, stage := range PollStages[:polls] {
				result.ExecutionSteps = append(result.ExecutionSteps, stage.Label)
			}
		default:
			output := GenerateOutput(tx.ID, svc, m.ramp)
			result.Status = transaction.ServiceCompleted
			result.Progress = 100
			result.Result = &output
			for _, stage := range PollStages {
				result.ExecutionSteps = append(result.ExecutionSteps, stage.Label)
			}
			result.ExecutionSteps = append(result.ExecutionSteps, PollCompleted)
		}
		services = append(services, result)
	}
	snapshot.Services = services

	switch {
	case polls <= 0:
	case polls <= len(PollStages):
		stage := PollStages[polls-1]
		snapshot.Stage = stage.Label
		snapshot.Message = stage.Message
	default:
		snapshot.Stage = PollCompleted
	}

	pipeline := []string{PipelineAnalyzeQuery, PipelineInferParameters, PipelineExecuteServices}
	if polls > len(pipeline) {
		polls = len(pipeline)
	}
	if polls > 0 {
		snapshot.Pipeline = append(snapshot.Pipeline, pipeline[:polls]...)
	}
	if len(snapshot.Pipeline) == len(pipeline) && snapshot.Completed() {
		snapshot.Pipeline = append(snapshot.Pipeline, PipelineAggregate, PipelineGenerateResult)
	}
	return snapshot
}
