package transaction

import (
	"math"
	"strings"
	"time"
)

// Phase 表示交易生命周期中的一个阶段。
type Phase string

const (
	PhaseRequest      Phase = "request"
	PhasePayment      Phase = "payment"
	PhaseExecution    Phase = "execution"
	PhaseVerification Phase = "verification"
)

// Phases 按生命周期顺序列出全部阶段。
var Phases = []Phase{PhaseRequest, PhasePayment, PhaseExecution, PhaseVerification}

// PhaseStatus 表示单个阶段的状态。
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// StepStatus 表示执行步骤的状态。
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// ServiceStatus 表示单个服务在模拟执行中的状态。
type ServiceStatus string

const (
	ServicePending   ServiceStatus = "pending"
	ServiceRunning   ServiceStatus = "running"
	ServiceCompleted ServiceStatus = "completed"
	ServiceError     ServiceStatus = "error"
)

// Service 是用户选择的可计费服务（mech / tool）。
type Service struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Cost float64 `json:"cost"`
}

// PhaseState 记录阶段的状态、细节与最后一次状态变化时间。
type PhaseState struct {
	Status    PhaseStatus    `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionStep 对应一个服务或末尾的聚合步骤。
type ExecutionStep struct {
	Step      string     `json:"step"`
	Tool      string     `json:"tool"`
	Status    StepStatus `json:"status"`
	Result    any        `json:"result,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ExecutionInfo 保存模拟分布式执行的元数据。
type ExecutionInfo struct {
	RequestID string    `json:"request_id"`
	Operator  string    `json:"operator"`
	Clock     string    `json:"clock,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ServiceOutput 是服务完成后生成并冻结的结果。
type ServiceOutput struct {
	Confidence     float64 `json:"confidence"`
	Output         string  `json:"output"`
	ProcessingTime float64 `json:"processing_time"`
}

// ServiceResult 是单个服务的执行进度投影。
type ServiceResult struct {
	ServiceID      string         `json:"service_id"`
	Name           string         `json:"name"`
	Status         ServiceStatus  `json:"status"`
	Progress       int            `json:"progress"`
	StartTime      time.Time      `json:"start_time"`
	ExecutionSteps []string       `json:"execution_steps"`
	Result         *ServiceOutput `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ResultDetail 是最终结果中每个服务的条目。
type ResultDetail struct {
	ServiceID      string  `json:"service_id"`
	Service        string  `json:"service"`
	Confidence     float64 `json:"confidence"`
	Output         string  `json:"output"`
	ProcessingTime float64 `json:"processing_time"`
}

// FinalResult 由聚合器在所有服务完成后生成一次。
type FinalResult struct {
	Summary         string            `json:"summary"`
	Details         []ResultDetail    `json:"details"`
	AggregateResult map[string]string `json:"aggregate_result"`
	Recommendations []string          `json:"recommendations"`
	Confidence      float64           `json:"confidence"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Transaction 是跟踪一次用户请求的聚合根。
type Transaction struct {
	ID                string          `json:"id"`
	OwnerAddress      string          `json:"owner_address"`
	SafeAddress       string          `json:"safe_address,omitempty"`
	Prompt            string          `json:"prompt"`
	SelectedServices  []Service       `json:"selected_services"`
	TotalCost         float64         `json:"total_cost"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	RequestState      *PhaseState     `json:"request_state,omitempty"`
	PaymentState      *PhaseState     `json:"payment_state,omitempty"`
	ExecutionState    *PhaseState     `json:"execution_state,omitempty"`
	VerificationState *PhaseState     `json:"verification_state,omitempty"`
	RequestTxHash     string          `json:"request_tx_hash,omitempty"`
	PaymentTxHash     string          `json:"payment_tx_hash,omitempty"`
	ExecutionInfo     *ExecutionInfo  `json:"execution_info,omitempty"`
	ExecutionSteps    []ExecutionStep `json:"execution_steps,omitempty"`
	ServiceResults    []ServiceResult `json:"service_results,omitempty"`
	PipelineSteps     []string        `json:"pipeline_steps,omitempty"`
	FinalResult       *FinalResult    `json:"final_result,omitempty"`
	PollCount         int             `json:"poll_count"`
}

// costTolerance 容忍浮点求和误差。
const costTolerance = 1e-6

// SumCosts 返回服务费用之和。
func SumCosts(services []Service) float64 {
	total := 0.0
	for _, svc := range services {
		total += svc.Cost
	}
	return total
}

// CostsMatch 判断两个金额在容差内是否相等。
func CostsMatch(a, b float64) bool {
	return math.Abs(a-b) <= costTolerance
}

// State 返回指定阶段的状态，未触达时返回 nil。
func (t *Transaction) State(phase Phase) *PhaseState {
	if t == nil {
		return nil
	}
	switch phase {
	case PhaseRequest:
		return t.RequestState
	case PhasePayment:
		return t.PaymentState
	case PhaseExecution:
		return t.ExecutionState
	case PhaseVerification:
		return t.VerificationState
	default:
		return nil
	}
}

// SetState 替换指定阶段的状态。
func (t *Transaction) SetState(phase Phase, state *PhaseState) {
	switch phase {
	case PhaseRequest:
		t.RequestState = state
	case PhasePayment:
		t.PaymentState = state
	case PhaseExecution:
		t.ExecutionState = state
	case PhaseVerification:
		t.VerificationState = state
	}
}

// StatusOf 返回阶段状态，未触达时返回空字符串。
func (t *Transaction) StatusOf(phase Phase) PhaseStatus {
	if state := t.State(phase); state != nil {
		return state.Status
	}
	return ""
}

// ServiceNames 按顺序返回已选服务名称。
func (t *Transaction) ServiceNames() []string {
	names := make([]string, 0, len(t.SelectedServices))
	for _, svc := range t.SelectedServices {
		names = append(names, svc.Name)
	}
	return names
}

// OwnerKey 返回用于索引的所有者地址（地址大小写不敏感）。
func OwnerKey(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// Clone 返回交易的深拷贝，保证调用方修改不会影响存储中的数据。
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.SelectedServices = append([]Service(nil), t.SelectedServices...)
	clone.RequestState = clonePhaseState(t.RequestState)
	clone.PaymentState = clonePhaseState(t.PaymentState)
	clone.ExecutionState = clonePhaseState(t.ExecutionState)
	clone.VerificationState = clonePhaseState(t.VerificationState)
	if t.ExecutionInfo != nil {
		info := *t.ExecutionInfo
		clone.ExecutionInfo = &info
	}
	if t.ExecutionSteps != nil {
		clone.ExecutionSteps = make([]ExecutionStep, len(t.ExecutionSteps))
		for i, step := range t.ExecutionSteps {
			if step.Timestamp != nil {
				ts := *step.Timestamp
				step.Timestamp = &ts
			}
			clone.ExecutionSteps[i] = step
		}
	}
	if t.ServiceResults != nil {
		clone.ServiceResults = make([]ServiceResult, len(t.ServiceResults))
		for i, result := range t.ServiceResults {
			clone.ServiceResults[i] = result.Clone()
		}
	}
	clone.PipelineSteps = append([]string(nil), t.PipelineSteps...)
	if t.FinalResult != nil {
		clone.FinalResult = t.FinalResult.Clone()
	}
	return &clone
}

// Clone 返回服务结果的深拷贝。
func (r ServiceResult) Clone() ServiceResult {
	clone := r
	clone.ExecutionSteps = append([]string(nil), r.ExecutionSteps...)
	if r.Result != nil {
		out := *r.Result
		clone.Result = &out
	}
	return clone
}

// Clone 返回最终结果的深拷贝。
func (f *FinalResult) Clone() *FinalResult {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Details = append([]ResultDetail(nil), f.Details...)
	clone.Recommendations = append([]string(nil), f.Recommendations...)
	if f.AggregateResult != nil {
		clone.AggregateResult = make(map[string]string, len(f.AggregateResult))
		for k, v := range f.AggregateResult {
			clone.AggregateResult[k] = v
		}
	}
	return &clone
}

func clonePhaseState(state *PhaseState) *PhaseState {
	if state == nil {
		return nil
	}
	clone := *state
	clone.Details = cloneDetails(state.Details)
	return &clone
}

func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	cloned := make(map[string]any, len(details))
	for key, value := range details {
		cloned[key] = value
	}
	return cloned
}
