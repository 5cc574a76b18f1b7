package transaction

import "strings"

// ParsePhase 校验并返回规范的阶段名。
func ParsePhase(name string) (Phase, error) {
	phase := Phase(strings.ToLower(strings.TrimSpace(name)))
	switch phase {
	case PhaseRequest, PhasePayment, PhaseExecution, PhaseVerification:
		return phase, nil
	default:
		return "", Validationf("未知的阶段名 %q", name)
	}
}

// IsValidPhaseStatus 检查给定的阶段状态是否为支持的枚举值。
func IsValidPhaseStatus(status PhaseStatus) bool {
	switch status {
	case PhasePending, PhaseInProgress, PhaseCompleted, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 表示阶段已结束，之后不再接受状态变化。
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed
}

// rank 给出状态在生命周期中的先后顺序，未触达为 0。
func (s PhaseStatus) rank() int {
	switch s {
	case PhasePending:
		return 1
	case PhaseInProgress:
		return 2
	case PhaseCompleted, PhaseFailed:
		return 3
	default:
		return 0
	}
}

// SingleStep 表示阶段没有中间信号，可以直接从 pending 跳到 completed。
func (p Phase) SingleStep() bool {
	return p == PhaseRequest || p == PhasePayment
}

// Order 返回阶段在生命周期中的位置，从 0 开始。
func (p Phase) Order() int {
	for idx, phase := range Phases {
		if phase == p {
			return idx
		}
	}
	return -1
}

// CanTransition 判断阶段能否从 from 迁移到 to。from 为空表示阶段尚未触达。
// 相同状态视为细节合并，终态之间不允许互相迁移。
func CanTransition(phase Phase, from, to PhaseStatus) bool {
	if !IsValidPhaseStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case "", PhasePending:
		switch to {
		case PhasePending, PhaseInProgress:
			return true
		case PhaseCompleted:
			return phase.SingleStep()
		default:
			return false
		}
	case PhaseInProgress:
		return to == PhaseCompleted || to == PhaseFailed
	default:
		return false
	}
}

// Transition 返回迁移后的状态，被拒绝时返回 PhaseOrderError。
func Transition(phase Phase, current *PhaseState, to PhaseStatus) (PhaseStatus, error) {
	var from PhaseStatus
	if current != nil {
		from = current.Status
	}
	if !CanTransition(phase, from, to) {
		if from == "" {
			from = "absent"
		}
		return from, PhaseOrderf(phase, "%s 阶段不允许从 %s 迁移到 %s", phase, from, to)
	}
	return to, nil
}

// OverallStatus 是面向用户的单一状态标签。
type OverallStatus string

const (
	OverallCompleted           OverallStatus = "completed"
	OverallCompletedUnverified OverallStatus = "completed (unverified)"
	OverallExecuting           OverallStatus = "executing"
	OverallPaymentComplete     OverallStatus = "payment complete"
	OverallPaymentProcessing   OverallStatus = "payment processing"
	OverallRequestSubmitted    OverallStatus = "request submitted"
	OverallPending             OverallStatus = "pending"
)

// OverallStatuses 列出全部七个标签。
var OverallStatuses = []OverallStatus{
	OverallCompleted,
	OverallCompletedUnverified,
	OverallExecuting,
	OverallPaymentComplete,
	OverallPaymentProcessing,
	OverallRequestSubmitted,
	OverallPending,
}

// PhaseStatuses 是四个阶段状态的快照，阶段未触达时为空字符串。
type PhaseStatuses struct {
	Request      PhaseStatus
	Payment      PhaseStatus
	Execution    PhaseStatus
	Verification PhaseStatus
}

// StatusesOf 提取交易的四个阶段状态。
func StatusesOf(tx *Transaction) PhaseStatuses {
	return PhaseStatuses{
		Request:      tx.StatusOf(PhaseRequest),
		Payment:      tx.StatusOf(PhasePayment),
		Execution:    tx.StatusOf(PhaseExecution),
		Verification: tx.StatusOf(PhaseVerification),
	}
}

// DeriveOverallStatus 按固定优先级推导总体状态，只依赖阶段状态。
func DeriveOverallStatus(s PhaseStatuses) OverallStatus {
	switch {
	case s.Verification == PhaseCompleted:
		return OverallCompleted
	case s.Execution == PhaseCompleted:
		return OverallCompletedUnverified
	case s.Execution == PhaseInProgress:
		return OverallExecuting
	case s.Payment == PhaseCompleted:
		return OverallPaymentComplete
	case s.Payment == PhaseInProgress:
		return OverallPaymentProcessing
	case s.Request == PhaseCompleted:
		return OverallRequestSubmitted
	default:
		return OverallPending
	}
}
