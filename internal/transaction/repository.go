package transaction

import (
	"context"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
)

// Fields 描述 UpdateFields 的合并内容，nil 字段保持不变。
type Fields struct {
	SafeAddress    *string
	RequestTxHash  *string
	PaymentTxHash  *string
	ExecutionInfo  *ExecutionInfo
	ExecutionSteps []ExecutionStep
	ServiceResults []ServiceResult
	PipelineSteps  []string
	FinalResult    *FinalResult
}

// Repository 在 Store 之上提供带校验的交易操作，所有驱动共享同一套规则。
type Repository struct {
	store Store
	now   func() time.Time
}

// NewRepository 构造 Repository。
func NewRepository(store Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

// WithClock 替换时间来源，用于测试。
func (r *Repository) WithClock(now func() time.Time) *Repository {
	if now != nil {
		r.now = now
	}
	return r
}

// Store 返回底层存储。
func (r *Repository) Store() Store {
	return r.store
}

func (r *Repository) ready() error {
	if r == nil || r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return nil
}

// 与 mech_transactions 表的列宽一致。
const (
	MaxIDLength    = 64
	MaxOwnerLength = 128
)

// ValidateID 检查交易 ID 非空且不超过存储列宽。
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return Validationf("交易 ID 不能为空")
	}
	if len(id) > MaxIDLength {
		return Validationf("交易 ID 长度不能超过 %d", MaxIDLength)
	}
	return nil
}

// Put 写入新交易。服务费用之和必须与 total_cost 一致。
func (r *Repository) Put(ctx context.Context, tx *Transaction) error {
	if err := r.ready(); err != nil {
		return err
	}
	if tx == nil {
		return Validationf("交易 ID 不能为空")
	}
	if err := ValidateID(tx.ID); err != nil {
		return err
	}
	if len(OwnerKey(tx.OwnerAddress)) > MaxOwnerLength {
		return Validationf("owner_address 长度不能超过 %d", MaxOwnerLength)
	}
	if !CostsMatch(tx.TotalCost, SumCosts(tx.SelectedServices)) {
		return Validationf("total_cost %.6f 与服务费用之和 %.6f 不一致", tx.TotalCost, SumCosts(tx.SelectedServices))
	}
	if len(tx.ExecutionSteps) > 0 && len(tx.ExecutionSteps) != len(tx.SelectedServices)+1 {
		return Validationf("execution_steps 数量应为 %d，实际为 %d", len(tx.SelectedServices)+1, len(tx.ExecutionSteps))
	}
	return r.store.Create(ctx, tx)
}

// Get 返回交易，不存在时返回 NotFound。
func (r *Repository) Get(ctx context.Context, id string) (*Transaction, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, id)
}

// ListByOwner 返回所有者的交易，最新创建的在前。
func (r *Repository) ListByOwner(ctx context.Context, owner string, opts ...ListOption) ([]*Transaction, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(owner) == "" {
		return nil, Validationf("owner 不能为空")
	}
	return r.store.ListByOwner(ctx, owner, BuildListOptions(opts...))
}

// Mutate 对交易执行原子的读-改-写。mutate 可能因并发冲突被重放，必须只依赖传入的副本。
func (r *Repository) Mutate(ctx context.Context, id string, mutate MutateFunc) (*Transaction, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.store.Update(ctx, id, mutate)
}

// UpdateFields 合并顶层字段，不会替换未指定的字段。
func (r *Repository) UpdateFields(ctx context.Context, id string, fields Fields) (*Transaction, error) {
	return r.Mutate(ctx, id, func(tx *Transaction) error {
		return ApplyFields(tx, fields)
	})
}

// ApplyFields 把 Fields 合并进交易，execution_steps 数量不符时返回 ValidationError。
func ApplyFields(tx *Transaction, fields Fields) error {
	if fields.ExecutionSteps != nil && len(fields.ExecutionSteps) != len(tx.SelectedServices)+1 {
		return Validationf("execution_steps 数量应为 %d，实际为 %d", len(tx.SelectedServices)+1, len(fields.ExecutionSteps))
	}
	if fields.FinalResult != nil && tx.FinalResult != nil {
		return Validationf("交易 %s 的 final_result 已写入，不能覆盖", tx.ID)
	}
	if fields.SafeAddress != nil {
		tx.SafeAddress = *fields.SafeAddress
	}
	if fields.RequestTxHash != nil {
		tx.RequestTxHash = *fields.RequestTxHash
	}
	if fields.PaymentTxHash != nil {
		tx.PaymentTxHash = *fields.PaymentTxHash
	}
	if fields.ExecutionInfo != nil {
		info := *fields.ExecutionInfo
		tx.ExecutionInfo = &info
	}
	if fields.ExecutionSteps != nil {
		tx.ExecutionSteps = append([]ExecutionStep(nil), fields.ExecutionSteps...)
	}
	if fields.ServiceResults != nil {
		tx.ServiceResults = make([]ServiceResult, len(fields.ServiceResults))
		for i, result := range fields.ServiceResults {
			tx.ServiceResults[i] = result.Clone()
		}
	}
	if fields.PipelineSteps != nil {
		tx.PipelineSteps = append([]string(nil), fields.PipelineSteps...)
	}
	if fields.FinalResult != nil {
		tx.FinalResult = fields.FinalResult.Clone()
	}
	return nil
}

// UpdatePhase 校验阶段名与状态迁移后合并细节并刷新时间戳。
func (r *Repository) UpdatePhase(ctx context.Context, id, phaseName string, status PhaseStatus, details map[string]any) (*Transaction, error) {
	phase, err := ParsePhase(phaseName)
	if err != nil {
		return nil, err
	}
	if !IsValidPhaseStatus(status) {
		return nil, Validationf("未知的阶段状态 %q", status)
	}
	now := r.now()
	return r.Mutate(ctx, id, func(tx *Transaction) error {
		return ApplyPhase(tx, phase, status, details, now)
	})
}

// ApplyPhase 在内存中执行一次阶段迁移：阶段不存在时创建，存在时合并细节。
func ApplyPhase(tx *Transaction, phase Phase, status PhaseStatus, details map[string]any, now time.Time) error {
	current := tx.State(phase)
	next, err := Transition(phase, current, status)
	if err != nil {
		return err
	}
	state := clonePhaseState(current)
	if state == nil {
		state = &PhaseState{}
	}
	if state.Details == nil && len(details) > 0 {
		state.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		state.Details[key] = value
	}
	if state.Status != next || state.Timestamp.IsZero() {
		state.Timestamp = now.UTC()
	}
	state.Status = next
	tx.SetState(phase, state)
	return nil
}

// ForceFail 把阶段强制置为 failed，仅用于取消。已处于终态的阶段保持不变并返回 false。
func ForceFail(tx *Transaction, phase Phase, details map[string]any, now time.Time) bool {
	current := tx.State(phase)
	if current != nil && current.Status.IsTerminal() {
		return false
	}
	state := clonePhaseState(current)
	if state == nil {
		state = &PhaseState{}
	}
	if state.Details == nil {
		state.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		state.Details[key] = value
	}
	state.Status = PhaseFailed
	state.Timestamp = now.UTC()
	tx.SetState(phase, state)
	return true
}

// UpdateStep 更新执行步骤，下标越界时返回 ValidationError 且不做任何修改。
func (r *Repository) UpdateStep(ctx context.Context, id string, index int, status StepStatus, result any) (*Transaction, error) {
	now := r.now()
	return r.Mutate(ctx, id, func(tx *Transaction) error {
		return ApplyStep(tx, index, status, result, now)
	})
}

// ApplyStep 在内存中更新执行步骤。
func ApplyStep(tx *Transaction, index int, status StepStatus, result any, now time.Time) error {
	if index < 0 || index >= len(tx.ExecutionSteps) {
		return Validationf("步骤下标 %d 越界，共 %d 个步骤", index, len(tx.ExecutionSteps))
	}
	switch status {
	case StepPending, StepInProgress, StepCompleted, StepError:
	default:
		return Validationf("未知的步骤状态 %q", status)
	}
	step := tx.ExecutionSteps[index]
	step.Status = status
	if result != nil {
		step.Result = result
	}
	ts := now.UTC()
	step.Timestamp = &ts
	tx.ExecutionSteps[index] = step
	return nil
}

// Close 释放底层存储。
func (r *Repository) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}
