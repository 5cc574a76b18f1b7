package transaction

import (
	"fmt"

	xerrors "OpenMech-Chain/internal/errors"
)

const (
	CodeNotFound           xerrors.Code = "TX_NOT_FOUND"
	CodeValidation         xerrors.Code = "TX_VALIDATION_FAILED"
	CodePhaseOrder         xerrors.Code = "TX_PHASE_ORDER"
	CodeExternalCall       xerrors.Code = "TX_EXTERNAL_CALL_FAILED"
	CodeInternal           xerrors.Code = "TX_INTERNAL"
	CodeConflict           xerrors.Code = "TX_CONFLICT"
	CodeSettledAfterCancel xerrors.Code = "TX_SETTLED_AFTER_CANCEL"
)

var (
	// ErrNotFound 表示交易不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "transaction not found")
	// ErrValidation 表示输入不合法，例如阶段名错误或步骤下标越界。
	ErrValidation = xerrors.New(CodeValidation, "transaction validation failed")
	// ErrPhaseOrder 表示阶段跳跃或回退。
	ErrPhaseOrder = xerrors.New(CodePhaseOrder, "phase transition rejected")
	// ErrExternalCall 表示外部协作方（支付、请求提交、执行派发）调用失败。
	ErrExternalCall = xerrors.New(CodeExternalCall, "external call failed")
	// ErrInternal 表示非预期错误。
	ErrInternal = xerrors.New(CodeInternal, "internal error")
	// ErrConflict 表示 ID 冲突或并发更新重试耗尽。
	ErrConflict = xerrors.New(CodeConflict, "transaction conflict")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "transaction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePhaseOrder, xerrors.Attributes{
		Message:   "phase transition rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExternalCall, xerrors.Attributes{
		Message:   "external call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInternal, xerrors.Attributes{
		Message:   "internal error",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:   "transaction conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSettledAfterCancel, xerrors.Attributes{
		Message:   "external call settled after cancellation",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func notFound(id string) error {
	return xerrors.New(CodeNotFound, fmt.Sprintf("交易 %s 不存在", id), xerrors.WithMetadata("transaction_id", id))
}

// duplicate 表示 ID 已被占用，重试同一个 ID 没有意义。
func duplicate(id string) error {
	return xerrors.New(CodeConflict, fmt.Sprintf("交易 %s 已存在", id),
		xerrors.WithRetryable(false), xerrors.WithMetadata("transaction_id", id))
}

// Validationf 构造 ValidationError。
func Validationf(format string, args ...any) error {
	return xerrors.New(CodeValidation, fmt.Sprintf(format, args...))
}

// PhaseOrderf 构造 PhaseOrderError。
func PhaseOrderf(phase Phase, format string, args ...any) error {
	return xerrors.New(CodePhaseOrder, fmt.Sprintf(format, args...), xerrors.WithMetadata("phase", string(phase)))
}

// Internal 将非预期错误包装为 InternalError，已是统一错误的保持原样。
func Internal(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeInternal, err, message)
}

// ExternalCall 包装外部协作方的失败。
func ExternalCall(phase Phase, err error) error {
	return xerrors.Wrap(CodeExternalCall, err, fmt.Sprintf("%s 阶段外部调用失败", phase), xerrors.WithMetadata("phase", string(phase)))
}

// SettledAfterCancel 报告一次在取消之后才返回的外部调用，ref 为已生效的哈希或请求 ID。
func SettledAfterCancel(phase Phase, id, ref string) error {
	return xerrors.New(CodeSettledAfterCancel,
		fmt.Sprintf("交易 %s 的 %s 阶段已取消，但外部调用已生效: %s", id, phase, ref),
		xerrors.WithMetadata("transaction_id", id),
		xerrors.WithMetadata("phase", string(phase)),
		xerrors.WithMetadata("settled", ref),
	)
}
