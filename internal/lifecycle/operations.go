package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMech-Chain/internal/aggregator"
	"OpenMech-Chain/internal/events"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/internal/web3"

	"github.com/google/uuid"
)

// CreateTransaction 校验输入、补全服务名称并持久化一笔新交易，返回交易 ID。
func (s *Service) CreateTransaction(ctx context.Context, in CreateInput) (string, error) {
	owner := strings.TrimSpace(in.Owner)
	if owner == "" {
		return "", transaction.Validationf("owner_address 不能为空")
	}
	if len(in.Services) == 0 {
		return "", transaction.Validationf("至少需要选择一个服务")
	}
	for i, svc := range in.Services {
		if strings.TrimSpace(svc.ID) == "" {
			return "", transaction.Validationf("第 %d 个服务缺少 id", i+1)
		}
		if svc.Cost < 0 {
			return "", transaction.Validationf("服务 %s 的费用不能为负数", svc.ID)
		}
	}

	safe := strings.TrimSpace(in.SafeAddress)
	if strings.EqualFold(safe, SafeAddressDerive) {
		safe = web3.DeriveSafeAddress(owner)
	}

	tx := &transaction.Transaction{
		ID:               uuid.NewString(),
		OwnerAddress:     owner,
		SafeAddress:      safe,
		Prompt:           in.Prompt,
		SelectedServices: s.catalog.Resolve(in.Services),
		TotalCost:        in.TotalCost,
	}
	if err := s.repo.Put(ctx, tx); err != nil {
		return "", err
	}
	metrics.TransactionsCreated.Inc()

	s.log.Info("交易已创建",
		slog.String("transaction_id", tx.ID),
		slog.String("owner", owner),
		slog.Int("services", len(tx.SelectedServices)),
		slog.Float64("total_cost", tx.TotalCost),
	)
	event := events.New(events.TypeCreated, tx.ID)
	event.Owner = owner
	event.OverallStatus = string(transaction.OverallPending)
	event.Details = map[string]any{"services": tx.ServiceNames(), "total_cost": tx.TotalCost}
	s.publish(ctx, event)
	return tx.ID, nil
}

// SubmitRequest 提交 Mech 请求并完成 request 阶段，返回请求交易哈希。
// 阶段已完成时直接返回记录的哈希。调用期间阶段被取消时，哈希仍会写入记录，
// 并与 TX_SETTLED_AFTER_CANCEL 错误一起返回。
func (s *Service) SubmitRequest(ctx context.Context, id string) (string, error) {
	start := time.Now()
	defer s.observe(transaction.PhaseRequest, start)

	var recorded string
	now := s.now()
	tx, err := s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded = ""
		switch tx.StatusOf(transaction.PhaseRequest) {
		case transaction.PhaseCompleted:
			recorded = tx.RequestTxHash
			return nil
		case transaction.PhaseFailed:
			return transaction.PhaseOrderf(transaction.PhaseRequest, "交易 %s 的 request 阶段已失败", tx.ID)
		}
		return transaction.ApplyPhase(tx, transaction.PhaseRequest, transaction.PhaseInProgress,
			map[string]any{"services": tx.ServiceNames()}, now)
	})
	if err != nil {
		return "", err
	}
	if recorded != "" {
		return recorded, nil
	}
	s.recorded(ctx, tx, transaction.PhaseRequest, transaction.PhaseInProgress)

	if err := s.pause(ctx); err != nil {
		return "", err
	}
	hash, err := s.jobs.SubmitRequest(ctx, web3.MechRequest{
		TransactionID: tx.ID,
		Owner:         tx.OwnerAddress,
		Prompt:        tx.Prompt,
		Services:      tx.ServiceNames(),
	})
	if err != nil {
		return "", s.fail(ctx, id, transaction.PhaseRequest, err)
	}

	settled := false
	now = s.now()
	tx, err = s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded, settled = "", false
		switch tx.StatusOf(transaction.PhaseRequest) {
		case transaction.PhaseCompleted:
			recorded = tx.RequestTxHash
			return nil
		case transaction.PhaseFailed:
			settled = true
			tx.RequestTxHash = hash
			return transaction.ApplyPhase(tx, transaction.PhaseRequest, transaction.PhaseFailed,
				map[string]any{"settled_tx_hash": hash}, now)
		}
		if err := transaction.ApplyPhase(tx, transaction.PhaseRequest, transaction.PhaseCompleted,
			map[string]any{"tx_hash": hash}, now); err != nil {
			return err
		}
		tx.RequestTxHash = hash
		return nil
	})
	if err != nil {
		return "", s.wrapInternal(ctx, err, id, transaction.PhaseRequest, "记录请求结果失败")
	}
	if settled {
		return hash, s.settledAfterCancel(ctx, tx, transaction.PhaseRequest, hash)
	}
	if recorded != "" {
		return recorded, nil
	}
	s.recorded(ctx, tx, transaction.PhaseRequest, transaction.PhaseCompleted)
	s.log.Info("请求已提交", slog.String("transaction_id", id), slog.String("tx_hash", hash))
	return hash, nil
}

// ExecutePayment 在 request 阶段完成后支付，返回支付交易哈希。
// 阶段已完成时直接返回记录的哈希。与 SubmitRequest 一样，取消后才到账的支付
// 会记录在 payment_tx_hash 与阶段细节中。
func (s *Service) ExecutePayment(ctx context.Context, id string, in PaymentInput) (string, error) {
	start := time.Now()
	defer s.observe(transaction.PhasePayment, start)

	var (
		recorded string
		req      web3.PaymentRequest
	)
	now := s.now()
	tx, err := s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded = ""
		switch tx.StatusOf(transaction.PhasePayment) {
		case transaction.PhaseCompleted:
			recorded = tx.PaymentTxHash
			return nil
		case transaction.PhaseFailed:
			return transaction.PhaseOrderf(transaction.PhasePayment, "交易 %s 的 payment 阶段已失败", tx.ID)
		}
		if tx.StatusOf(transaction.PhaseRequest) != transaction.PhaseCompleted {
			return transaction.PhaseOrderf(transaction.PhasePayment, "交易 %s 的请求尚未完成，不能支付", tx.ID)
		}
		if in.TotalCost > 0 && !transaction.CostsMatch(in.TotalCost, tx.TotalCost) {
			return transaction.Validationf("支付金额 %.6f 与交易总费用 %.6f 不一致", in.TotalCost, tx.TotalCost)
		}
		if len(in.Services) > 0 && !sameNames(in.Services, tx.ServiceNames()) {
			return transaction.Validationf("支付的服务与交易选择的服务不一致")
		}
		req = web3.PaymentRequest{
			TransactionID: tx.ID,
			Amount:        tx.TotalCost,
			Services:      tx.ServiceNames(),
			Chain:         in.Chain,
			Account:       in.Account,
			SafeAddress:   firstNonEmpty(in.SafeAddress, tx.SafeAddress),
		}
		return transaction.ApplyPhase(tx, transaction.PhasePayment, transaction.PhaseInProgress,
			map[string]any{"amount": tx.TotalCost, "tools": tx.ServiceNames()}, now)
	})
	if err != nil {
		return "", err
	}
	if recorded != "" {
		return recorded, nil
	}
	s.recorded(ctx, tx, transaction.PhasePayment, transaction.PhaseInProgress)

	if err := s.pause(ctx); err != nil {
		return "", err
	}
	hash, err := s.payments.ExecutePayment(ctx, req)
	if err != nil {
		return "", s.fail(ctx, id, transaction.PhasePayment, err)
	}

	details := map[string]any{"tx_hash": hash, "amount": req.Amount, "method": req.Method()}
	if req.SafeAddress != "" {
		details["safe_address"] = req.SafeAddress
	}
	settled := false
	now = s.now()
	tx, err = s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded, settled = "", false
		switch tx.StatusOf(transaction.PhasePayment) {
		case transaction.PhaseCompleted:
			recorded = tx.PaymentTxHash
			return nil
		case transaction.PhaseFailed:
			settled = true
			tx.PaymentTxHash = hash
			return transaction.ApplyPhase(tx, transaction.PhasePayment, transaction.PhaseFailed,
				map[string]any{"settled_tx_hash": hash, "amount": req.Amount, "method": req.Method()}, now)
		}
		if err := transaction.ApplyPhase(tx, transaction.PhasePayment, transaction.PhaseCompleted, details, now); err != nil {
			return err
		}
		tx.PaymentTxHash = hash
		return nil
	})
	if err != nil {
		return "", s.wrapInternal(ctx, err, id, transaction.PhasePayment, "记录支付结果失败")
	}
	if settled {
		return hash, s.settledAfterCancel(ctx, tx, transaction.PhasePayment, hash)
	}
	if recorded != "" {
		return recorded, nil
	}
	s.recorded(ctx, tx, transaction.PhasePayment, transaction.PhaseCompleted)
	s.log.Info("支付已完成",
		slog.String("transaction_id", id),
		slog.String("tx_hash", hash),
		slog.String("method", req.Method()),
	)
	return hash, nil
}

// StartExecution 在支付完成后派发执行：初始化执行步骤、记录请求 ID 与 operator，
// 并把当前的模拟时钟模型写入交易。已派发的执行直接返回记录的票据。
// 取消后才派发成功的票据记在 execution 阶段的 settled_* 细节里。
func (s *Service) StartExecution(ctx context.Context, id string, in ExecutionInput) (web3.ExecutionTicket, error) {
	start := time.Now()
	defer s.observe(transaction.PhaseExecution, start)

	var (
		recorded *web3.ExecutionTicket
		req      web3.ExecutionRequest
	)
	now := s.now()
	tx, err := s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded = nil
		status := tx.StatusOf(transaction.PhaseExecution)
		if status == transaction.PhaseFailed {
			return transaction.PhaseOrderf(transaction.PhaseExecution, "交易 %s 的 execution 阶段已失败", tx.ID)
		}
		if tx.ExecutionInfo != nil && (status == transaction.PhaseInProgress || status == transaction.PhaseCompleted) {
			recorded = &web3.ExecutionTicket{RequestID: tx.ExecutionInfo.RequestID, Operator: tx.ExecutionInfo.Operator}
			return nil
		}
		if tx.StatusOf(transaction.PhasePayment) != transaction.PhaseCompleted {
			return transaction.PhaseOrderf(transaction.PhaseExecution, "交易 %s 的支付尚未完成，不能启动执行", tx.ID)
		}
		if in.RequestTxHash != "" && !strings.EqualFold(in.RequestTxHash, tx.RequestTxHash) {
			return transaction.Validationf("request_tx_hash 与交易记录不一致")
		}
		if in.PaymentTxHash != "" && !strings.EqualFold(in.PaymentTxHash, tx.PaymentTxHash) {
			return transaction.Validationf("payment_tx_hash 与交易记录不一致")
		}
		if len(in.Services) > 0 && !sameNames(in.Services, tx.ServiceNames()) {
			return transaction.Validationf("执行的服务与交易选择的服务不一致")
		}
		steps := in.Steps
		if len(steps) == 0 {
			steps = DefaultSteps(tx.SelectedServices)
		}
		if err := transaction.ApplyFields(tx, transaction.Fields{ExecutionSteps: steps}); err != nil {
			return err
		}
		req = web3.ExecutionRequest{
			TransactionID: tx.ID,
			RequestTxHash: tx.RequestTxHash,
			PaymentTxHash: tx.PaymentTxHash,
			Services:      tx.ServiceNames(),
		}
		return transaction.ApplyPhase(tx, transaction.PhaseExecution, transaction.PhaseInProgress, map[string]any{
			"request_tx_hash": tx.RequestTxHash,
			"payment_tx_hash": tx.PaymentTxHash,
			"selected_tools":  tx.ServiceNames(),
		}, now)
	})
	if err != nil {
		return web3.ExecutionTicket{}, err
	}
	if recorded != nil {
		return *recorded, nil
	}
	s.recorded(ctx, tx, transaction.PhaseExecution, transaction.PhaseInProgress)

	if err := s.pause(ctx); err != nil {
		return web3.ExecutionTicket{}, err
	}
	ticket, err := s.jobs.StartExecution(ctx, req)
	if err != nil {
		return web3.ExecutionTicket{}, s.fail(ctx, id, transaction.PhaseExecution, err)
	}

	now = s.now()
	clock := s.sim.DefaultModel()
	settled := false
	tx, err = s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		recorded, settled = nil, false
		if tx.ExecutionInfo != nil {
			recorded = &web3.ExecutionTicket{RequestID: tx.ExecutionInfo.RequestID, Operator: tx.ExecutionInfo.Operator}
			return nil
		}
		switch tx.StatusOf(transaction.PhaseExecution) {
		case transaction.PhaseFailed:
			settled = true
			return transaction.ApplyPhase(tx, transaction.PhaseExecution, transaction.PhaseFailed, map[string]any{
				"settled_request_id": ticket.RequestID,
				"settled_operator":   ticket.Operator,
			}, now)
		case transaction.PhaseInProgress:
		default:
			return transaction.PhaseOrderf(transaction.PhaseExecution, "交易 %s 的执行已不在进行中", tx.ID)
		}
		return transaction.ApplyFields(tx, transaction.Fields{ExecutionInfo: &transaction.ExecutionInfo{
			RequestID: ticket.RequestID,
			Operator:  ticket.Operator,
			Clock:     clock,
			StartedAt: now.UTC(),
		}})
	})
	if err != nil {
		return web3.ExecutionTicket{}, s.wrapInternal(ctx, err, id, transaction.PhaseExecution, "记录执行票据失败")
	}
	if settled {
		return ticket, s.settledAfterCancel(ctx, tx, transaction.PhaseExecution, ticket.RequestID)
	}
	if recorded != nil {
		return *recorded, nil
	}
	logger := s.log.With(slog.String("transaction_id", id))
	logger.Info("执行已派发",
		slog.String("request_id", ticket.RequestID),
		slog.String("operator", ticket.Operator),
		slog.String("clock", clock),
		slog.Int("services", len(tx.SelectedServices)),
	)
	return ticket, nil
}

// GetExecutionStatus 返回执行状态视图。requestID 非空时必须与交易记录一致。
func (s *Service) GetExecutionStatus(ctx context.Context, id, requestID string) (*aggregator.StatusView, error) {
	if requestID != "" {
		tx, err := s.repo.Get(ctx, id)
		if err == nil && tx.ExecutionInfo != nil && !strings.EqualFold(tx.ExecutionInfo.RequestID, requestID) {
			return nil, transaction.Validationf("request_id 与交易 %s 的执行记录不一致", id)
		}
	}
	return s.agg.GetStatus(ctx, id)
}

// VerifyResults 强制模拟进入终态、确保最终结果已写入并完成 verification 阶段。
// 阶段已完成时返回基于已记录结果的验证结果。
func (s *Service) VerifyResults(ctx context.Context, id string, in VerifyInput) (*VerifiedResult, error) {
	start := time.Now()
	defer s.observe(transaction.PhaseVerification, start)

	var (
		done      bool
		operators []string
		requestID string
	)
	now := s.now()
	tx, err := s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		done = false
		switch tx.StatusOf(transaction.PhaseVerification) {
		case transaction.PhaseCompleted:
			done = true
			return nil
		case transaction.PhaseFailed:
			return transaction.PhaseOrderf(transaction.PhaseVerification, "交易 %s 的 verification 阶段已失败", tx.ID)
		}
		execution := tx.StatusOf(transaction.PhaseExecution)
		if tx.ExecutionInfo == nil || (execution != transaction.PhaseInProgress && execution != transaction.PhaseCompleted) {
			return transaction.PhaseOrderf(transaction.PhaseVerification, "交易 %s 的执行尚未开始，不能验证", tx.ID)
		}
		if in.RequestID != "" && !strings.EqualFold(in.RequestID, tx.ExecutionInfo.RequestID) {
			return transaction.Validationf("request_id 与交易 %s 的执行记录不一致", tx.ID)
		}
		requestID = tx.ExecutionInfo.RequestID
		operators = in.Operators
		if len(operators) == 0 {
			operators = []string{tx.ExecutionInfo.Operator}
		}
		return transaction.ApplyPhase(tx, transaction.PhaseVerification, transaction.PhaseInProgress,
			map[string]any{"request_id": requestID, "operators": operators}, now)
	})
	if err != nil {
		return nil, err
	}
	if done {
		return verifiedResultOf(tx), nil
	}
	s.recorded(ctx, tx, transaction.PhaseVerification, transaction.PhaseInProgress)
	s.log.Info("开始验证结果",
		slog.String("transaction_id", id),
		slog.String("request_id", requestID),
		slog.Int("operators", len(operators)),
	)

	if _, _, err := s.agg.Finalize(ctx, id); err != nil {
		now = s.now()
		failed, markErr := s.repo.Mutate(context.WithoutCancel(ctx), id, func(tx *transaction.Transaction) error {
			return transaction.ApplyPhase(tx, transaction.PhaseVerification, transaction.PhaseFailed,
				map[string]any{"error": err.Error()}, now)
		})
		if markErr != nil {
			s.log.Error("记录阶段失败状态失败",
				slog.String("transaction_id", id),
				slog.String("phase", string(transaction.PhaseVerification)),
				slog.Any("error", markErr),
			)
		} else {
			s.recorded(ctx, failed, transaction.PhaseVerification, transaction.PhaseFailed)
		}
		return nil, s.wrapInternal(ctx, err, id, transaction.PhaseVerification, "生成最终结果失败")
	}
	if err := s.pause(ctx); err != nil {
		return nil, err
	}

	now = s.now()
	tx, err = s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		done = tx.StatusOf(transaction.PhaseVerification) == transaction.PhaseCompleted
		if done {
			return nil
		}
		if tx.FinalResult == nil {
			return transaction.Internal(fmt.Errorf("final result missing after finalize"), "最终结果缺失")
		}
		return transaction.ApplyPhase(tx, transaction.PhaseVerification, transaction.PhaseCompleted,
			map[string]any{"verified": true}, now)
	})
	if err != nil {
		return nil, s.wrapInternal(ctx, err, id, transaction.PhaseVerification, "记录验证结果失败")
	}
	if !done {
		s.recorded(ctx, tx, transaction.PhaseVerification, transaction.PhaseCompleted)
	}
	return verifiedResultOf(tx), nil
}

func verifiedResultOf(tx *transaction.Transaction) *VerifiedResult {
	result := &VerifiedResult{
		TransactionID: tx.ID,
		Verified:      tx.StatusOf(transaction.PhaseVerification) == transaction.PhaseCompleted,
		Result:        tx.FinalResult.Clone(),
		Content:       []Content{},
	}
	if tx.ExecutionInfo != nil {
		result.RequestID = tx.ExecutionInfo.RequestID
	}
	if state := tx.State(transaction.PhaseVerification); state != nil {
		result.Operators = toStrings(state.Details["operators"])
	}
	if tx.FinalResult != nil {
		result.Content = append(result.Content, Content{Type: "text", Text: tx.FinalResult.Summary})
		for _, rec := range tx.FinalResult.Recommendations {
			result.Content = append(result.Content, Content{Type: "text", Text: rec})
		}
	}
	return result
}

// toStrings 兼容从 JSON 文档中读回的 []any。
func toStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Cancel 把所有未进入终态的阶段强制置为 failed。验证已完成的交易不能取消。
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Details, error) {
	details := map[string]any{"reason": "cancelled"}
	if note := strings.TrimSpace(reason); note != "" {
		details["note"] = note
	}
	var changed []transaction.Phase
	now := s.now()
	tx, err := s.repo.Mutate(ctx, id, func(tx *transaction.Transaction) error {
		changed = changed[:0]
		if tx.StatusOf(transaction.PhaseVerification) == transaction.PhaseCompleted {
			return transaction.PhaseOrderf(transaction.PhaseVerification, "交易 %s 已完成验证，不能取消", tx.ID)
		}
		for _, phase := range []transaction.Phase{
			transaction.PhaseRequest,
			transaction.PhasePayment,
			transaction.PhaseExecution,
			transaction.PhaseVerification,
		} {
			if transaction.ForceFail(tx, phase, details, now) {
				changed = append(changed, phase)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, phase := range changed {
		s.recorded(ctx, tx, phase, transaction.PhaseFailed)
	}
	if len(changed) > 0 {
		event := events.New(events.TypeCancelled, tx.ID)
		event.Owner = tx.OwnerAddress
		event.OverallStatus = string(transaction.DeriveOverallStatus(transaction.StatusesOf(tx)))
		event.Details = details
		s.publish(ctx, event)
		s.log.Info("交易已取消", slog.String("transaction_id", id), slog.Int("phases", len(changed)))
	}
	d := detailsOf(tx)
	return &d, nil
}

// Details 返回交易记录与总体状态。
func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	tx, err := s.repo.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	d := detailsOf(tx)
	return &d, nil
}

// ListByOwner 返回所有者的交易，最新创建的在前。
func (s *Service) ListByOwner(ctx context.Context, owner string, opts ...transaction.ListOption) ([]Details, error) {
	items, err := s.repo.ListByOwner(ctx, owner, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(items))
	for _, tx := range items {
		out = append(out, detailsOf(tx))
	}
	return out, nil
}
