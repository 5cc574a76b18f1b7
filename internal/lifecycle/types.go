package lifecycle

import (
	"sort"
	"strings"

	"OpenMech-Chain/internal/aggregator"
	"OpenMech-Chain/internal/transaction"
)

// SafeAddressDerive 作为 safe_address 传入时，由所有者地址推导 Safe 地址。
const SafeAddressDerive = "derive"

// CreateInput 是创建交易的参数。
type CreateInput struct {
	Owner       string                `json:"owner_address"`
	SafeAddress string                `json:"safe_address,omitempty"`
	Prompt      string                `json:"prompt"`
	Services    []transaction.Service `json:"selected_services"`
	TotalCost   float64               `json:"total_cost"`
}

// PaymentInput 是支付的参数。金额与服务为空时使用交易记录中的值。
type PaymentInput struct {
	TotalCost   float64  `json:"total_cost,omitempty"`
	Services    []string `json:"service_names,omitempty"`
	Chain       string   `json:"chain,omitempty"`
	Account     string   `json:"account,omitempty"`
	SafeAddress string   `json:"safe_address,omitempty"`
}

// ExecutionInput 是启动执行的参数。哈希为空时使用交易记录中的值，
// Steps 为空时按服务生成默认步骤。
type ExecutionInput struct {
	RequestTxHash string                      `json:"request_tx_hash,omitempty"`
	PaymentTxHash string                      `json:"payment_tx_hash,omitempty"`
	Services      []string                    `json:"service_names,omitempty"`
	Steps         []transaction.ExecutionStep `json:"execution_steps,omitempty"`
}

// VerifyInput 是验证结果的参数。Operators 为空时使用受理执行的 operator。
type VerifyInput struct {
	RequestID string   `json:"request_id,omitempty"`
	Operators []string `json:"operators,omitempty"`
}

// Content 是验证结果中的一段内容。
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// VerifiedResult 是验证阶段返回的结果。
type VerifiedResult struct {
	TransactionID string                   `json:"transaction_id"`
	RequestID     string                   `json:"request_id"`
	Operators     []string                 `json:"operators"`
	Content       []Content                `json:"content"`
	IsError       bool                     `json:"is_error"`
	Verified      bool                     `json:"verified"`
	Result        *transaction.FinalResult `json:"result"`
}

// Details 是交易记录与推导出的总体状态。
type Details struct {
	Transaction   *transaction.Transaction  `json:"transaction"`
	OverallStatus transaction.OverallStatus `json:"overall_status"`
}

func detailsOf(tx *transaction.Transaction) Details {
	return Details{Transaction: tx, OverallStatus: transaction.DeriveOverallStatus(transaction.StatusesOf(tx))}
}

// DefaultSteps 为每个服务生成一个执行步骤，并在末尾追加聚合步骤。
func DefaultSteps(services []transaction.Service) []transaction.ExecutionStep {
	steps := make([]transaction.ExecutionStep, 0, len(services)+1)
	for _, svc := range services {
		steps = append(steps, transaction.ExecutionStep{
			Step:   "Execute " + svc.Name,
			Tool:   svc.Name,
			Status: transaction.StepPending,
		})
	}
	return append(steps, transaction.ExecutionStep{
		Step:   aggregator.AggregationStep,
		Tool:   aggregator.AggregationTool,
		Status: transaction.StepPending,
	})
}

// sameNames 比较两组服务名称，忽略顺序与大小写。
func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(in []string) []string {
		out := make([]string, len(in))
		for i, v := range in {
			out[i] = strings.ToLower(strings.TrimSpace(v))
		}
		sort.Strings(out)
		return out
	}
	x, y := norm(a), norm(b)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
