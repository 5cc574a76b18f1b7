package web3

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimulatedExecutor 不访问网络，根据交易 ID 与阶段生成确定性的哈希，
// 同一交易重复调用得到相同结果。
type SimulatedExecutor struct{}

// NewSimulatedExecutor 创建模拟执行器。
func NewSimulatedExecutor() *SimulatedExecutor { return &SimulatedExecutor{} }

// SubmitRequest 返回模拟的请求交易哈希。
func (SimulatedExecutor) SubmitRequest(ctx context.Context, req MechRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return digest("request", req.TransactionID, req.Prompt).Hex(), nil
}

// ExecutePayment 返回模拟的支付交易哈希。
func (SimulatedExecutor) ExecutePayment(ctx context.Context, req PaymentRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return digest("payment", req.TransactionID, req.Method(), strings.Join(req.Services, ",")).Hex(), nil
}

// StartExecution 由请求与支付哈希推导请求 ID 与 operator 地址。
func (SimulatedExecutor) StartExecution(ctx context.Context, req ExecutionRequest) (ExecutionTicket, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionTicket{}, err
	}
	requestID := digest("execution", req.TransactionID, req.RequestTxHash, req.PaymentTxHash)
	operator := common.BytesToAddress(digest("operator", requestID.Hex()).Bytes())
	return ExecutionTicket{RequestID: requestID.Hex(), Operator: operator.Hex()}, nil
}

// DeriveSafeAddress 由所有者地址推导一个稳定的 Safe 地址，仅用于模拟环境。
func DeriveSafeAddress(owner string) string {
	sum := crypto.Keccak256([]byte("safe"), []byte(strings.ToLower(strings.TrimSpace(owner))))
	return common.BytesToAddress(sum).Hex()
}

func digest(parts ...string) common.Hash {
	chunks := make([][]byte, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, []byte(part), []byte{0})
	}
	return crypto.Keccak256Hash(chunks...)
}

// IsHash 判断字符串是否为 32 字节的十六进制哈希。
func IsHash(value string) bool {
	raw, err := hexutil.Decode(value)
	return err == nil && len(raw) == common.HashLength
}
