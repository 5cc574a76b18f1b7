package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMarketplace 是 Gnosis 链上 Mech 市场合约地址，用作支付与请求交易的接收方。
const DefaultMarketplace = "0x4554fE75c1f5576c1d7F765B2A036c199Adae329"

// 支付方式。
const (
	MethodEOA  = "eoa"
	MethodSafe = "safe"
)

// ChainSnapshot 汇总链的基本信息。
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Transfer 描述一笔待签名的转账或数据交易。
type Transfer struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Client 是执行器依赖的最小链访问能力。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, transfer Transfer) (common.Hash, error)
	Close()
}

// MechRequest 是提交 Mech 请求所需的参数。
type MechRequest struct {
	TransactionID string
	Owner         string
	Prompt        string
	Services      []string
}

// PaymentRequest 是支付所需的参数。SafeAddress 为空时使用 EOA 账户支付。
type PaymentRequest struct {
	TransactionID string
	Amount        float64
	Services      []string
	Chain         string
	Account       string
	SafeAddress   string
}

// Method 返回本次支付的方式。
func (r PaymentRequest) Method() string {
	if r.SafeAddress != "" {
		return MethodSafe
	}
	return MethodEOA
}

// ExecutionRequest 是启动执行所需的参数。
type ExecutionRequest struct {
	TransactionID string
	RequestTxHash string
	PaymentTxHash string
	Services      []string
}

// ExecutionTicket 是启动执行后获得的请求 ID 与受理的 operator。
type ExecutionTicket struct {
	RequestID string `json:"request_id"`
	Operator  string `json:"operator"`
}

// PaymentExecutor 负责支付并返回支付交易哈希。
type PaymentExecutor interface {
	ExecutePayment(ctx context.Context, req PaymentRequest) (string, error)
}

// JobSubmitter 负责提交请求与启动执行。
type JobSubmitter interface {
	SubmitRequest(ctx context.Context, req MechRequest) (string, error)
	StartExecution(ctx context.Context, req ExecutionRequest) (ExecutionTicket, error)
}

// Executor 同时实现两个端口。
type Executor interface {
	PaymentExecutor
	JobSubmitter
}

// ToWei 把以 ether 计价的金额换算为 wei。
func ToWei(amount float64) *big.Int {
	if amount <= 0 {
		return new(big.Int)
	}
	ether := new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), ether).Int(nil)
	return wei
}
