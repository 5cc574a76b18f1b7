package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"OpenMech-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Executor 通过签名并广播普通交易实现支付与请求提交。它不等待回执，
// 也不调用合约 ABI，请求内容以 JSON 写入交易 data 字段。
type Executor struct {
	client      web3.Client
	key         *ecdsa.PrivateKey
	marketplace common.Address
}

// NewExecutor 构造 EVM 执行器。marketplace 为空时使用默认市场地址。
func NewExecutor(client web3.Client, key *ecdsa.PrivateKey, marketplace string) (*Executor, error) {
	if client == nil {
		return nil, errors.New("链客户端不能为空")
	}
	if key == nil {
		return nil, errors.New("签名私钥不能为空")
	}
	marketplace = strings.TrimSpace(marketplace)
	if marketplace == "" {
		marketplace = web3.DefaultMarketplace
	}
	if !common.IsHexAddress(marketplace) {
		return nil, fmt.Errorf("市场合约地址无效: %s", marketplace)
	}
	return &Executor{client: client, key: key, marketplace: common.HexToAddress(marketplace)}, nil
}

// ParsePrivateKey 解析十六进制私钥，允许 0x 前缀。
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}

// Account 返回签名账户地址。
func (e *Executor) Account() string {
	return crypto.PubkeyToAddress(e.key.PublicKey).Hex()
}

type requestPayload struct {
	TransactionID string   `json:"transaction_id"`
	PromptHash    string   `json:"prompt_hash"`
	Services      []string `json:"services"`
}

// SubmitRequest 向市场地址发送一笔零金额交易，data 携带请求摘要。
func (e *Executor) SubmitRequest(ctx context.Context, req web3.MechRequest) (string, error) {
	data, err := json.Marshal(requestPayload{
		TransactionID: req.TransactionID,
		PromptHash:    crypto.Keccak256Hash([]byte(req.Prompt)).Hex(),
		Services:      req.Services,
	})
	if err != nil {
		return "", fmt.Errorf("编码请求失败: %w", err)
	}
	hash, err := e.client.SendTransfer(ctx, e.key, web3.Transfer{To: e.marketplace, Data: data})
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

type paymentPayload struct {
	TransactionID string   `json:"transaction_id"`
	Services      []string `json:"services"`
	SafeAddress   string   `json:"safe_address,omitempty"`
}

// ExecutePayment 向市场地址转账。Safe 支付只记录 Safe 地址，交易仍由签名账户发出。
func (e *Executor) ExecutePayment(ctx context.Context, req web3.PaymentRequest) (string, error) {
	if req.Amount <= 0 {
		return "", errors.New("支付金额必须大于 0")
	}
	data, err := json.Marshal(paymentPayload{
		TransactionID: req.TransactionID,
		Services:      req.Services,
		SafeAddress:   req.SafeAddress,
	})
	if err != nil {
		return "", fmt.Errorf("编码支付信息失败: %w", err)
	}
	hash, err := e.client.SendTransfer(ctx, e.key, web3.Transfer{
		To:    e.marketplace,
		Value: web3.ToWei(req.Amount),
		Data:  data,
	})
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// StartExecution 由请求与支付哈希推导请求 ID，受理 operator 为市场地址。
func (e *Executor) StartExecution(ctx context.Context, req web3.ExecutionRequest) (web3.ExecutionTicket, error) {
	if err := ctx.Err(); err != nil {
		return web3.ExecutionTicket{}, err
	}
	if req.RequestTxHash == "" || req.PaymentTxHash == "" {
		return web3.ExecutionTicket{}, errors.New("缺少请求或支付交易哈希")
	}
	requestID := crypto.Keccak256Hash(
		common.FromHex(req.RequestTxHash),
		common.FromHex(req.PaymentTxHash),
	)
	return web3.ExecutionTicket{RequestID: requestID.Hex(), Operator: e.marketplace.Hex()}, nil
}
