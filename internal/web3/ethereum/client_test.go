package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"OpenMech-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func newSimulated(t *testing.T) (*simulated.Backend, *Client, *Executor) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))},
	})
	t.Cleanup(func() { _ = backend.Close() })

	client := NewWithBackend("simulated", "simulated backend", backend.Client())
	exec, err := NewExecutor(client, key, "")
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return backend, client, exec
}

func TestExecutorPaymentAndRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backend, client, exec := newSimulated(t)

	requestHash, err := exec.SubmitRequest(ctx, web3.MechRequest{TransactionID: "tx-1", Prompt: "best yield", Services: []string{"1722"}})
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	backend.Commit()

	paymentHash, err := exec.ExecutePayment(ctx, web3.PaymentRequest{TransactionID: "tx-1", Amount: 0.5, Services: []string{"1722"}})
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	backend.Commit()

	for _, hash := range []string{requestHash, paymentHash} {
		receipt, err := backend.Client().TransactionReceipt(ctx, common.HexToHash(hash))
		if err != nil {
			t.Fatalf("receipt %s: %v", hash, err)
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			t.Fatalf("transaction %s failed", hash)
		}
	}

	balance, err := backend.Client().BalanceAt(ctx, common.HexToAddress(web3.DefaultMarketplace), nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(web3.ToWei(0.5)) != 0 {
		t.Fatalf("expected marketplace to receive 0.5 ether, got %s", balance)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.BlockNumber == "0x0" || snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	ticket, err := exec.StartExecution(ctx, web3.ExecutionRequest{TransactionID: "tx-1", RequestTxHash: requestHash, PaymentTxHash: paymentHash})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	again, _ := exec.StartExecution(ctx, web3.ExecutionRequest{TransactionID: "tx-1", RequestTxHash: requestHash, PaymentTxHash: paymentHash})
	if ticket != again || !web3.IsHash(ticket.RequestID) {
		t.Fatalf("unexpected ticket %+v / %+v", ticket, again)
	}
}

func TestExecutorRejectsInvalidInput(t *testing.T) {
	_, client, exec := newSimulated(t)
	if _, err := exec.ExecutePayment(context.Background(), web3.PaymentRequest{Amount: 0}); err == nil {
		t.Fatalf("expected error for zero payment")
	}
	if _, err := exec.StartExecution(context.Background(), web3.ExecutionRequest{}); err == nil {
		t.Fatalf("expected error without hashes")
	}
	if _, err := NewExecutor(client, nil, ""); err == nil {
		t.Fatalf("expected error without key")
	}
	if _, err := ParsePrivateKey("0xzz"); err == nil {
		t.Fatalf("expected error for invalid key")
	}

	client.Close()
	if _, err := client.FetchChainSnapshot(context.Background()); err == nil {
		t.Fatalf("expected error after close")
	}
}
