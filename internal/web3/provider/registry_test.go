package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/internal/web3"
	"OpenMech-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: s.name}, nil
}

func (s *stubClient) SendTransfer(context.Context, *ecdsa.PrivateKey, web3.Transfer) (common.Hash, error) {
	return common.Hash{}, nil
}

func (s *stubClient) Close() { s.closed = true }

func stubDialer(dialed *[]string) Dialer {
	return func(_ context.Context, cfg ethereum.Config) (web3.Client, error) {
		if cfg.RPCURL == "" {
			return nil, errors.New("missing rpc")
		}
		*dialed = append(*dialed, cfg.Name)
		return &stubClient{name: cfg.Name}, nil
	}
}

func writeChains(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  gnosis:
    rpc_url: http://gnosis.local
    chain_id: 100
  base:
    rpc_url: http://base.local
    marketplace: "0x0000000000000000000000000000000000000001"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestNewRegistryFromDefinitions(t *testing.T) {
	var dialed []string
	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: writeChains(t)}, stubDialer(&dialed))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if len(dialed) != 2 {
		t.Fatalf("expected both chains dialed, got %v", dialed)
	}
	if registry.DefaultChain() != "base" {
		t.Fatalf("expected alphabetical default, got %s", registry.DefaultChain())
	}
	client, _ := registry.Client("gnosis")
	registry.Close()
	if !client.(*stubClient).closed {
		t.Fatalf("close must release clients")
	}
}

func TestNewRegistryErrors(t *testing.T) {
	var dialed []string
	if _, err := NewRegistry(context.Background(), config.Web3Config{}, stubDialer(&dialed)); err == nil {
		t.Fatalf("expected error without any chain")
	}
	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: writeChains(t), DefaultChain: "polygon"}, stubDialer(&dialed))
	if err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}

func TestNewExecutorModes(t *testing.T) {
	exec, registry, err := NewExecutor(context.Background(), config.Web3Config{Mode: "simulated"}, nil)
	if err != nil || registry != nil {
		t.Fatalf("simulated mode: %v", err)
	}
	if _, ok := exec.(*web3.SimulatedExecutor); !ok {
		t.Fatalf("expected simulated executor, got %T", exec)
	}

	if _, _, err := NewExecutor(context.Background(), config.Web3Config{Mode: "evm", RPCURL: "http://x"}, nil); err == nil {
		t.Fatalf("expected error without private key")
	}
	if _, _, err := NewExecutor(context.Background(), config.Web3Config{Mode: "solana"}, nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}

	var dialed []string
	exec, registry, err = NewExecutor(context.Background(), config.Web3Config{
		Mode:        "evm",
		RPCURL:      "http://devnet.local",
		PrivateKey:  "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		Marketplace: "0x0000000000000000000000000000000000000002",
	}, stubDialer(&dialed))
	if err != nil {
		t.Fatalf("evm mode: %v", err)
	}
	defer registry.Close()
	if _, ok := exec.(*ethereum.Executor); !ok {
		t.Fatalf("expected ethereum executor, got %T", exec)
	}
	if len(dialed) != 1 || dialed[0] != "default" {
		t.Fatalf("expected fallback rpc chain, got %v", dialed)
	}
}
