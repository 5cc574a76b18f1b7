// Package provider 根据配置构造链客户端注册表与链上执行器。
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/internal/web3"
	"OpenMech-Chain/internal/web3/ethereum"
)

// 执行器模式。
const (
	ModeSimulated = "simulated"
	ModeEVM       = "evm"
)

// Dialer 根据配置连接单条链，测试中可替换。
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

// DialEthereum 是默认的 EVM 连接方式。
func DialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// Registry 以链名称管理一组链客户端。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	marketplaces map[string]string
}

// NewRegistry 加载链定义并连接每条链。
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEthereum
	}
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := &Registry{clients: make(map[string]web3.Client), marketplaces: make(map[string]string)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  chain.RPCURL,
			ChainID: chain.ChainID,
			Notes:   chain.Description,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
		r.marketplaces[name] = chain.Marketplace
	}

	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
		r.marketplaces["default"] = cfg.Marketplace
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	r.defaultChain = cfg.DefaultChain
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[r.defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 按名称返回链客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close 释放所有链客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewExecutor 按配置返回链上执行器。simulated 模式不需要注册表，返回的 Registry 为 nil。
func NewExecutor(ctx context.Context, cfg config.Web3Config, dial Dialer) (web3.Executor, *Registry, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeSimulated:
		return web3.NewSimulatedExecutor(), nil, nil
	case ModeEVM:
	default:
		return nil, nil, fmt.Errorf("未知的 web3 模式: %s", cfg.Mode)
	}

	key, err := ethereum.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("evm 模式需要签名私钥 (%s): %w", cfg.PrivateKeyEnv, err)
	}
	registry, err := NewRegistry(ctx, cfg, dial)
	if err != nil {
		return nil, nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	marketplace := registry.marketplaces[registry.defaultChain]
	if marketplace == "" {
		marketplace = cfg.Marketplace
	}
	exec, err := ethereum.NewExecutor(client, key, marketplace)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	return exec, registry, nil
}
