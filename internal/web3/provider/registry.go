package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"

	"HiveMind-Copilot/internal/config"
	"HiveMind-Copilot/internal/web3"
	"HiveMind-Copilot/internal/web3/ethereum"
)

// Option 调整注册表构建。
type Option func(*options)

type options struct {
	funded []common.Address
}

// WithFundedAccounts 为 simulated 类型的链预置余额。
func WithFundedAccounts(addrs ...common.Address) Option {
	return func(o *options) { o.funded = append(o.funded, addrs...) }
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	closers      []func() error
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := &Registry{clients: make(map[string]web3.Client)}
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		switch chain.Type {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			r.clients[name] = client
		case "simulated":
			alloc := types.GenesisAlloc{}
			balance := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
			for _, addr := range o.funded {
				alloc[addr] = types.Account{Balance: balance}
			}
			sim := simulated.NewBackend(alloc)
			r.clients[name] = ethereum.NewSimulatedClient(name, sim)
			r.closers = append(r.closers, sim.Close)
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
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

// DefaultClient returns the client configured as default chain.
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

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
	for _, closer := range r.closers {
		_ = closer()
	}
	r.closers = nil
}

// Chains returns the list of registered chain names.
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
