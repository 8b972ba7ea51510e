package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ClaudeBrain/internal/config"
	"ClaudeBrain/internal/web3"
	"ClaudeBrain/internal/web3/solana"
)

const defaultClusterName = "mainnet-beta"

// Registry manages a set of Solana cluster clients keyed by human readable names.
type Registry struct {
	defaultCluster string
	clients        map[string]*solana.Client
}

// NewRegistry loads cluster definitions and instantiates concrete clients.
// When no cluster file is configured the single solana.rpc_url endpoint is
// registered as mainnet-beta.
func NewRegistry(ctx context.Context, cfg config.SolanaConfig) (*Registry, error) {
	defs, err := web3.LoadClusterDefinitions(cfg.ClusterConfig)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	clients := make(map[string]*solana.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}

	for name, cluster := range defs.Clusters {
		commitment := cluster.Commitment
		if commitment == "" {
			commitment = cfg.Commitment
		}
		client, err := solana.NewClient(ctx, solana.Config{
			Name:       name,
			RPCURL:     cluster.RPCURL,
			Commitment: commitment,
			Timeout:    timeout,
			Notes:      cluster.Description,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化集群 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultCluster := strings.TrimSpace(cfg.DefaultCluster)
	if defaultCluster == "" {
		defaultCluster = defs.Default
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		name := defaultCluster
		if name == "" {
			name = defaultClusterName
		}
		client, err := solana.NewClient(ctx, solana.Config{
			Name:       name,
			RPCURL:     cfg.RPCURL,
			Commitment: cfg.Commitment,
			Timeout:    timeout,
		})
		if err != nil {
			return nil, err
		}
		clients[name] = client
		defaultCluster = name
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何 Solana RPC 端点")
	}

	if defaultCluster == "" {
		if _, ok := clients[defaultClusterName]; ok {
			defaultCluster = defaultClusterName
		} else {
			names := make([]string, 0, len(clients))
			for name := range clients {
				names = append(names, name)
			}
			sort.Strings(names)
			defaultCluster = names[0]
		}
	}
	if _, ok := clients[defaultCluster]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认集群 %s 未在配置中找到", defaultCluster)
	}

	return &Registry{defaultCluster: defaultCluster, clients: clients}, nil
}

// DefaultClient returns the client configured as default cluster.
func (r *Registry) DefaultClient() (*solana.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的集群客户端注册表")
	}
	client, ok := r.clients[r.defaultCluster]
	if !ok {
		return nil, fmt.Errorf("默认集群 %s 未在注册表中", r.defaultCluster)
	}
	return client, nil
}

// DefaultCluster returns the name of the default cluster.
func (r *Registry) DefaultCluster() string {
	if r == nil {
		return ""
	}
	return r.defaultCluster
}

// Client returns the cluster client identified by name.
func (r *Registry) Client(name string) (*solana.Client, bool) {
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
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Clusters returns the list of registered cluster names.
func (r *Registry) Clusters() []string {
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
