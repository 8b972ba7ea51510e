package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"ClaudeBrain/internal/web3"
)

const (
	// LamportsPerSOL is the fixed denomination of the native token.
	LamportsPerSOL = 1_000_000_000

	defaultCommitment = "confirmed"
	defaultTimeout    = 5 * time.Second
	publicKeyLength   = 32
)

// ErrInvalidAddress is returned when a string is not a base58 encoded
// 32-byte public key.
var ErrInvalidAddress = errors.New("invalid wallet address")

// PublicKey is a decoded Solana account address.
type PublicKey [publicKeyLength]byte

// String returns the canonical base58 form.
func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// ValidateAddress decodes a base58 address and checks its length.
func ValidateAddress(address string) (PublicKey, error) {
	var key PublicKey
	address = strings.TrimSpace(address)
	if address == "" {
		return key, ErrInvalidAddress
	}
	raw, err := base58.Decode(address)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != publicKeyLength {
		return key, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// LamportsToSOL converts lamports to SOL without losing precision.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}

// Config describes how to construct a Solana JSON-RPC client.
type Config struct {
	Name       string
	RPCURL     string
	Commitment string
	Timeout    time.Duration
	Notes      string
}

// rpcCaller mirrors the subset of the go-ethereum JSON-RPC client we use.
type rpcCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Client implements web3.BalanceReader against a Solana RPC node. Solana
// speaks plain JSON-RPC 2.0, so the go-ethereum transport is reused as is.
type Client struct {
	name       string
	notes      string
	commitment string
	timeout    time.Duration

	mu  sync.Mutex
	rpc rpcCaller
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Solana 节点失败: %w", err)
	}
	return newClient(cfg, rpcClient), nil
}

func newClient(cfg Config, caller rpcCaller) *Client {
	commitment := strings.TrimSpace(cfg.Commitment)
	if commitment == "" {
		commitment = defaultCommitment
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		name:       cfg.Name,
		notes:      cfg.Notes,
		commitment: commitment,
		timeout:    timeout,
		rpc:        caller,
	}
}

// Name returns the cluster name this client was registered under.
func (c *Client) Name() string {
	return c.name
}

// Balance fetches the wallet balance through getBalance.
func (c *Client) Balance(ctx context.Context, address string) (web3.Balance, error) {
	key, err := ValidateAddress(address)
	if err != nil {
		return web3.Balance{}, err
	}

	caller, err := c.caller()
	if err != nil {
		return web3.Balance{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result struct {
		Value uint64 `json:"value"`
	}
	params := map[string]string{"commitment": c.commitment}
	if err := caller.CallContext(callCtx, &result, "getBalance", key.String(), params); err != nil {
		return web3.Balance{}, fmt.Errorf("查询余额失败: %w", err)
	}

	return web3.Balance{
		Address:  key.String(),
		Lamports: result.Value,
		SOL:      LamportsToSOL(result.Value),
	}, nil
}

// Health reports whether the node considers itself healthy.
func (c *Client) Health(ctx context.Context) error {
	caller, err := c.caller()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var status string
	if err := caller.CallContext(callCtx, &status, "getHealth"); err != nil {
		return fmt.Errorf("节点健康检查失败: %w", err)
	}
	if status != "ok" {
		return fmt.Errorf("节点状态异常: %s", status)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) caller() (rpcCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil, errors.New("未初始化的 Solana 客户端")
	}
	return c.rpc, nil
}

var _ web3.BalanceReader = (*Client)(nil)
