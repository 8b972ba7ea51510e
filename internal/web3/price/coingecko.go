package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ClaudeBrain/internal/web3"
)

const (
	defaultBaseURL  = "https://api.coingecko.com"
	defaultCacheTTL = 30 * time.Second
	defaultTimeout  = 5 * time.Second

	simplePricePath = "/api/v3/simple/price"
)

// Config 描述 CoinGecko 行情源。
type Config struct {
	BaseURL    string
	CacheTTL   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
}

// CoinGecko 通过公开的 simple/price 接口获取 SOL 的美元价格，并在进程内做短暂缓存。
type CoinGecko struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

// NewCoinGecko 创建行情客户端。CacheTTL 为负数时关闭缓存。
func NewCoinGecko(cfg Config) *CoinGecko {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &CoinGecko{
		baseURL:    baseURL,
		ttl:        ttl,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// SOLPrice 返回 SOL 的美元价格。
func (c *CoinGecko) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	price, err := c.fetch(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	c.cached = price
	c.fetchedAt = c.now()
	return price, nil
}

func (c *CoinGecko) fetch(ctx context.Context) (decimal.Decimal, error) {
	endpoint := c.baseURL + simplePricePath + "?ids=solana&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("构造行情请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("请求行情失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return decimal.Decimal{}, fmt.Errorf("行情接口返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("解析行情响应失败: %w", err)
	}
	price, ok := payload["solana"]["usd"]
	if !ok {
		return decimal.Decimal{}, errors.New("行情响应缺少 solana.usd 字段")
	}
	return price, nil
}

var _ web3.PriceFeed = (*CoinGecko)(nil)
