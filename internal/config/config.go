package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"ClaudeBrain/pkg/logger"
)

// Config 描述了 ClaudeBrain 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	LLM     LLMConfig     `json:"llm"`
	Session SessionConfig `json:"session"`
	Solana  SolanaConfig  `json:"solana"`
	Price   PriceConfig   `json:"price"`
	Archive ArchiveConfig `json:"archive"`
	Events  EventsConfig  `json:"events"`
	Metrics MetricsConfig `json:"metrics"`
	Alerts  AlertsConfig  `json:"alerts"`
	Logging logger.Config `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与中间件参数。
type ServerConfig struct {
	Address                string   `json:"address"`
	CORSOrigins            []string `json:"cors_origins"`
	Debug                  bool     `json:"debug"`
	Version                string   `json:"version"`
	MaxBodyBytes           int64    `json:"max_body_bytes"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds"`
	// TrustProxy 为 true 时使用 X-Forwarded-For 的首个地址作为客户端 IP。
	TrustProxy bool `json:"trust_proxy"`
	// ExposeTranscripts 为 true 时挂载 /api/transcripts，默认关闭。
	ExposeTranscripts bool            `json:"expose_transcripts"`
	RateLimit         RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 描述 /api/ 前缀下按客户端 IP 的限流窗口。
type RateLimitConfig struct {
	Disabled      bool `json:"disabled"`
	Requests      int  `json:"requests"`
	WindowSeconds int  `json:"window_seconds"`
}

// LLMConfig 用于配置上游补全服务。
type LLMConfig struct {
	Provider         string   `json:"provider"`
	APIKey           string   `json:"api_key"`
	APIKeyEnv        string   `json:"api_key_env"`
	BaseURL          string   `json:"base_url"`
	Model            string   `json:"model"`
	MaxTokens        int64    `json:"max_tokens"`
	Temperature      *float64 `json:"temperature"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	SystemPrompt     string   `json:"system_prompt"`
	SystemPromptFile string   `json:"system_prompt_file"`
}

// SessionConfig 描述会话上下文存储。
type SessionConfig struct {
	Driver     string `json:"driver"`
	MaxEntries int    `json:"max_entries"`
	// MaxSessions 为 0 时使用默认值，为负数时不限制会话数量。
	MaxSessions int         `json:"max_sessions"`
	Redis       RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	Key        string `json:"key"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// SolanaConfig 包含访问 Solana 节点所需的信息。
type SolanaConfig struct {
	Disabled       bool   `json:"disabled"`
	RPCURL         string `json:"rpc_url"`
	ClusterConfig  string `json:"cluster_config"`
	DefaultCluster string `json:"default_cluster"`
	Commitment     string `json:"commitment"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PriceConfig 描述 SOL 行情源。
type PriceConfig struct {
	BaseURL        string `json:"base_url"`
	CacheSeconds   int    `json:"cache_seconds"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ArchiveConfig 描述对话归档的存储方式。
type ArchiveConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述对话事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接与路由。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	Queue      string `json:"queue"`
}

// MetricsConfig 控制指标暴露方式。Address 非空时额外启动独立的指标端口。
type MetricsConfig struct {
	Disabled bool   `json:"disabled"`
	Address  string `json:"address"`
}

// AlertsConfig 描述上游严重故障的告警渠道。两个 webhook 都为空时关闭告警。
type AlertsConfig struct {
	SlackWebhookURL    string `json:"slack_webhook_url"`
	SlackChannel       string `json:"slack_channel"`
	DingTalkWebhookURL string `json:"dingtalk_webhook_url"`
	// MinSeverity 取值 info/warning/critical，默认 critical。
	MinSeverity     string `json:"min_severity"`
	ThrottleSeconds int    `json:"throttle_seconds"`
}

// Enabled 报告是否配置了任一告警渠道。
func (c AlertsConfig) Enabled() bool {
	return c.SlackWebhookURL != "" || c.DingTalkWebhookURL != ""
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

const (
	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultMaxTokens       = 4096
	DefaultTemperature     = 0.7
	DefaultSolanaRPCURL    = "https://api.mainnet-beta.solana.com"
	defaultAPIKeyEnv       = "ANTHROPIC_API_KEY"
	fallbackAPIKeyEnv      = "CLAUDE_API_KEY"
	defaultOpenAIAPIKeyEnv = "OPENAI_API_KEY"
)

// LoadDotEnv 将 .env 文件中的变量写入进程环境，已存在的变量不会被覆盖。
// 不存在的文件会被忽略。
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量。
// 配置文件不存在时使用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	baseDir := filepath.Dir(path)
	cfg.applyDefaults(baseDir)

	if err := cfg.loadSystemPrompt(baseDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	if c.LLM.APIKey == "" {
		keyEnv := strings.TrimSpace(c.LLM.APIKeyEnv)
		if keyEnv == "" {
			keyEnv = defaultAPIKeyEnv
			if strings.EqualFold(c.LLM.Provider, "openai") {
				keyEnv = defaultOpenAIAPIKeyEnv
			}
		}
		if value, ok := get(keyEnv); ok {
			c.LLM.APIKey = value
		} else if value, ok := get(fallbackAPIKeyEnv); ok {
			c.LLM.APIKey = value
		}
	}

	if port, ok := get("PORT"); ok {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if origins, ok := get("CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(origins)
	}
	for _, key := range []string{"NODE_ENV", "APP_ENV"} {
		if env, ok := get(key); ok {
			c.Server.Debug = strings.EqualFold(env, "development")
			break
		}
	}
	if rpcURL, ok := get("SOLANA_RPC_URL"); ok {
		c.Solana.RPCURL = rpcURL
	}
	if addr, ok := get("REDIS_ADDR"); ok {
		c.Session.Redis.Address = addr
		c.Events.Redis.Address = addr
	}
	if dsn, ok := get("MYSQL_DSN"); ok {
		c.Archive.DSN = dsn
		if c.Archive.Driver == "" {
			c.Archive.Driver = "mysql"
		}
	}
	if limit, ok := get("API_RATE_LIMIT"); ok {
		c.Server.RateLimit.Requests = atoiDefault(limit, c.Server.RateLimit.Requests)
	}
	if level, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = level
	}
	if webhook, ok := get("SLACK_WEBHOOK_URL"); ok {
		c.Alerts.SlackWebhookURL = webhook
	}
	if webhook, ok := get("DINGTALK_WEBHOOK_URL"); ok {
		c.Alerts.DingTalkWebhookURL = webhook
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.Version == "" {
		c.Server.Version = "2.0.0"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Server.RateLimit.Requests <= 0 {
		c.Server.RateLimit.Requests = 100
	}
	if c.Server.RateLimit.WindowSeconds <= 0 {
		c.Server.RateLimit.WindowSeconds = 15 * 60
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Model == "" && c.LLM.Provider == "anthropic" {
		c.LLM.Model = DefaultModel
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.LLM.Temperature == nil {
		temperature := DefaultTemperature
		c.LLM.Temperature = &temperature
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.MaxEntries <= 0 {
		c.Session.MaxEntries = 20
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 10000
	}
	if c.Session.Redis.TTLSeconds <= 0 {
		c.Session.Redis.TTLSeconds = 24 * 60 * 60
	}

	if c.Solana.RPCURL == "" {
		c.Solana.RPCURL = DefaultSolanaRPCURL
	}
	if c.Solana.TimeoutSeconds <= 0 {
		c.Solana.TimeoutSeconds = 5
	}
	if c.Solana.ClusterConfig != "" && !filepath.IsAbs(c.Solana.ClusterConfig) {
		c.Solana.ClusterConfig = filepath.Join(baseDir, c.Solana.ClusterConfig)
	}

	if c.Price.CacheSeconds == 0 {
		c.Price.CacheSeconds = 30
	}
	if c.Price.TimeoutSeconds <= 0 {
		c.Price.TimeoutSeconds = 5
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "none"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "claudebrain:exchanges"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "claudebrain.exchanges"
	}

	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "critical"
	}
	if c.Alerts.ThrottleSeconds <= 0 {
		c.Alerts.ThrottleSeconds = 300
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// loadSystemPrompt 在配置了 system_prompt_file 时读取其内容。
func (c *Config) loadSystemPrompt(baseDir string) error {
	path := strings.TrimSpace(c.LLM.SystemPromptFile)
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取系统提示词失败: %w", err)
	}
	c.LLM.SystemPrompt = strings.TrimSpace(string(content))
	return nil
}

// Validate 检查枚举类字段是否合法。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("不支持的 LLM provider: %s", c.LLM.Provider)
	}
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Session.Redis.Address) == "" {
			return errors.New("session.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Session.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory", "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Archive.DSN) == "" {
			return errors.New("archive.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的归档驱动: %s", c.Archive.Driver)
	}
	switch c.Events.Driver {
	case "none":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Address) == "" {
			return errors.New("events.redis.address 不能为空")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
			return errors.New("events.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	switch c.Alerts.MinSeverity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("不支持的告警级别: %s", c.Alerts.MinSeverity)
	}
	return nil
}

// TemperatureValue 返回采样温度，未设置时返回默认值。
func (c LLMConfig) TemperatureValue() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// atoiDefault 解析整数，失败时返回 fallback。
func atoiDefault(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
