package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ClaudeBrain/internal/chat"
	"ClaudeBrain/internal/observability/metrics"
	"ClaudeBrain/internal/web3"
	"ClaudeBrain/pkg/logger"
)

const (
	defaultMaxBodyBytes    = 10 << 20
	defaultShutdownTimeout = 10 * time.Second
	defaultVersion         = "2.0.0"
)

// Config 控制中间件与响应内容。
type Config struct {
	// Debug 为 true 时错误响应附带 details 字段。
	Debug           bool
	Version         string
	CORSOrigins     []string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	TrustProxy      bool
	RateLimit       RateLimit
	// ExposeMetrics 为 true 时在 API 端口上挂载 /metrics。
	ExposeMetrics bool
	// ExposeTranscripts 为 true 时挂载 /api/transcripts。归档包含所有钱包的原文，
	// 未开启时该路径按未知路由返回 404。
	ExposeTranscripts bool
}

// RateLimit 描述 /api/ 前缀下按客户端 IP 的限流。
type RateLimit struct {
	Disabled bool
	Requests int
	Window   time.Duration
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	chat    *chat.Handler
	wallets web3.BalanceReader
	prices  web3.PriceFeed
	cfg     Config
	log     *slog.Logger
	limiter *ipLimiter
	now     func() time.Time
}

// Option 定义可选配置。
type Option func(*Server)

// WithConfig 设置中间件参数。
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithBalanceReader 配置钱包校验使用的余额查询。
func WithBalanceReader(reader web3.BalanceReader) Option {
	return func(s *Server) {
		s.wallets = reader
	}
}

// WithPriceFeed 配置 SOL 价格来源。
func WithPriceFeed(feed web3.PriceFeed) Option {
	return func(s *Server) {
		s.prices = feed
	}
}

// WithLogger 替换默认日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, handler *chat.Handler, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		chat: handler,
		log:  logger.Named("api"),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = withDefaults(s.cfg)
	if !s.cfg.RateLimit.Disabled {
		s.limiter = newIPLimiter(s.cfg.RateLimit.Requests, s.cfg.RateLimit.Window)
	}
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = 100
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 15 * time.Minute
	}
	return cfg
}

// Handler 返回带完整中间件链的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/test", s.handleTest)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/message", s.handlePrompt)
	mux.HandleFunc("/ask", s.handlePrompt)
	mux.HandleFunc("/api/solana/validate-wallet", s.handleValidateWallet)
	mux.HandleFunc("/api/solana/price", s.handlePrice)
	if s.cfg.ExposeTranscripts {
		mux.HandleFunc("/api/transcripts", s.handleTranscripts)
	}
	if s.cfg.ExposeMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	handler = s.withBodyLimit(handler)
	handler = s.withRateLimit(handler)
	handler = s.withRecovery(handler)
	handler = s.withCORS(handler)
	handler = s.withRequestLog(handler)
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr), slog.Bool("claude_ready", s.chat.Ready()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
