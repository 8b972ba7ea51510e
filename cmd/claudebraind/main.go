package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ClaudeBrain/internal/api"
	"ClaudeBrain/internal/chat"
	"ClaudeBrain/internal/config"
	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/internal/events"
	"ClaudeBrain/internal/llm"
	"ClaudeBrain/internal/llm/anthropic"
	"ClaudeBrain/internal/llm/openai"
	"ClaudeBrain/internal/observability/alerting"
	"ClaudeBrain/internal/observability/metrics"
	"ClaudeBrain/internal/session"
	"ClaudeBrain/internal/storage/archive"
	"ClaudeBrain/internal/web3"
	"ClaudeBrain/internal/web3/price"
	"ClaudeBrain/internal/web3/provider"
	"ClaudeBrain/pkg/logger"
)

// main 是 Claude Brain 后端的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("claudebraind 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	configPath := os.Getenv("CLAUDEBRAIN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "claudebrain.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("main")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	if llmClient == nil {
		lg.Warn("未配置 API Key，/api/generate 将返回 NOT_CONFIGURED", slog.String("provider", cfg.LLM.Provider))
	}

	store, err := createSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			lg.Warn("关闭会话存储失败", slog.Any("error", err))
		}
	}()

	var balances web3.BalanceReader
	if !cfg.Solana.Disabled {
		registry, err := provider.NewRegistry(ctx, cfg.Solana)
		if err != nil {
			return err
		}
		defer registry.Close()

		client, err := registry.DefaultClient()
		if err != nil {
			return err
		}
		if err := client.Health(ctx); err != nil {
			lg.Warn("Solana 节点健康检查失败，余额查询可能不可用",
				slog.String("cluster", registry.DefaultCluster()), slog.Any("error", err))
		}
		balances = client
	}

	prices := price.NewCoinGecko(price.Config{
		BaseURL:  cfg.Price.BaseURL,
		CacheTTL: time.Duration(cfg.Price.CacheSeconds) * time.Second,
		Timeout:  time.Duration(cfg.Price.TimeoutSeconds) * time.Second,
	})

	repo, err := archive.Open(ctx, archive.Config{
		Driver:          cfg.Archive.Driver,
		DSN:             cfg.Archive.DSN,
		DataDir:         cfg.Runtime.DataDir,
		MaxOpenConns:    cfg.Archive.MaxOpenConns,
		MaxIdleConns:    cfg.Archive.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Archive.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Archive.ConnMaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	publisher, err := events.Open(ctx, events.Config{
		Driver: cfg.Events.Driver,
		Redis: events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Key:      cfg.Events.Redis.Key,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Exchange:   cfg.Events.RabbitMQ.Exchange,
			RoutingKey: cfg.Events.RabbitMQ.RoutingKey,
			Queue:      cfg.Events.RabbitMQ.Queue,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	handler := chat.New(llmClient, store,
		chat.WithProfile(chat.Profile{
			Provider:     cfg.LLM.Provider,
			Model:        cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.TemperatureValue(),
			SystemPrompt: cfg.LLM.SystemPrompt,
		}),
		chat.WithBalanceReader(balances),
		chat.WithEnrichmentTimeout(time.Duration(cfg.Solana.TimeoutSeconds)*time.Second),
		chat.WithLockTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
		chat.WithArchive(repo),
		chat.WithEventPublisher(publisher),
		chat.WithAlerts(createAlerts(cfg.Alerts)),
	)

	if !cfg.Metrics.Disabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, handler,
		api.WithConfig(api.Config{
			Debug:           cfg.Server.Debug,
			Version:         cfg.Server.Version,
			CORSOrigins:     cfg.Server.CORSOrigins,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
			ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
			TrustProxy:      cfg.Server.TrustProxy,
			RateLimit: api.RateLimit{
				Disabled: cfg.Server.RateLimit.Disabled,
				Requests: cfg.Server.RateLimit.Requests,
				Window:   time.Duration(cfg.Server.RateLimit.WindowSeconds) * time.Second,
			},
			ExposeMetrics:     !cfg.Metrics.Disabled && cfg.Metrics.Address == "",
			ExposeTranscripts: cfg.Server.ExposeTranscripts,
		}),
		api.WithBalanceReader(balances),
		api.WithPriceFeed(prices),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("服务已退出")
	return nil
}

// createLLMClient 在缺少 API Key 时返回 nil，服务仍然启动。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	if cfg.LLM.APIKey == "" {
		return nil, nil
	}
	switch cfg.LLM.Provider {
	case "", "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createAlerts 在未配置任何 webhook 时返回 nil。
func createAlerts(cfg config.AlertsConfig) alerting.Dispatcher {
	if !cfg.Enabled() {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhookURL, ChannelID: cfg.SlackChannel})
	}
	if cfg.DingTalkWebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{WebhookURL: cfg.DingTalkWebhookURL})
	}
	return alerting.NewThrottle(
		alerting.NewFanout(notifiers...),
		time.Duration(cfg.ThrottleSeconds)*time.Second,
		xerrors.Severity(cfg.MinSeverity),
	)
}

func createSessionStore(ctx context.Context, cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		maxSessions := cfg.MaxSessions
		if maxSessions < 0 {
			maxSessions = 0
		}
		return session.NewMemoryStore(
			session.WithMaxEntries(cfg.MaxEntries),
			session.WithMaxSessions(maxSessions),
		), nil
	case "redis":
		return session.NewRedisStore(ctx, session.RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			TTL:        time.Duration(cfg.Redis.TTLSeconds) * time.Second,
			MaxEntries: cfg.MaxEntries,
		})
	default:
		return nil, fmt.Errorf("未知的会话驱动: %s", cfg.Driver)
	}
}
