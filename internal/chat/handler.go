package chat

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/internal/events"
	"ClaudeBrain/internal/llm"
	"ClaudeBrain/internal/observability/alerting"
	"ClaudeBrain/internal/observability/metrics"
	"ClaudeBrain/internal/session"
	"ClaudeBrain/internal/storage/archive"
	"ClaudeBrain/internal/web3"
	"ClaudeBrain/pkg/logger"
)

const (
	defaultEnrichmentTimeout = 5 * time.Second
	defaultAlertTimeout      = 10 * time.Second
	defaultLockTimeout       = 30 * time.Second
)

// Handler 协调会话存储、链上信息与大模型调用，是系统的业务核心。
type Handler struct {
	client   llm.Client
	profile  Profile
	store    session.Store
	locks    *session.KeyedMutex
	balances web3.BalanceReader
	archive  archive.Repository
	events   events.Publisher
	alerts   alerting.Dispatcher

	enrichTimeout time.Duration
	lockTimeout   time.Duration
	log           *slog.Logger
	now           func() time.Time
	newID         func() string
}

// Option 定义可选的 Handler 配置。
type Option func(*Handler)

// WithProfile 设置模型参数。
func WithProfile(profile Profile) Option {
	return func(h *Handler) {
		h.profile = profile.withDefaults()
	}
}

// WithBalanceReader 配置钱包余额查询，用于丰富提示词。
func WithBalanceReader(reader web3.BalanceReader) Option {
	return func(h *Handler) {
		h.balances = reader
	}
}

// WithEnrichmentTimeout 设置余额查询的超时时间。
func WithEnrichmentTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.enrichTimeout = timeout
		}
	}
}

// WithLockTimeout 设置等待同一会话前序请求的最长时间。
func WithLockTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.lockTimeout = timeout
		}
	}
}

// WithArchive 配置往返归档。
func WithArchive(repo archive.Repository) Option {
	return func(h *Handler) {
		if repo != nil {
			h.archive = repo
		}
	}
}

// WithEventPublisher 配置往返事件的投递。
func WithEventPublisher(publisher events.Publisher) Option {
	return func(h *Handler) {
		if publisher != nil {
			h.events = publisher
		}
	}
}

// WithAlerts 配置上游故障告警。通知在后台发送，不影响请求返回。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(h *Handler) {
		h.alerts = dispatcher
	}
}

// WithKeyedMutex 使用外部提供的按键互斥锁。
func WithKeyedMutex(locks *session.KeyedMutex) Option {
	return func(h *Handler) {
		if locks != nil {
			h.locks = locks
		}
	}
}

// WithLogger 替换默认日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// New 创建一个 Handler。client 为 nil 时 Generate 返回 NOT_CONFIGURED。
func New(client llm.Client, store session.Store, opts ...Option) *Handler {
	h := &Handler{
		client:        client,
		profile:       DefaultProfile(),
		store:         store,
		locks:         session.NewKeyedMutex(),
		archive:       archive.Discard{},
		events:        events.Noop{},
		enrichTimeout: defaultEnrichmentTimeout,
		lockTimeout:   defaultLockTimeout,
		log:           logger.Named("chat"),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.store == nil {
		h.store = session.NewMemoryStore()
	}
	return h
}

// Ready 报告上游客户端是否已配置。
func (h *Handler) Ready() bool {
	return h != nil && h.client != nil
}

// Profile 返回当前使用的模型参数。
func (h *Handler) Profile() Profile {
	return h.profile
}

// Generate 执行一次完整的问答往返。
func (h *Handler) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	message, ok := req.Message.(string)
	if !ok || strings.TrimSpace(message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "")
	}
	if !h.Ready() {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "")
	}

	wallet := strings.TrimSpace(req.wallet())
	key := session.ResolveKey(wallet)

	unlock, err := h.lockSession(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	history, err := h.store.Get(ctx, key)
	if err != nil {
		h.log.Warn("读取会话历史失败，按空历史继续", slog.String("session", key), slog.Any("error", err))
		history = nil
	}

	balance, enriched := h.lookupBalance(ctx, wallet)
	prompt := buildPrompt(message, wallet, balance, enriched)

	started := h.now()
	resp, err := h.client.Complete(ctx, llm.Request{
		System:      h.profile.SystemPrompt,
		History:     history,
		Message:     prompt,
		MaxTokens:   h.profile.MaxTokens,
		Temperature: h.profile.Temperature,
	})
	latency := h.now().Sub(started)
	if err != nil {
		translated := translateUpstreamError(err)
		metrics.ObserveUpstream(h.profile.Provider, outcomeOf(translated), latency)
		h.log.Warn("调用大模型失败",
			slog.String("session", key),
			slog.String("code", string(xerrors.CodeOf(translated))),
			slog.Any("error", err))
		h.alert(ctx, key, translated)
		return nil, translated
	}
	metrics.ObserveUpstream(h.profile.Provider, metrics.OutcomeSuccess, latency)

	// 历史中只保存原始消息，不包含余额上下文。
	if err := h.store.Append(ctx, key,
		llm.Exchange{Role: llm.RoleUser, Content: message},
		llm.Exchange{Role: llm.RoleAssistant, Content: resp.Text},
	); err != nil {
		h.log.Error("写入会话历史失败", slog.String("session", key), slog.Any("error", err))
	}

	model := resp.Model
	if model == "" {
		model = h.profile.Model
	}
	now := h.now()
	result := &GenerationResponse{
		Response: resp.Text,
		Context: ResponseContext{
			Timestamp:    FormatTimestamp(now),
			RequestCount: req.requestCount() + 1,
			Model:        model,
			SessionID:    key,
		},
	}

	h.record(ctx, key, message, resp, model, enriched, result.Context.RequestCount, latency, now)
	return result, nil
}

// lockSession 串行化同一钱包会话的读取、调用与写回。匿名会话由所有未携带
// 钱包的调用方共享，不做跨请求串行，只依赖存储自身的原子追加。
func (h *Handler) lockSession(ctx context.Context, key string) (func(), error) {
	if key == session.AnonymousKey {
		return func() {}, nil
	}
	lockCtx, cancel := context.WithTimeout(ctx, h.lockTimeout)
	defer cancel()
	unlock, err := h.locks.Lock(lockCtx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "")
		}
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待同一会话的前序请求超时")
	}
	return unlock, nil
}

// lookupBalance 在提供钱包地址时查询余额。查询失败只记录日志，返回 false。
func (h *Handler) lookupBalance(ctx context.Context, wallet string) (web3.Balance, bool) {
	if wallet == "" || h.balances == nil {
		metrics.ObserveEnrichment("skipped")
		return web3.Balance{}, false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, h.enrichTimeout)
	defer cancel()

	balance, err := h.balances.Balance(lookupCtx, wallet)
	if err != nil {
		metrics.ObserveEnrichment("failed")
		h.log.Warn("查询钱包余额失败，跳过上下文补充", slog.String("wallet", wallet), slog.Any("error", err))
		return web3.Balance{}, false
	}
	metrics.ObserveEnrichment("ok")
	return balance, true
}

// buildPrompt 仅在余额存在时把它附加到消息末尾。
func buildPrompt(message, wallet string, balance web3.Balance, ok bool) string {
	if !ok {
		return message
	}
	return message + fmt.Sprintf("\n\nContext: User wallet %s has %s SOL. Consider this when suggesting gas fees or transactions.",
		wallet, balance.SOL.String())
}

// record 写入归档、事件与审计日志，均为尽力而为。
func (h *Handler) record(ctx context.Context, key, message string, resp *llm.Response, model string, enriched bool, requestCount int, latency time.Duration, at time.Time) {
	id := h.newID()

	if err := h.archive.Save(ctx, archive.Record{
		ID:           id,
		SessionKey:   key,
		UserMessage:  message,
		Reply:        resp.Text,
		Model:        model,
		Enriched:     enriched,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CreatedAt:    at.UnixMilli(),
	}); err != nil {
		h.log.Warn("写入归档失败", slog.String("id", id), slog.Any("error", err))
	}

	if err := h.events.Publish(ctx, events.ExchangeEvent{
		ID:           id,
		Type:         events.TypeExchangeCompleted,
		SessionKey:   key,
		Model:        model,
		Enriched:     enriched,
		RequestCount: requestCount,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LatencyMS:    latency.Milliseconds(),
		OccurredAt:   at.UTC(),
	}); err != nil {
		h.log.Warn("投递事件失败", slog.String("id", id), slog.Any("error", err))
	}

	logger.Audit().Info("exchange",
		slog.String("id", id),
		slog.String("session", key),
		slog.String("model", model),
		slog.Bool("enriched", enriched),
		slog.Int64("latency_ms", latency.Milliseconds()),
		slog.Int64("input_tokens", resp.Usage.InputTokens),
		slog.Int64("output_tokens", resp.Usage.OutputTokens),
	)
}

// alert 在后台把上游故障交给告警通道，是否发送由 Dispatcher 决定。
func (h *Handler) alert(ctx context.Context, key string, err error) {
	if h.alerts == nil {
		return
	}
	coded, ok := xerrors.From(err)
	if !ok {
		return
	}
	event := alerting.Event{
		Code:       coded.Code(),
		Message:    coded.Message(),
		Severity:   coded.Severity(),
		Provider:   h.profile.Provider,
		SessionKey: key,
		Metadata:   coded.Metadata(),
		OccurredAt: h.now().UTC(),
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAlertTimeout)
	go func() {
		defer cancel()
		if err := h.alerts.Notify(alertCtx, event); err != nil {
			h.log.Warn("发送告警失败", slog.String("code", string(event.Code)), slog.Any("error", err))
		}
	}()
}

// Transcripts 返回最近的归档记录。
func (h *Handler) Transcripts(ctx context.Context, limit int) ([]archive.Record, error) {
	records, err := h.archive.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归档记录失败")
	}
	return records, nil
}

// translateUpstreamError 将上游失败映射为统一错误码。不做任何重试。
func translateUpstreamError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "")
	}

	var upstream *llm.UpstreamError
	if !stdErrors.As(err, &upstream) {
		return xerrors.Wrap(xerrors.CodeUpstreamError, err, "")
	}

	status := xerrors.WithMetadata("upstream_status", strconv.Itoa(upstream.StatusCode))
	switch {
	case upstream.Reason == llm.ReasonMalformed:
		return xerrors.Wrap(xerrors.CodeMalformedUpstreamResponse, err, "", status)
	case upstream.Reason == llm.ReasonTransport:
		return xerrors.Wrap(xerrors.CodeUpstreamError, err, "")
	case upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden:
		return xerrors.Wrap(xerrors.CodeUpstreamAuthFailure, err, "", status)
	case upstream.StatusCode == http.StatusTooManyRequests:
		return xerrors.Wrap(xerrors.CodeUpstreamRateLimited, err, "", status)
	default:
		return xerrors.Wrap(xerrors.CodeUpstreamError, err, "", status)
	}
}

func outcomeOf(err error) string {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeUpstreamAuthFailure:
		return metrics.OutcomeAuthFailure
	case xerrors.CodeUpstreamRateLimited:
		return metrics.OutcomeRateLimited
	case xerrors.CodeMalformedUpstreamResponse:
		return metrics.OutcomeMalformed
	case xerrors.CodeTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
