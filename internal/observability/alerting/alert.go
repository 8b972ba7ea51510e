package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ClaudeBrain/internal/errors"
	"ClaudeBrain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

const defaultWebhookTimeout = 5 * time.Second

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Provider   string
	SessionKey string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Throttle 在窗口期内对同一错误码只放行一次，并丢弃低于阈值的事件。
type Throttle struct {
	next        Dispatcher
	window      time.Duration
	minSeverity xerrors.Severity

	mu   sync.Mutex
	last map[xerrors.Code]time.Time
	now  func() time.Time
}

// NewThrottle 包装一个 Dispatcher。minSeverity 为空时只放行 critical。
func NewThrottle(next Dispatcher, window time.Duration, minSeverity xerrors.Severity) *Throttle {
	if minSeverity == "" {
		minSeverity = xerrors.SeverityCritical
	}
	return &Throttle{
		next:        next,
		window:      window,
		minSeverity: minSeverity,
		last:        make(map[xerrors.Code]time.Time),
		now:         time.Now,
	}
}

// Notify 实现 Dispatcher。
func (t *Throttle) Notify(ctx context.Context, event Event) error {
	if t == nil || t.next == nil || severityRank(event.Severity) < severityRank(t.minSeverity) {
		return nil
	}

	t.mu.Lock()
	now := t.now()
	if last, ok := t.last[event.Code]; ok && t.window > 0 && now.Sub(last) < t.window {
		t.mu.Unlock()
		return nil
	}
	t.last[event.Code] = now
	t.mu.Unlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	return t.next.Notify(ctx, event)
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// DingTalkNotifier 通过钉钉机器人 webhook 发送告警。
type DingTalkNotifier struct {
	WebhookURL string
	HTTPClient *http.Client
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": formatText(event)},
	}
	return postJSON(ctx, n.HTTPClient, n.WebhookURL, payload)
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	ChannelID  string
	HTTPClient *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	payload := map[string]string{
		"text": fmt.Sprintf("*[%s]* %s - %s", event.Severity, event.Code, formatText(event)),
	}
	if n.ChannelID != "" {
		payload["channel"] = n.ChannelID
	}
	return postJSON(ctx, n.HTTPClient, n.WebhookURL, payload)
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", event.Severity, event.Code)
	fmt.Fprintf(&b, "时间: %s\n", event.OccurredAt.UTC().Format(time.RFC3339))
	if event.Provider != "" {
		fmt.Fprintf(&b, "Provider: %s\n", event.Provider)
	}
	if event.SessionKey != "" {
		fmt.Fprintf(&b, "会话: %s\n", event.SessionKey)
	}
	b.WriteString(event.Message)
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n详情:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
		}
	}
	return b.String()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警内容失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
