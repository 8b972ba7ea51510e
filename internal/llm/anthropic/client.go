package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ClaudeBrain/internal/llm"
)

const (
	defaultModelName = "claude-sonnet-4-20250514"
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 4096
)

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// messageCreator 是 sdk.MessageService 中被使用到的子集，便于测试替换。
type messageCreator interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client 通过官方 SDK 调用 Anthropic 的补全能力。
type Client struct {
	messages messageCreator
	model    string
	timeout  time.Duration
}

// NewClient 根据配置创建 Anthropic 客户端。SDK 自带的重试被关闭，
// 由调用方决定是否重新发起请求。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := sdk.NewClient(opts...)
	return &Client{
		messages: &client.Messages,
		model:    model,
		timeout:  timeout,
	}, nil
}

// Model 返回默认使用的模型名。
func (c *Client) Model() string {
	return c.model
}

// Complete 调用 Messages API，并返回第一个文本块的内容。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.messages.New(callCtx, c.buildParams(req))
	if err != nil {
		return nil, classify(err)
	}

	if len(msg.Content) == 0 || msg.Content[0].Type != "text" || strings.TrimSpace(msg.Content[0].Text) == "" {
		return nil, &llm.UpstreamError{
			StatusCode: http.StatusOK,
			Body:       msg.RawJSON(),
			Reason:     llm.ReasonMalformed,
		}
	}

	return &llm.Response{
		Text:       msg.Content[0].Text,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func (c *Client) buildParams(req llm.Request) sdk.MessageNewParams {
	messages := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, entry := range req.History {
		block := sdk.NewTextBlock(entry.Content)
		if entry.Role == llm.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, sdk.NewUserMessage(block))
	}
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(req.Message)))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(req.Temperature),
		Messages:    messages,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params
}

// classify 把 SDK 返回的错误转换为 llm.UpstreamError。
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &llm.UpstreamError{
			StatusCode: apiErr.StatusCode,
			Body:       apiErr.RawJSON(),
			Reason:     llm.ReasonStatus,
			Err:        err,
		}
	}
	return &llm.UpstreamError{Reason: llm.ReasonTransport, Err: err}
}

var _ llm.Client = (*Client)(nil)
