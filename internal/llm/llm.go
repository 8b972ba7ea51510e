package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role 标记一条对话记录的发言方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange 是会话历史中的一条记录，写入后不再修改。
type Exchange struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次补全调用所需的全部输入。
type Request struct {
	System      string
	History     []Exchange
	Message     string
	MaxTokens   int64
	Temperature float64
}

// Usage 记录上游返回的 token 消耗。
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response 是补全调用的结果。
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// Client 定义了调用大模型补全接口的统一抽象。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Reason 区分上游失败的类型。
type Reason string

const (
	ReasonStatus    Reason = "status"
	ReasonMalformed Reason = "malformed_response"
	ReasonTransport Reason = "transport"
)

// UpstreamError 表示上游返回了非 2xx 状态或无法解析的响应。
type UpstreamError struct {
	StatusCode int
	Body       string
	Reason     Reason
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Reason {
	case ReasonMalformed:
		return fmt.Sprintf("upstream malformed response: %s", strings.TrimSpace(e.Body))
	case ReasonTransport:
		return fmt.Sprintf("upstream transport error: %v", e.Err)
	default:
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
