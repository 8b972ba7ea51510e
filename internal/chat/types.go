package chat

import (
	"math"
	"time"
)

// TimestampLayout 是所有响应中时间戳使用的 ISO8601 毫秒格式。
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp 以 UTC 毫秒精度格式化时间。
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// RequestContext 是调用方随消息附带的上下文。requestCount 接受任意 JSON 数字，
// 小数部分被截断。
type RequestContext struct {
	Wallet       string  `json:"wallet,omitempty"`
	RequestCount float64 `json:"requestCount,omitempty"`
}

// GenerationRequest 是 /api/generate 的请求体。Message 保留原始 JSON 类型，
// 以便区分缺失、非字符串与空白三种非法输入。
type GenerationRequest struct {
	Message any             `json:"message"`
	Context *RequestContext `json:"context,omitempty"`
}

// ResponseContext 随补全结果一起返回。
type ResponseContext struct {
	Timestamp    string `json:"timestamp"`
	RequestCount int    `json:"requestCount"`
	Model        string `json:"model"`
	SessionID    string `json:"sessionId"`
}

// GenerationResponse 是一次成功往返的结果。
type GenerationResponse struct {
	Response string          `json:"response"`
	Context  ResponseContext `json:"context"`
}

func (r GenerationRequest) wallet() string {
	if r.Context == nil {
		return ""
	}
	return r.Context.Wallet
}

func (r GenerationRequest) requestCount() int {
	if r.Context == nil {
		return 0
	}
	n := math.Trunc(r.Context.RequestCount)
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0
	}
	return int(n)
}
