package session

import (
	"context"
	"strings"

	"ClaudeBrain/internal/llm"
)

const (
	// AnonymousKey groups callers that did not supply a wallet address.
	AnonymousKey = "anonymous"
	// DefaultMaxEntries caps raw entries per session (20 entries, 10 exchanges).
	DefaultMaxEntries = 20
	// DefaultMaxSessions caps distinct sessions kept by the memory store.
	DefaultMaxSessions = 10000
)

// Store 抽象了会话历史的读写。实现必须保证单次 Append 的原子性。
type Store interface {
	Get(ctx context.Context, key string) ([]llm.Exchange, error)
	Append(ctx context.Context, key string, user, assistant llm.Exchange) error
	Close() error
}

// ResolveKey 返回会话键：钱包地址优先，否则使用匿名键。
func ResolveKey(wallet string) string {
	if key := strings.TrimSpace(wallet); key != "" {
		return key
	}
	return AnonymousKey
}

// trim 保留最近的 max 条记录，并返回不共享底层数组的新切片。
func trim(entries []llm.Exchange, max int) []llm.Exchange {
	if max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	out := make([]llm.Exchange, len(entries))
	copy(out, entries)
	return out
}
