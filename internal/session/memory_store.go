package session

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"ClaudeBrain/internal/llm"
)

// MemoryStore 在进程内保存会话历史。distinct session 数量超过上限时，
// 最久未访问的会话被整体淘汰。
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	bounded    *lru.Cache[string, []llm.Exchange]
	unbounded  map[string][]llm.Exchange
	evictions  atomic.Int64
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxEntries  int
	maxSessions int
	onEvict     func(key string)
}

// WithMaxEntries 设置单个会话保留的最大记录数。
func WithMaxEntries(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithMaxSessions 设置最多保留的会话数量，0 表示不限制。
func WithMaxSessions(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n >= 0 {
			o.maxSessions = n
		}
	}
}

// WithEvictionHook 在会话被 LRU 淘汰时回调。
func WithEvictionHook(fn func(key string)) MemoryOption {
	return func(o *memoryOptions) {
		o.onEvict = fn
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	options := memoryOptions{
		maxEntries:  DefaultMaxEntries,
		maxSessions: DefaultMaxSessions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	store := &MemoryStore{maxEntries: options.maxEntries}
	if options.maxSessions == 0 {
		store.unbounded = make(map[string][]llm.Exchange)
		return store
	}

	cache, err := lru.NewWithEvict(options.maxSessions, func(key string, _ []llm.Exchange) {
		store.evictions.Add(1)
		if options.onEvict != nil {
			options.onEvict(key)
		}
	})
	if err != nil {
		// lru only rejects non-positive sizes, which are filtered above.
		panic(err)
	}
	store.bounded = cache
	return store
}

// Get 返回会话历史的拷贝；未出现过的键返回空切片。
func (m *MemoryStore) Get(_ context.Context, key string) ([]llm.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, _ := m.load(key)
	return trim(entries, 0), nil
}

// Append 依次追加 user 与 assistant 两条记录，再截断到最近 maxEntries 条。
func (m *MemoryStore) Append(_ context.Context, key string, user, assistant llm.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, _ := m.load(key)
	next := make([]llm.Exchange, 0, len(existing)+2)
	next = append(next, existing...)
	next = append(next, user, assistant)
	m.save(key, trim(next, m.maxEntries))
	return nil
}

// Len 返回当前保留的会话数量。
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		return m.bounded.Len()
	}
	return len(m.unbounded)
}

// Evictions 返回因容量上限被淘汰的会话总数。
func (m *MemoryStore) Evictions() int64 {
	return m.evictions.Load()
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) load(key string) ([]llm.Exchange, bool) {
	if m.bounded != nil {
		return m.bounded.Get(key)
	}
	entries, ok := m.unbounded[key]
	return entries, ok
}

func (m *MemoryStore) save(key string, entries []llm.Exchange) {
	if m.bounded != nil {
		m.bounded.Add(key, entries)
		return
	}
	m.unbounded[key] = entries
}

var _ Store = (*MemoryStore)(nil)
