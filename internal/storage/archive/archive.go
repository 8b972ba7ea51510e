package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record 表示一次成功往返的归档结构。
type Record struct {
	ID           string `json:"id"`
	SessionKey   string `json:"session_key"`
	UserMessage  string `json:"user_message"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	Enriched     bool   `json:"enriched"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	// CreatedAt 为毫秒时间戳。
	CreatedAt int64 `json:"created_at"`
}

// Repository 抽象归档数据的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// ErrUnsupportedDriver 表示配置了未知的归档驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的归档驱动")

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	defaultListLimit = 20
	maxListLimit     = 200
)

// Config 描述归档仓库的创建参数。
type Config struct {
	Driver          string
	DSN             string
	DataDir         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 根据驱动类型创建归档仓库。
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return Discard{}, nil
	case DriverMemory:
		return NewFileRepository(cfg.DataDir)
	case DriverMySQL, DriverSQLite:
		return NewSQLRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

// Discard 丢弃所有记录，用于关闭归档的场景。
type Discard struct{}

// Save 忽略记录。
func (Discard) Save(context.Context, Record) error { return nil }

// ListLatest 始终返回空列表。
func (Discard) ListLatest(context.Context, int) ([]Record, error) { return []Record{}, nil }

// Close 无需释放资源。
func (Discard) Close() error { return nil }

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
