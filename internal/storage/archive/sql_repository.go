package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

const (
	insertExchangeSQL = `INSERT INTO exchanges
    (id, session_key, user_message, reply, model, enriched, input_tokens, output_tokens, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectLatestSQL = `SELECT id, session_key, user_message, reply, model, enriched, input_tokens, output_tokens, created_at
    FROM exchanges ORDER BY created_at DESC, id DESC LIMIT ?`
)

// SQLRepository 使用 MySQL 或 SQLite 保存归档记录。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 创建连接池并执行内置迁移。
func NewSQLRepository(ctx context.Context, cfg Config) (*SQLRepository, error) {
	if strings.EqualFold(cfg.Driver, DriverSQLite) && strings.TrimSpace(cfg.DSN) == "" && cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将归档记录写入数据库。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	if _, err := s.db.ExecContext(ctx, insertExchangeSQL,
		record.ID,
		record.SessionKey,
		record.UserMessage,
		record.Reply,
		record.Model,
		record.Enriched,
		record.InputTokens,
		record.OutputTokens,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入归档记录失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条归档记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectLatestSQL, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询归档记录失败: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var record Record
		if err := rows.Scan(
			&record.ID,
			&record.SessionKey,
			&record.UserMessage,
			&record.Reply,
			&record.Model,
			&record.Enriched,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
