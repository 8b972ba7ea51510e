package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// openDatabase 按驱动建立连接池。SQLite 只允许单连接，避免 :memory: 数据库被拆分。
func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	driverName, dsn, err := resolveDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", cfg.Driver, err)
	}

	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", cfg.Driver, err)
	}
	return db, nil
}

func resolveDSN(cfg Config) (string, string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMySQL:
		if dsn == "" {
			return "", "", fmt.Errorf("MySQL DSN 不能为空")
		}
		return "mysql", dsn, nil
	case DriverSQLite:
		if dsn == "" {
			dataDir := cfg.DataDir
			if dataDir == "" {
				dataDir = "."
			}
			dsn = filepath.Join(dataDir, "archive.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
		return "sqlite3", dsn, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
