package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	archiveFileName  = "exchanges.log"
	maxCachedRecords = 512
)

// FileRepository 使用本地 JSON Lines 文件保存归档，方便单机部署。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewFileRepository 创建基于文件的归档仓库，并加载最近的记录。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: filepath.Join(dataDir, archiveFileName)}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录一次往返。
func (m *FileRepository) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化归档记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}

	m.records = append([]Record{record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的归档记录，按写入时间倒序排列。
func (m *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	if limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 文件在每次写入后都会关闭，这里无需处理。
func (m *FileRepository) Close() error { return nil }

func (m *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档文件失败: %w", err)
	}

	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}
