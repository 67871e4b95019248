package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLog 以 JSON 行的形式把事件追加到本地文件，主要用于单机部署与测试。
// 启动时会回放整个文件重建内存索引，读路径完全走内存。
type FileLog struct {
	mu       sync.RWMutex
	dataFile string
	file     *os.File
	index    map[string][]*Event
}

// NewFileLog 创建文件事件日志。
func NewFileLog(dataDir string) (*FileLog, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "events.log")
	log := &FileLog{dataFile: path, index: make(map[string][]*Event)}
	if err := log.loadFromDisk(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开事件日志失败: %w", err)
	}
	log.file = file
	return log, nil
}

func indexKey(entity Entity, entityID string) string {
	return string(entity) + "/" + entityID
}

// Append 实现 Log 接口。
func (f *FileLog) Append(_ context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("事件不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("事件日志已关闭")
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if _, err := f.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}

	clone := *event
	key := indexKey(event.Entity, event.EntityID)
	f.index[key] = append(f.index[key], &clone)
	return nil
}

// Replay 实现 Log 接口。
func (f *FileLog) Replay(_ context.Context, entity Entity, entityID string) ([]*Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stored := f.index[indexKey(entity, entityID)]
	results := make([]*Event, len(stored))
	for i, event := range stored {
		clone := *event
		results[i] = &clone
	}
	return results, nil
}

// Close 关闭底层文件。
func (f *FileLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileLog) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// 跳过损坏的行，保留其余历史。
			continue
		}
		key := indexKey(event.Entity, event.EntityID)
		clone := event
		f.index[key] = append(f.index[key], &clone)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}
	return nil
}

var _ Log = (*FileLog)(nil)
