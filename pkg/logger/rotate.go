package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000"

// auditFile is the size-bounded writer behind the audit channel. When the
// current file would exceed the limit it is renamed with a timestamp suffix
// and a fresh file is started; old backups are pruned by count and age.
type auditFile struct {
	mu     sync.Mutex
	path   string
	limit  int64
	keep   int
	maxAge time.Duration

	file    *os.File
	written int64
}

func newAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &auditFile{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		keep:   maxBackups,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	if a.written+int64(len(p)) > a.limit {
		if err := a.roll(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.written += int64(n)
	return n, err
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.written = 0
	return err
}

func (a *auditFile) open() error {
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("读取审计日志状态失败: %w", err)
	}
	a.file = file
	a.written = info.Size()
	return nil
}

// roll renames the current file with a timestamp suffix and starts a new
// one. Rename failure keeps writing to the old file rather than losing
// audit records.
func (a *auditFile) roll() error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	backup := fmt.Sprintf("%s.%s", a.path, time.Now().Format(backupStamp))
	if err := os.Rename(a.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("轮转审计日志失败: %w", err)
	}
	a.prune()
	a.written = 0
	return a.open()
}

// prune removes backups beyond the retention count or older than the
// retention age. Best effort: a backup that cannot be removed is left for
// the next roll.
func (a *auditFile) prune() {
	backups, err := filepath.Glob(a.path + ".*")
	if err != nil || len(backups) == 0 {
		return
	}
	// Glob 返回按名字排序的结果，时间戳后缀保证旧备份在前。
	sort.Strings(backups)

	excess := len(backups) - a.keep
	cutoff := time.Now().Add(-a.maxAge)
	for i, backup := range backups {
		if i < excess {
			_ = os.Remove(backup)
			continue
		}
		if info, err := os.Stat(backup); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
