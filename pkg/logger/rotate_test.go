package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuditFileRollsAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	a := &auditFile{path: path, limit: 32, keep: 8, maxAge: time.Hour}
	defer a.Close()

	line := strings.Repeat("x", 20) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := a.Write([]byte(line)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		// 时间戳后缀精确到毫秒，保证相邻备份不同名。
		time.Sleep(2 * time.Millisecond)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current file: %v", err)
	}
	if string(content) != line {
		t.Fatalf("current file should hold only the latest line, got %q", content)
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups after 2 rolls, got %d: %v", len(backups), backups)
	}
}

func TestAuditFilePrunesByCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	a := &auditFile{path: path, limit: 16, keep: 2, maxAge: time.Hour}
	defer a.Close()

	for i := 0; i < 6; i++ {
		if _, err := a.Write([]byte(strings.Repeat("y", 12) + "\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("retention should cap backups at keep=2, got %d: %v", len(backups), backups)
	}
}

func TestNewAuditFileCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.log")
	a, err := newAuditFile(path, 1, 1, 1)
	if err != nil {
		t.Fatalf("new audit file: %v", err)
	}
	defer a.Close()
	if _, err := a.Write([]byte("entry\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("audit file not created: %v", err)
	}
}
