// Package logger wires the two process-wide structured loggers. The root
// channel carries operational logs; the audit channel is a separate rotating
// JSON file that records ledger movements, escrow transitions and compliance
// decisions, so the trail survives rotation of the root output.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes the root log channel and the audit channel.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit channel. When disabled, audit records fall
// through to the root channel.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.Mutex
	root    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init builds the global loggers from the configuration. It may be called
// once; later calls return an error instead of silently reconfiguring a
// running process.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		return errors.New("日志已初始化")
	}

	sink, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level), AddSource: true}
	if strings.EqualFold(cfg.Format, "text") {
		root = slog.New(slog.NewTextHandler(sink, opts))
	} else {
		root = slog.New(slog.NewJSONHandler(sink, opts))
	}

	audit = root
	if cfg.Audit.Enabled {
		writer, err := openAuditFile(cfg.Audit)
		if err != nil {
			return err
		}
		closers = append(closers, writer)
		// 审计通道固定为 JSON，级别不随主日志调整。
		audit = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return nil
}

// ensure installs a stdout default when Init was never called. Callers must
// hold mu.
func ensure() {
	if root == nil {
		root = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		audit = root
	}
}

// L returns the root logger.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	ensure()
	return root
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	ensure()
	return audit
}

// Sync closes every file-backed output. Called on daemon shutdown.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// combineOutputs resolves the configured output paths into a single writer.
// "stdout" and "stderr" are recognised names; anything else is a file path.
func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("创建日志目录失败: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("打开日志文件 %s 失败: %w", path, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openAuditFile(cfg AuditConfig) (*auditFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("审计日志路径不能为空")
	}
	return newAuditFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
}

func levelFor(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
