package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AgentMesh/deploy/migrations"
)

// MySQLConfig 描述事件日志所需的 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLLog 把事件追加写入 mesh_events，并在同一事务内刷新 mesh_snapshots
// 快照表，保证快照不会领先或落后于日志。
type MySQLLog struct {
	db *sql.DB
}

// NewMySQLLog 建立连接并执行嵌入的迁移脚本。
func NewMySQLLog(ctx context.Context, cfg MySQLConfig) (*MySQLLog, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := &MySQLLog{db: db}
	if err := log.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

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

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// Append 实现 Log 接口。
func (m *MySQLLog) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("事件不能为空")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事件事务失败: %w", err)
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = []byte(event.Payload)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mesh_events (id, entity, entity_id, kind, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Entity), event.EntityID, event.Kind, payload, event.OccurredAt,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("写入事件失败: %w", err)
	}

	if len(event.Snapshot) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mesh_snapshots (entity, entity_id, payload, updated_at) VALUES (?, ?, ?, ?)
             ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`,
			string(event.Entity), event.EntityID, []byte(event.Snapshot), event.OccurredAt,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("刷新快照失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事件事务失败: %w", err)
	}
	return nil
}

// Replay 实现 Log 接口。
func (m *MySQLLog) Replay(ctx context.Context, entity Entity, entityID string) ([]*Event, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, entity, entity_id, kind, payload, occurred_at FROM mesh_events
         WHERE entity = ? AND entity_id = ? ORDER BY seq ASC`,
		string(entity), entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var results []*Event
	for rows.Next() {
		var (
			event     Event
			entityRaw string
			payload   sql.NullString
		)
		if err := rows.Scan(&event.ID, &entityRaw, &event.EntityID, &event.Kind, &payload, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("解析事件失败: %w", err)
		}
		event.Entity = Entity(entityRaw)
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		results = append(results, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历事件失败: %w", err)
	}
	return results, nil
}

// Snapshot 返回实体的最新快照，没有快照时返回 sql.ErrNoRows。
func (m *MySQLLog) Snapshot(ctx context.Context, entity Entity, entityID string) (json.RawMessage, error) {
	var payload string
	err := m.db.QueryRowContext(ctx,
		`SELECT payload FROM mesh_snapshots WHERE entity = ? AND entity_id = ?`,
		string(entity), entityID,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// Close 释放数据库连接。
func (m *MySQLLog) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (m *MySQLLog) runMigrations(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := m.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := m.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLLog) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (m *MySQLLog) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, migration.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	rawStatements := strings.Split(content, ";")
	var statements []string
	for _, stmt := range rawStatements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}

var _ Log = (*MySQLLog)(nil)
