package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentMesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Log         LogConfig         `json:"log"`
	Storage     StorageConfig     `json:"storage"`
	EventStream EventStreamConfig `json:"event_stream"`
	Economy     EconomyConfig     `json:"economy"`
	Bridge      BridgeConfig      `json:"bridge"`
	Compliance  ComplianceConfig  `json:"compliance"`
	Auth        AuthConfig        `json:"auth"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LogConfig 控制结构化日志与审计日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// StorageConfig 统一描述事件日志与快照的持久化后端。
type StorageConfig struct {
	EventLog EventLogConfig `json:"event_log"`
}

// EventLogConfig 描述事件日志驱动，支持 file 与 mysql。
type EventLogConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventStreamConfig 描述对外广播实体事件的消息通道。
type EventStreamConfig struct {
	Driver   string               `json:"driver"`
	Redis    RedisStreamConfig    `json:"redis"`
	RabbitMQ RabbitMQStreamConfig `json:"rabbitmq"`
}

// RedisStreamConfig 描述 Redis 通道的连接参数。
type RedisStreamConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQStreamConfig 描述 RabbitMQ 通道的连接参数。
type RabbitMQStreamConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// EconomyConfig 汇总质押、信誉、抵押与分账等经济参数。
type EconomyConfig struct {
	TierMinimums      map[string]int64 `json:"tier_minimums"`
	DefaultReputation float64          `json:"default_reputation"`
	ReputationAlpha   float64          `json:"reputation_alpha"`
	CollateralBps     int64            `json:"collateral_bps"`
	CreatorsBps       int64            `json:"creators_bps"`
	StakersBps        int64            `json:"stakers_bps"`
	TreasuryBps       int64            `json:"treasury_bps"`
	ProofWindowSecs   int64            `json:"proof_window_seconds"`
	CooldownSecs      int64            `json:"deregister_cooldown_seconds"`
	AttestAttempts    int              `json:"attest_attempts"`
	SweepSpec         string           `json:"escrow_sweep_spec"`
}

// BridgeConfig 描述跨链发现与路由激活的参数。
type BridgeConfig struct {
	NetworksConfig   string `json:"networks_config"`
	DiscoverTimeout  int    `json:"discover_timeout_seconds"`
	FanoutLimit      int    `json:"fanout_limit"`
	ActivateAttempts int    `json:"activate_attempts"`
}

// ComplianceConfig 描述合规引擎的评估阈值与本地辖区。
type ComplianceConfig struct {
	Threshold        float64 `json:"threshold"`
	HomeJurisdiction string  `json:"home_jurisdiction"`
	LargeAmountLimit int64   `json:"large_amount_limit"`
}

// AuthConfig 描述 API 鉴权方式。
type AuthConfig struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.ApplyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) ApplyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Storage.EventLog.Driver == "" {
		c.Storage.EventLog.Driver = "file"
	}
	if c.EventStream.Driver == "" {
		c.EventStream.Driver = "memory"
	}

	if len(c.Economy.TierMinimums) == 0 {
		c.Economy.TierMinimums = map[string]int64{
			"hobbyist":     50,
			"professional": 250,
			"enterprise":   1000,
		}
	}
	if c.Economy.DefaultReputation <= 0 {
		c.Economy.DefaultReputation = 0.5
	}
	if c.Economy.ReputationAlpha <= 0 {
		c.Economy.ReputationAlpha = 0.2
	}
	if c.Economy.CollateralBps <= 0 {
		c.Economy.CollateralBps = 1000
	}
	if c.Economy.CreatorsBps == 0 && c.Economy.StakersBps == 0 && c.Economy.TreasuryBps == 0 {
		c.Economy.CreatorsBps = 7000
		c.Economy.StakersBps = 2000
		c.Economy.TreasuryBps = 1000
	}
	if c.Economy.ProofWindowSecs <= 0 {
		c.Economy.ProofWindowSecs = 300
	}
	if c.Economy.CooldownSecs <= 0 {
		c.Economy.CooldownSecs = 24 * 3600
	}
	if c.Economy.AttestAttempts <= 0 {
		c.Economy.AttestAttempts = 3
	}
	if c.Economy.SweepSpec == "" {
		c.Economy.SweepSpec = "@every 30s"
	}

	if c.Bridge.DiscoverTimeout <= 0 {
		c.Bridge.DiscoverTimeout = 10
	}
	if c.Bridge.FanoutLimit <= 0 {
		c.Bridge.FanoutLimit = 4
	}
	if c.Bridge.ActivateAttempts <= 0 {
		c.Bridge.ActivateAttempts = 3
	}
	if c.Bridge.NetworksConfig != "" && !filepath.IsAbs(c.Bridge.NetworksConfig) {
		c.Bridge.NetworksConfig = filepath.Join(baseDir, c.Bridge.NetworksConfig)
	}

	if c.Compliance.Threshold <= 0 {
		c.Compliance.Threshold = 0.7
	}
	if c.Compliance.HomeJurisdiction == "" {
		c.Compliance.HomeJurisdiction = "sg"
	}
	if c.Compliance.LargeAmountLimit <= 0 {
		c.Compliance.LargeAmountLimit = 100000
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
