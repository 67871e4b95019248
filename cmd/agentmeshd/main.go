package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentMesh/internal/api"
	"AgentMesh/internal/attest"
	"AgentMesh/internal/auth"
	"AgentMesh/internal/bridge"
	"AgentMesh/internal/bridge/evm"
	"AgentMesh/internal/compliance"
	"AgentMesh/internal/config"
	"AgentMesh/internal/distribution"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/escrow"
	"AgentMesh/internal/events"
	"AgentMesh/internal/funds"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/observability/alerting"
	"AgentMesh/internal/proof"
	"AgentMesh/internal/registry"
	"AgentMesh/pkg/backoff"
	"AgentMesh/pkg/logger"
)

// main 是 AgentMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 事件日志：file 或 mysql。
	var eventLog events.Log
	switch cfg.Storage.EventLog.Driver {
	case "", "file":
		eventLog, err = events.NewFileLog(dataDir)
		if err != nil {
			return err
		}
	case "mysql":
		eventLog, err = events.NewMySQLLog(ctx, events.MySQLConfig{
			DSN:             cfg.Storage.EventLog.DSN,
			MaxOpenConns:    cfg.Storage.EventLog.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.EventLog.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.EventLog.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.EventLog.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的事件日志驱动")
	}
	defer func() { _ = eventLog.Close() }()

	// 事件流：memory、redis 或 rabbitmq。
	var stream events.Stream
	switch cfg.EventStream.Driver {
	case "", "memory":
		stream = events.NewMemoryStream(1024)
	case "redis":
		stream, err = events.NewRedisStream(events.RedisStreamConfig{
			Address:   cfg.EventStream.Redis.Address,
			Password:  cfg.EventStream.Redis.Password,
			DB:        cfg.EventStream.Redis.DB,
			Queue:     cfg.EventStream.Redis.Queue,
			BlockWait: time.Duration(cfg.EventStream.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		stream, err = events.NewRabbitMQStream(events.RabbitMQStreamConfig{
			URL:        cfg.EventStream.RabbitMQ.URL,
			Queue:      cfg.EventStream.RabbitMQ.Queue,
			Prefetch:   cfg.EventStream.RabbitMQ.Prefetch,
			Durable:    cfg.EventStream.RabbitMQ.Durable,
			AutoDelete: cfg.EventStream.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的事件流驱动")
	}
	defer func() { _ = stream.Close() }()

	recorder := events.NewRecorder(eventLog, stream)

	engine := compliance.New(compliance.Config{
		Threshold:        cfg.Compliance.Threshold,
		HomeJurisdiction: compliance.NormalizeJurisdiction(cfg.Compliance.HomeJurisdiction),
		LargeAmountLimit: cfg.Compliance.LargeAmountLimit,
	}, recorder)

	stakeLedger := ledger.New(recorder)

	tierMinimums := make(map[registry.Tier]int64, len(cfg.Economy.TierMinimums))
	for tier, minimum := range cfg.Economy.TierMinimums {
		tierMinimums[registry.Tier(tier)] = minimum
	}
	agentRegistry := registry.New(registry.NewMemoryStore(), stakeLedger, engine, recorder, registry.Config{
		TierMinimums:      tierMinimums,
		DefaultReputation: cfg.Economy.DefaultReputation,
		ReputationAlpha:   cfg.Economy.ReputationAlpha,
		Cooldown:          time.Duration(cfg.Economy.CooldownSecs) * time.Second,
	})

	verifier := proof.NewVerifier(proof.Secp256k1Backend{},
		time.Duration(cfg.Economy.ProofWindowSecs)*time.Second)
	attestor := attest.NewRetrying(attest.LocalAttestor{}, cfg.Economy.AttestAttempts)

	fundsProvider := funds.NewMemoryProvider()
	escrowManager := escrow.NewManager(escrow.NewMemoryStore(), stakeLedger, fundsProvider,
		verifier, agentRegistry, engine, recorder, attestor, escrow.Config{
			CollateralBps: cfg.Economy.CollateralBps,
			Retry:         backoff.DefaultPolicy,
		})
	agentRegistry.SetEscrowChecker(escrowManager)

	sweeper := escrow.NewSweeper(escrowManager, cfg.Economy.SweepSpec)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	distributor, err := distribution.New(stakeLedger, engine, recorder, distribution.Config{
		CreatorsBps: cfg.Economy.CreatorsBps,
		StakersBps:  cfg.Economy.StakersBps,
		TreasuryBps: cfg.Economy.TreasuryBps,
	})
	if err != nil {
		return err
	}

	defs, err := bridge.LoadNetworkDefinitions(cfg.Bridge.NetworksConfig)
	if err != nil {
		return err
	}
	networkRegistry, err := bridge.NewRegistry(ctx, defs, map[string]bridge.AdapterFactory{
		"evm": evm.Factory,
	})
	if err != nil {
		return err
	}
	defer networkRegistry.Close()

	coordinator := bridge.NewCoordinator(networkRegistry, recorder, bridge.Config{
		DiscoverTimeout:  time.Duration(cfg.Bridge.DiscoverTimeout) * time.Second,
		FanoutLimit:      cfg.Bridge.FanoutLimit,
		ActivateAttempts: cfg.Bridge.ActivateAttempts,
	})

	alerts := alerting.NewFanout(alerting.LogNotifier{})
	authSvc := auth.NewService(cfg.Auth.Mode, cfg.Auth.Token)

	server := api.NewServer(cfg.Server.Address, agentRegistry, stakeLedger, escrowManager,
		distributor, coordinator, engine, authSvc, alerts)
	logger.L().Info("agentmeshd 启动", "address", cfg.Server.Address)
	return server.Start(ctx)
}
