package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	"AegisVault/internal/config"
	"AegisVault/internal/gateway"
	"AegisVault/internal/hook"
	"AegisVault/internal/modcatalog"
	"AegisVault/internal/observability/alerting"
	"AegisVault/internal/oppool"
	"AegisVault/internal/recovery"
	"AegisVault/internal/sessionkey"
	"AegisVault/internal/validator"
	"AegisVault/pkg/logger"
)

// 内置模块的部署身份。地址是本引擎的保留段，和工厂、入口网关一样
// 属于部署契约的一部分。
var (
	validatorIdentity = common.HexToAddress("0x0000000000000000000000000000000000001001")
	sessionIdentity   = common.HexToAddress("0x0000000000000000000000000000000000001002")
	recoveryIdentity  = common.HexToAddress("0x0000000000000000000000000000000000001003")
	pipelineIdentity  = common.HexToAddress("0x0000000000000000000000000000000000001004")
	guardIdentity     = common.HexToAddress("0x0000000000000000000000000000000000001005")
	largeTxIdentity   = common.HexToAddress("0x0000000000000000000000000000000000001006")
)

// main 是 AegisVault 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("aegisd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AEGIS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "aegis.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	engine := account.NewEngine(big.NewInt(cfg.Engine.ChainID))
	authorize := func(caller, acct common.Address) bool {
		return caller == acct || caller == engine.EntryPoint()
	}

	hookDelay := time.Duration(cfg.Engine.HookRemovalDelaySeconds) * time.Second
	recoveryDelay := time.Duration(cfg.Recovery.DelaySeconds) * time.Second

	validatorModule := validator.New(validatorIdentity, authorize)
	sessionModule := sessionkey.New(sessionIdentity, engine, authorize)
	recoveryModule := recovery.New(recoveryIdentity, engine, validatorModule, authorize, recoveryDelay)
	validatorModule.AuthorizeRecoverer(recoveryIdentity)
	pipelineModule := hook.NewPipeline(pipelineIdentity, engine, authorize, hookDelay)
	guardOpts := make([]hook.GuardOption, 0, 1)
	if cfg.Engine.GuardValueThreshold != "" {
		threshold, ok := new(big.Int).SetString(cfg.Engine.GuardValueThreshold, 10)
		if !ok || threshold.Sign() < 0 {
			return fmt.Errorf("guard_value_threshold 非法: %s", cfg.Engine.GuardValueThreshold)
		}
		guardOpts = append(guardOpts, hook.WithGuardDefaultThreshold(threshold))
	}
	guardModule := hook.NewGuard(guardIdentity, guardOpts...)
	largeTxModule := hook.NewLargeTx(largeTxIdentity, engine, authorize, hookDelay)

	for _, module := range []account.Module{
		validatorModule,
		sessionModule,
		recoveryModule,
		pipelineModule,
		guardModule,
		largeTxModule,
	} {
		if err := engine.RegisterModule(module); err != nil {
			return err
		}
	}

	opStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = opStore.Close()
	}()

	opQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := opQueue.Close(); err != nil {
			log.Printf("关闭操作队列失败: %v", err)
		}
	}()

	opService := oppool.NewService(opStore, opQueue, cfg.Storage.OpStore.Retries)
	alerter := alerting.NewFanout(&alerting.LogNotifier{})
	processor := oppool.NewProcessor(engine, opStore, opQueue, opQueue,
		oppool.WithWorkerCount(cfg.OpQueue.Worker),
		oppool.WithProcessorLogger(logger.Named("processor")),
		oppool.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("操作处理器异常退出: %v", err)
		}
	}()

	catalog, err := modcatalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	server := gateway.NewServer(cfg.Server.Address, engine, opService, sessionModule, recoveryModule, catalog)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(cfg *config.Config) (oppool.Store, error) {
	switch cfg.Storage.OpStore.Driver {
	case "", "memory":
		return oppool.NewMemoryStore(), nil
	case "mysql":
		return oppool.NewMySQLStore(cfg.Storage.OpStore.DSN, oppool.MySQLOptions{
			MaxOpenConns:    cfg.Storage.OpStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.OpStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.OpStore.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.OpStore.Driver)
	}
}

func buildQueue(cfg *config.Config) (oppool.Queue, error) {
	switch cfg.OpQueue.Driver {
	case "", "memory":
		return oppool.NewMemoryQueue(1024), nil
	case "redis":
		return oppool.NewRedisQueue(oppool.RedisQueueConfig{
			Address:   cfg.OpQueue.Redis.Address,
			Password:  cfg.OpQueue.Redis.Password,
			DB:        cfg.OpQueue.Redis.DB,
			Queue:     cfg.OpQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.OpQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return oppool.NewRabbitMQQueue(oppool.RabbitMQConfig{
			URL:        cfg.OpQueue.RabbitMQ.URL,
			Queue:      cfg.OpQueue.RabbitMQ.Queue,
			Prefetch:   cfg.OpQueue.RabbitMQ.Prefetch,
			Durable:    cfg.OpQueue.RabbitMQ.Durable,
			AutoDelete: cfg.OpQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.OpQueue.Driver)
	}
}
