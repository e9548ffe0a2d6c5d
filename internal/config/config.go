package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 aegisd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Engine   EngineConfig   `json:"engine"`
	Storage  StorageConfig  `json:"storage"`
	OpQueue  OpQueueConfig  `json:"op_queue"`
	Catalog  CatalogConfig  `json:"catalog"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Recovery RecoveryConfig `json:"recovery"`
}

// ServerConfig 控制网关服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// EngineConfig 描述账户执行引擎的运行参数。
type EngineConfig struct {
	ChainID int64 `json:"chain_id"`
	// GuardValueThreshold 以 wei 十进制字符串表示，超过该值的 execute
	// 调用必须来自大额交易执行器。为空表示不启用。
	GuardValueThreshold string `json:"guard_value_threshold"`
	// HookRemovalDelaySeconds 是钩子紧急卸载的 propose→execute 等待时间。
	HookRemovalDelaySeconds int64 `json:"hook_removal_delay_seconds"`
}

// RecoveryConfig 描述社交恢复的强制延迟。
type RecoveryConfig struct {
	DelaySeconds int64 `json:"delay_seconds"`
}

// StorageConfig 统一描述操作回执存储后端的连接信息。
type StorageConfig struct {
	OpStore OpStoreConfig `json:"op_store"`
}

// OpStoreConfig 提供内存实现，也可以切换到 MySQL。
type OpStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Retries                int    `json:"retries"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// OpQueueConfig 描述操作收件箱使用的消息队列。
type OpQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CatalogConfig 指向已知模块部署的 YAML 清单。
type CatalogConfig struct {
	Path string `json:"path"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Engine.ChainID <= 0 {
		c.Engine.ChainID = 1
	}
	if c.Engine.HookRemovalDelaySeconds <= 0 {
		c.Engine.HookRemovalDelaySeconds = 86400
	}
	if c.Recovery.DelaySeconds <= 0 {
		c.Recovery.DelaySeconds = 172800
	}

	if c.Storage.OpStore.Driver == "" {
		c.Storage.OpStore.Driver = "memory"
	}
	if c.Storage.OpStore.Retries <= 0 {
		c.Storage.OpStore.Retries = 3
	}

	if c.OpQueue.Driver == "" {
		c.OpQueue.Driver = "memory"
	}
	if c.OpQueue.Worker <= 0 {
		c.OpQueue.Worker = 1
	}

	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
