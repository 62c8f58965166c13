package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 TaskMesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Escrow  EscrowConfig  `json:"escrow"`
	Ledger  LedgerConfig  `json:"ledger"`
	Oracle  OracleConfig  `json:"oracle"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务与工作流存储后端的连接信息。
type StorageConfig struct {
	Driver string `json:"driver"` // memory | mysql
	DSN    string `json:"dsn"`
}

// EventsConfig 描述领域事件的发布后端。
type EventsConfig struct {
	Driver   string         `json:"driver"` // memory | redis | rabbitmq
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件流的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// EscrowConfig 描述托管核算与结算账户。
type EscrowConfig struct {
	FeeRateBps       uint64 `json:"fee_rate_bps"`
	MinReward        string `json:"min_reward"`
	EscrowAccount    string `json:"escrow_account"`
	PlatformAccount  string `json:"platform_account"`
	Arbitrator       string `json:"arbitrator"`
	AutoReleaseHours int    `json:"auto_release_hours"`
}

// LedgerConfig 描述代币账本的接入方式。erc20 驱动需要托管账户私钥签名转账。
type LedgerConfig struct {
	Driver     string `json:"driver"` // memory | erc20
	RPCURL     string `json:"rpc_url"`
	Token      string `json:"token"`
	ChainsFile string `json:"chains_file"` // YAML 链档案，可按名称覆盖 rpc_url
	Chain      string `json:"chain"`
	PrivateKey string `json:"private_key"`
	ChainID    int64  `json:"chain_id"`
}

// OracleConfig 描述建议报价表的来源。
type OracleConfig struct {
	QuotesFile string `json:"quotes_file"`
}

// LoggingConfig 描述结构化日志的输出方式。
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
	AuditPath  string `json:"audit_path"`
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

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}

	if c.Escrow.FeeRateBps == 0 {
		c.Escrow.FeeRateBps = 250
	}
	if c.Escrow.MinReward == "" {
		c.Escrow.MinReward = "1"
	}
	if c.Escrow.AutoReleaseHours <= 0 {
		c.Escrow.AutoReleaseHours = 7 * 24
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}

	if c.Ledger.ChainsFile != "" && !filepath.IsAbs(c.Ledger.ChainsFile) {
		c.Ledger.ChainsFile = filepath.Join(baseDir, c.Ledger.ChainsFile)
	}
	if c.Oracle.QuotesFile != "" && !filepath.IsAbs(c.Oracle.QuotesFile) {
		c.Oracle.QuotesFile = filepath.Join(baseDir, c.Oracle.QuotesFile)
	}
}
