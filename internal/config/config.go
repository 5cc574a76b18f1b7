package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/storage/mysql"
	"OpenMech-Chain/internal/storage/redis"
	"OpenMech-Chain/pkg/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENMECH_CONFIG"

// Config 描述了 OpenMech 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	Events    EventsConfig     `json:"events" yaml:"events"`
	Simulator simulator.Config `json:"simulator" yaml:"simulator"`
	Lifecycle LifecycleConfig  `json:"lifecycle" yaml:"lifecycle"`
	Web3      Web3Config       `json:"web3" yaml:"web3"`
	Catalog   CatalogConfig    `json:"catalog" yaml:"catalog"`
	Logging   logger.Config    `json:"logging" yaml:"logging"`
	Alerting  AlertingConfig   `json:"alerting" yaml:"alerting"`
	Metrics   MetricsConfig    `json:"metrics" yaml:"metrics"`
	Runtime   RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address" yaml:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// StorageConfig 选择交易存储驱动并描述各后端的连接信息。
type StorageConfig struct {
	Driver      string       `json:"driver" yaml:"driver"`
	CASRetries  int          `json:"cas_retries" yaml:"cas_retries"`
	AutoMigrate bool         `json:"auto_migrate" yaml:"auto_migrate"`
	MySQL       mysql.Config `json:"mysql" yaml:"mysql"`
	SQLite      SQLiteConfig `json:"sqlite" yaml:"sqlite"`
	Redis       redis.Config `json:"redis" yaml:"redis"`
}

// SQLiteConfig 描述 SQLite 数据库文件位置。
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// EventsConfig 描述阶段事件队列。
type EventsConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Kafka      KafkaConfig    `json:"kafka" yaml:"kafka"`
}

// RedisQueue 描述 Redis list 队列参数，连接复用 storage.redis。
type RedisQueue struct {
	Key              string `json:"key" yaml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// KafkaConfig 描述 Kafka 主题参数。
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// LifecycleConfig 控制阶段之间的模拟延迟。
type LifecycleConfig struct {
	LatencyMillis int `json:"latency_ms" yaml:"latency_ms"`
}

// Latency 返回阶段延迟。
func (c LifecycleConfig) Latency() time.Duration {
	return time.Duration(c.LatencyMillis) * time.Millisecond
}

// Web3Config 描述链上协作方。mode 为 simulated 时不访问任何网络。
type Web3Config struct {
	Mode          string `json:"mode" yaml:"mode"`
	ChainConfig   string `json:"chain_config" yaml:"chain_config"`
	DefaultChain  string `json:"default_chain" yaml:"default_chain"`
	RPCURL        string `json:"rpc_url" yaml:"rpc_url"`
	ChainID       int64  `json:"chain_id" yaml:"chain_id"`
	Marketplace   string `json:"marketplace" yaml:"marketplace"`
	PrivateKey    string `json:"-" yaml:"-"`
	PrivateKeyEnv string `json:"private_key_env" yaml:"private_key_env"`
}

// CatalogConfig 指定服务目录文件，为空时使用内置目录。
type CatalogConfig struct {
	Path string `json:"path" yaml:"path"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log             bool              `json:"log" yaml:"log"`
	WebhookURL      string            `json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders  map[string]string `json:"webhook_headers" yaml:"webhook_headers"`
	SlackWebhookURL string            `json:"slack_webhook_url" yaml:"slack_webhook_url"`
}

// MetricsConfig 控制 Prometheus 指标暴露。Address 为空时挂载在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件。同目录下的 .env 会先被加载，
// 随后 OPENMECH_* 环境变量覆盖文件中的值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// Resolve 按 OPENMECH_CONFIG、显式路径的顺序定位配置文件；
// 两者均未提供时返回只含默认值与环境变量覆盖的配置。
func Resolve(path string) (*Config, error) {
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); path == "" && env != "" {
		path = env
	}
	if path != "" {
		return Load(path)
	}
	if err := loadDotEnv("."); err != nil {
		return nil, err
	}
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(".")
	return cfg, nil
}

func loadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("加载 .env 失败: %w", err)
}

// applyEnv 使用环境变量覆盖敏感或常需调整的字段。
func (c *Config) applyEnv() {
	setString := func(key string, target *string) {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	setString("OPENMECH_SERVER_ADDRESS", &c.Server.Address)
	setString("OPENMECH_STORAGE_DRIVER", &c.Storage.Driver)
	setString("OPENMECH_MYSQL_DSN", &c.Storage.MySQL.DSN)
	setString("OPENMECH_SQLITE_PATH", &c.Storage.SQLite.Path)
	setString("OPENMECH_REDIS_URL", &c.Storage.Redis.URL)
	setString("OPENMECH_REDIS_PASSWORD", &c.Storage.Redis.Password)
	setString("OPENMECH_EVENTS_DRIVER", &c.Events.Driver)
	setString("OPENMECH_RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	setString("OPENMECH_SIMULATOR_MODEL", &c.Simulator.Model)
	setString("OPENMECH_WEB3_MODE", &c.Web3.Mode)
	setString("OPENMECH_RPC_URL", &c.Web3.RPCURL)
	setString("OPENMECH_LOG_LEVEL", &c.Logging.Level)
	setString("OPENMECH_ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	if value := strings.TrimSpace(os.Getenv("OPENMECH_KAFKA_BROKERS")); value != "" {
		c.Events.Kafka.Brokers = strings.Split(value, ",")
	}
	if value := strings.TrimSpace(os.Getenv("OPENMECH_LATENCY_MS")); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			c.Lifecycle.LatencyMillis = ms
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.Runtime.DataDir, "openmech.db")
	} else if c.Storage.SQLite.Path != ":memory:" && !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "openmech"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 1
	}

	if c.Simulator.Model == "" {
		c.Simulator.Model = simulator.ModelElapsed
	}

	if c.Web3.Mode == "" {
		c.Web3.Mode = "simulated"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "OPENMECH_PRIVATE_KEY"
	}
	if c.Web3.PrivateKey == "" {
		c.Web3.PrivateKey = strings.TrimSpace(os.Getenv(c.Web3.PrivateKeyEnv))
	}

	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Alerting.WebhookURL == "" && c.Alerting.SlackWebhookURL == "" {
		c.Alerting.Log = true
	}
}
