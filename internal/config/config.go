package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenFAM-Supply/internal/auth"
	"OpenFAM-Supply/internal/storage/mysql"
	"OpenFAM-Supply/internal/storage/redis"
	"OpenFAM-Supply/internal/target"
	"OpenFAM-Supply/pkg/logger"
	"OpenFAM-Supply/pkg/plugin"
)

// Config 描述 famsupplyd 启动时需要加载的全部配置。
type Config struct {
	Server    ServerConfig         `yaml:"server" json:"server"`
	Metrics   MetricsConfig        `yaml:"metrics" json:"metrics"`
	Log       logger.Config        `yaml:"log" json:"log"`
	Redis     redis.Config         `yaml:"redis" json:"redis"`
	Target    TargetConfig         `yaml:"target" json:"target"`
	Queue     QueueConfig          `yaml:"queue" json:"queue"`
	Ledger    LedgerConfig         `yaml:"ledger" json:"ledger"`
	Alerting  AlertingConfig       `yaml:"alerting" json:"alerting"`
	Suppliers plugin.ManagerConfig `yaml:"suppliers" json:"suppliers"`
	Runtime   RuntimeConfig        `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制管理接口的监听地址、认证与跨域来源。
// 未配置令牌与 JWT 密钥时管理接口不做认证。
type ServerConfig struct {
	Address     string `yaml:"address" json:"address"`
	auth.Config `yaml:",inline"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// MetricsConfig 控制 Prometheus 指标端口，Address 为空时不启动。
type MetricsConfig struct {
	Address string `yaml:"address" json:"address"`
}

// TargetConfig 选择接收文件的 FAM 目标，多个驱动会组合成扇出目标。
type TargetConfig struct {
	Drivers  []string              `yaml:"drivers" json:"drivers"`
	MySQL    mysql.Config          `yaml:"mysql" json:"mysql"`
	RabbitMQ target.RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// QueueConfig 选择工作队列实现。
type QueueConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// Prefix 与供应器 ID 拼接成每个供应器独立的队列名。
	Prefix    string        `yaml:"prefix" json:"prefix"`
	BlockWait time.Duration `yaml:"block_wait" json:"block_wait"`
	Size      int           `yaml:"size" json:"size"`
	RabbitURL string        `yaml:"rabbitmq_url" json:"rabbitmq_url"`
	Prefetch  int           `yaml:"prefetch" json:"prefetch"`
}

// LedgerConfig 选择去重账本实现。
type LedgerConfig struct {
	Driver string        `yaml:"driver" json:"driver"`
	Prefix string        `yaml:"prefix" json:"prefix"`
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Channels     []string `yaml:"channels" json:"channels"`
	RedisSubject string   `yaml:"redis_subject" json:"redis_subject"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// 支持的驱动名称。
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMySQL    = "mysql"
)

// Load 解析指定路径的配置文件。.json 文件先做 JSON 语法校验，
// 两种格式都按 YAML 规则解码，时长字段统一写成 "30s" 形式。
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

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容，不补默认值。
func Parse(content []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json":
		if !json.Valid(content) {
			return nil, errors.New("解析配置失败: 不是合法的 JSON")
		}
	case ".yaml", ".yml", "":
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8087"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if len(c.Target.Drivers) == 0 {
		c.Target.Drivers = []string{DriverMemory}
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverMemory
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "famsupply:queue:"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Ledger.Prefix == "" {
		c.Ledger.Prefix = "famsupply:ledger:"
	}
	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = []string{"log"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
	if c.Suppliers.PluginDir != "" && !filepath.IsAbs(c.Suppliers.PluginDir) {
		c.Suppliers.PluginDir = filepath.Join(baseDir, c.Suppliers.PluginDir)
	}

	// 暂存目录缺省或为相对路径时落在数据目录下。
	for id, inst := range c.Suppliers.Instances {
		if inst.Config == nil {
			inst.Config = map[string]any{}
		}
		staging, _ := inst.Config["staging_dir"].(string)
		switch {
		case staging == "" && inst.Kind != "relay":
			inst.Config["staging_dir"] = filepath.Join(c.Runtime.DataDir, "staging", id)
		case staging != "" && !filepath.IsAbs(staging):
			inst.Config["staging_dir"] = filepath.Join(c.Runtime.DataDir, staging)
		}
		c.Suppliers.Instances[id] = inst
	}
}

// Validate 检查驱动组合是否可用。
func (c *Config) Validate() error {
	for _, driver := range c.Target.Drivers {
		switch driver {
		case DriverMemory:
		case DriverMySQL:
			if c.Target.MySQL.DSN == "" {
				return errors.New("target.mysql.dsn 不能为空")
			}
		case DriverRabbitMQ:
			if c.Target.RabbitMQ.URL == "" {
				return errors.New("target.rabbitmq.url 不能为空")
			}
		default:
			return fmt.Errorf("未知的目标驱动: %s", driver)
		}
	}
	switch c.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if len(c.Redis.Addresses) == 0 {
			return errors.New("queue.driver=redis 需要配置 redis.addresses")
		}
	case DriverRabbitMQ:
		if c.Queue.RabbitURL == "" {
			return errors.New("queue.rabbitmq_url 不能为空")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverRedis:
		if len(c.Redis.Addresses) == 0 {
			return errors.New("ledger.driver=redis 需要配置 redis.addresses")
		}
	default:
		return fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver)
	}
	for _, ch := range c.Alerting.Channels {
		switch ch {
		case "log":
		case "redis":
			if len(c.Redis.Addresses) == 0 {
				return errors.New("alerting 使用 redis 渠道需要配置 redis.addresses")
			}
		default:
			return fmt.Errorf("未知的告警渠道: %s", ch)
		}
	}
	return c.Suppliers.Validate()
}

// UsesRedis 判断是否需要建立 Redis 连接。
func (c *Config) UsesRedis() bool {
	if c.Queue.Driver == DriverRedis || c.Ledger.Driver == DriverRedis {
		return true
	}
	for _, ch := range c.Alerting.Channels {
		if ch == "redis" {
			return true
		}
	}
	return false
}
