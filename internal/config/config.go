package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Log         LogConfig         `mapstructure:"log"`
	IDGen       IDGenConfig       `mapstructure:"idgen"`
	Lock        LockConfig        `mapstructure:"lock"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Subsidy     SubsidyConfig     `mapstructure:"subsidy"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Offline     OfflineConfig     `mapstructure:"offline"`
	DualWrite   DualWriteConfig   `mapstructure:"dualwrite"`
	Business    BusinessConfig    `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvent string `mapstructure:"ledger_event"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type IDGenConfig struct {
	Node int64 `mapstructure:"node"`
}

// LockConfig 账户锁配置
type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // redis | redsync
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	LeaseTimeout  time.Duration `mapstructure:"lease_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type LedgerConfig struct {
	CASMaxRetries int `mapstructure:"cas_max_retries"`
}

type IdempotencyConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type SubsidyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SagaConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RecoverySpec string        `mapstructure:"recovery_spec"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	BatchSize    int           `mapstructure:"batch_size"`
	Lease        time.Duration `mapstructure:"lease"`         // 推进单个编排时持有的租约
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // 瞬时失败后首次重试的等待，之后翻倍
}

type OfflineConfig struct {
	SyncSpec   string        `mapstructure:"sync_spec"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetry   int           `mapstructure:"max_retry"`
	MutexLease time.Duration `mapstructure:"mutex_lease"`
}

type DualWriteConfig struct {
	Threshold     float64       `mapstructure:"threshold"`
	MinSamples    int64         `mapstructure:"min_samples"`
	SustainWindow time.Duration `mapstructure:"sustain_window"`
}

type BusinessConfig struct {
	MaxRetryCount   int           `mapstructure:"max_retry_count"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize int           `mapstructure:"outbox_batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.database", "campuspay")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_event", "campuspay.ledger.event")

	v.SetDefault("log.level", "info")
	v.SetDefault("idgen.node", 1)

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.wait_timeout", "3s")
	v.SetDefault("lock.lease_timeout", "10s")
	v.SetDefault("lock.retry_interval", "50ms")

	v.SetDefault("ledger.cas_max_retries", 3)
	v.SetDefault("idempotency.window", "1m")
	v.SetDefault("subsidy.enabled", true)

	v.SetDefault("saga.max_attempts", 3)
	v.SetDefault("saga.recovery_spec", "*/30 * * * * *")
	v.SetDefault("saga.stale_after", "2m")
	v.SetDefault("saga.batch_size", 50)
	v.SetDefault("saga.lease", "5m")
	v.SetDefault("saga.retry_backoff", "50ms")

	v.SetDefault("offline.sync_spec", "*/10 * * * * *")
	v.SetDefault("offline.batch_size", 200)
	v.SetDefault("offline.max_retry", 5)
	v.SetDefault("offline.mutex_lease", "5m")

	v.SetDefault("dualwrite.threshold", 0.999)
	v.SetDefault("dualwrite.min_samples", 10000)
	v.SetDefault("dualwrite.sustain_window", "24h")

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.outbox_interval", "200ms")
	v.SetDefault("business.outbox_batch_size", 100)
}

// Load 加载配置文件，环境变量 LEDGER_* 覆盖文件中的值（如 LEDGER_MYSQL_HOST）
func Load(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 只包含默认值的配置
func Default() *Config {
	cfg := &Config{}
	if err := newViper().Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func (c *Config) validate() error {
	switch c.Lock.Backend {
	case "redis", "redsync":
	default:
		return fmt.Errorf("lock.backend 取值错误: %q", c.Lock.Backend)
	}
	if c.Lock.WaitTimeout <= 0 || c.Lock.LeaseTimeout <= 0 {
		return fmt.Errorf("lock 超时配置必须大于0")
	}
	if c.Idempotency.Window <= 0 {
		return fmt.Errorf("idempotency.window 必须大于0")
	}
	if c.Saga.MaxAttempts <= 0 {
		return fmt.Errorf("saga.max_attempts 必须大于0")
	}
	if c.DualWrite.Threshold <= 0 || c.DualWrite.Threshold > 1 {
		return fmt.Errorf("dualwrite.threshold 取值范围 (0, 1]")
	}
	return nil
}
