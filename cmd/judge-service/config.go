package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"kadai/internal/common/cache"
	"kadai/internal/common/db"
	"kadai/internal/common/mq"
	"kadai/internal/common/storage"
	"kadai/internal/judge/pipeline"
	"kadai/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"github.com/zeromicro/go-zero/core/logx"
	"gopkg.in/yaml.v3"
)

// Deployment-specific values arrive through the environment; the config
// file carries tunables only. All six variables are required.
const (
	envDBURL         = "DB_URL"
	envResourcePath  = "RESOURCE_PATH"
	envUploadDirPath = "UPLOAD_DIR_PATH"
	envGuestUID      = "GUEST_UID"
	envGuestGID      = "GUEST_GID"
	envCgroupParent  = "CGROUP_PARENT"

	// envConfigPath overrides the -config flag when the flag is unset.
	envConfigPath = "JUDGE_CONFIG"
)

const (
	defaultSummaryTopic = "judge.summary.final"
	defaultProgressTTL  = 10 * time.Minute
)

// WorkerConfig holds dispatch loop settings.
type WorkerConfig struct {
	PoolSize int           `yaml:"poolSize"`
	Tick     time.Duration `yaml:"tick"`
}

// SandboxConfig holds container settings for the judge pipeline.
type SandboxConfig struct {
	BuildImage    string        `yaml:"buildImage"`
	RunImage      string        `yaml:"runImage"`
	WorkDir       string        `yaml:"workDir"`
	CpusetCPUs    string        `yaml:"cpusetCPUs"`
	BuildTimeout  time.Duration `yaml:"buildTimeout"`
	BuildMemoryMB int64         `yaml:"buildMemoryMB"`
}

// KafkaConfig holds Kafka producer settings. An empty broker list
// disables summary events.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	SummaryTopic string        `yaml:"summaryTopic"`
}

// ProblemCacheConfig holds TTLs for the problem read cache.
type ProblemCacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

// ProgressConfig holds progress mirror settings.
type ProgressConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ResourcePackConfig names the optional resource pack unpacked into
// RESOURCE_PATH at boot. The bucket comes from the minio section.
type ResourcePackConfig struct {
	Object string `yaml:"object"`
	SHA256 string `yaml:"sha256"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Worker   WorkerConfig        `yaml:"worker"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
	Problem  ProblemCacheConfig  `yaml:"problemCache"`
	Progress ProgressConfig      `yaml:"progress"`
	Respack  ResourcePackConfig  `yaml:"resourcePack"`

	// Overlaid from the environment, never read from the file.
	ResourcePath  string `yaml:"-"`
	UploadDirPath string `yaml:"-"`
	GuestUID      string `yaml:"-"`
	GuestGID      string `yaml:"-"`
	CgroupParent  string `yaml:"-"`
}

// Redis, MinIO and Kafka are optional integrations; the judge runs
// without them, it just skips the mirror, hydration and events.
func (c *AppConfig) redisEnabled() bool { return c.Redis.Addr != "" }
func (c *AppConfig) minioEnabled() bool { return c.MinIO.Endpoint != "" }
func (c *AppConfig) kafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the optional YAML file, overlays the required
// environment variables and fills defaults for anything still unset.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if cfg.redisEnabled() {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Kafka.SummaryTopic == "" {
		cfg.Kafka.SummaryTopic = defaultSummaryTopic
	}
	if cfg.Progress.TTL == 0 {
		cfg.Progress.TTL = defaultProgressTTL
	}
	if cfg.Respack.Object != "" && !cfg.minioEnabled() {
		return nil, fmt.Errorf("resourcePack.object is set but minio is not configured")
	}
	return &cfg, nil
}

// applyEnv overlays deployment values from the environment. The error
// lists every missing variable so a broken deployment surfaces in a
// single round.
func applyEnv(cfg *AppConfig) error {
	var missing []string
	require := func(key string) string {
		value := os.Getenv(key)
		if value == "" {
			missing = append(missing, key)
		}
		return value
	}
	cfg.Database.DSN = require(envDBURL)
	cfg.ResourcePath = require(envResourcePath)
	cfg.UploadDirPath = require(envUploadDirPath)
	cfg.GuestUID = require(envGuestUID)
	cfg.GuestGID = require(envGuestGID)
	cfg.CgroupParent = require(envCgroupParent)
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		Compression:  parseCompression(k.Compression),
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// toLogxConf mirrors the logger settings for the repository layer, which
// logs through go-zero logx. logx has no warn level, so warn maps to error.
func (c *AppConfig) toLogxConf() logx.LogConf {
	conf := logx.LogConf{
		ServiceName: "judge-service",
		Mode:        "console",
		Encoding:    "plain",
	}
	if strings.EqualFold(c.Logger.Format, "json") {
		conf.Encoding = "json"
	}
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "error", "severe":
		conf.Level = strings.ToLower(c.Logger.Level)
	case "warn":
		conf.Level = "error"
	}
	return conf
}

func (c *AppConfig) toPipelineConfig() pipeline.Config {
	return pipeline.Config{
		BuildImage:    c.Sandbox.BuildImage,
		RunImage:      c.Sandbox.RunImage,
		WorkDir:       c.Sandbox.WorkDir,
		ResourcePath:  c.ResourcePath,
		UploadDirPath: c.UploadDirPath,
		GuestUID:      c.GuestUID,
		GuestGID:      c.GuestGID,
		CgroupParent:  c.CgroupParent,
		CpusetCPUs:    c.Sandbox.CpusetCPUs,
		BuildTimeout:  c.Sandbox.BuildTimeout,
		BuildMemoryMB: c.Sandbox.BuildMemoryMB,
	}
}

// resolveConfigPath prefers the -config flag, then JUDGE_CONFIG. An
// empty result means defaults plus environment only.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envConfigPath)
}
