package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	BaseDir     string `yaml:"base_dir"`
	CookiesFile string `yaml:"cookies_file"`

	TaskTTL             time.Duration `yaml:"task_ttl"`
	TaskCleanupInterval time.Duration `yaml:"task_cleanup_interval"`

	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`

	Ytdlp    Ytdlp    `yaml:"ytdlp"`
	Registry Registry `yaml:"registry"`
	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	NATS     NATS     `yaml:"nats"`
}

type Ytdlp struct {
	Path           string        `yaml:"path"`
	FFmpegLocation string        `yaml:"ffmpeg_location"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	MergeFormat    string        `yaml:"merge_format"`
}

type Registry struct {
	Backend string `yaml:"backend"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Subject       string `yaml:"subject"`
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TaskTTL == 0 {
		c.TaskTTL = time.Hour
	}
	if c.TaskCleanupInterval <= 0 {
		c.TaskCleanupInterval = 5 * time.Minute
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.Ytdlp.Path == "" {
		c.Ytdlp.Path = "yt-dlp"
	}
	if c.Ytdlp.ProbeTimeout <= 0 {
		c.Ytdlp.ProbeTimeout = 120 * time.Second
	}
	if c.Ytdlp.MergeFormat == "" {
		c.Ytdlp.MergeFormat = "mp4"
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = BackendMemory
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is empty")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is empty")
	}
	if c.TaskTTL < 0 {
		return fmt.Errorf("task_ttl must be positive, got %s", c.TaskTTL)
	}
	if c.Ytdlp.ProbeTimeout > 120*time.Second {
		return fmt.Errorf("ytdlp.probe_timeout must not exceed 120s, got %s", c.Ytdlp.ProbeTimeout)
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is empty with registry.backend=redis")
		}
	default:
		return fmt.Errorf("registry.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Registry.Backend)
	}

	if c.MinIO.Enabled && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		return fmt.Errorf("minio.endpoint and minio.bucket are required when minio is enabled")
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("nats.url and nats.subject are required when nats is enabled")
	}
	return nil
}
