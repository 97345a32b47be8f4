package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"kamesync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Revision       string        `yaml:"revision"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
	RateLimit      RateConfig    `yaml:"rate_limit"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	PageSize      int           `yaml:"page_size"`
	SchemaVersion int           `yaml:"schema_version"`
}

type QueueConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	MaxFailures   int           `yaml:"max_failures"`
	ProbeBackoff  time.Duration `yaml:"probe_backoff"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен, ошибки отсутствия игнорируем
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.API.Token == "" || c.API.Token == "YOUR_API_TOKEN_HERE" {
		return errors.New("api token is required")
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Sync.SchemaVersion <= 0 {
		return errors.New("sync schema_version must be positive")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.wanikani.com/v2"
	}
	if c.API.Revision == "" {
		c.API.Revision = "20170710"
	}
	if c.API.Concurrency == 0 {
		c.API.Concurrency = models.DefaultConcurrency
	}
	if c.API.MaxAttempts == 0 {
		c.API.MaxAttempts = models.MaxDispatchAttempts
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = models.DefaultRequestTimeout
	}
	if c.API.PageTimeout == 0 {
		c.API.PageTimeout = models.PageRequestTimeout
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 1
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = models.DefaultConcurrency
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = time.Hour
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 500
	}
	if c.Sync.SchemaVersion == 0 {
		c.Sync.SchemaVersion = 1
	}

	if c.Queue.DrainInterval == 0 {
		c.Queue.DrainInterval = 5 * time.Minute
	}
	if c.Queue.MaxFailures == 0 {
		c.Queue.MaxFailures = models.MaxItemFailures
	}
	if c.Queue.ProbeBackoff == 0 {
		c.Queue.ProbeBackoff = models.ConnectivityBackoff
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
