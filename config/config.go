// Package config loads the service configuration: a YAML file on top of
// the defaults, then RNAQUEUE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Remote    RemoteConfig    `yaml:"remote"`
	Cmbuild   CmbuildConfig   `yaml:"cmbuild"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Queues    QueuesConfig    `yaml:"queues"`
}

type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	MaxUploadMB    int64    `yaml:"maxUploadMB"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	// Type is redis, nats or memory
	Type          string        `yaml:"type"`
	NATSURL       string        `yaml:"natsURL"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	AckWait       time.Duration `yaml:"ackWait"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	BaseURL   string `yaml:"baseURL"`
}

type RemoteConfig struct {
	BaseURL  string        `yaml:"baseURL"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

type CmbuildConfig struct {
	Binary  string `yaml:"binary"`
	TempDir string `yaml:"tempDir"`
}

type MongoConfig struct {
	// URI empty disables task history
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type TelemetryConfig struct {
	// Exporter is none, stdout or otlp
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
}

func DefaultConfig() *Config {
	maxRetries := 5
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		HTTP:  HTTPConfig{Addr: ":8080", MaxUploadMB: 512},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Broker: BrokerConfig{
			Type:          "redis",
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "rnaq.tasks",
			AckWait:       60 * time.Second,
		},
		Storage: StorageConfig{
			Endpoint: "localhost:9000",
			Bucket:   "trna",
		},
		Remote: RemoteConfig{
			BaseURL:  "http://localhost:2002",
			Timeout:  3000 * time.Second,
			Attempts: 1,
		},
		Cmbuild: CmbuildConfig{Binary: "cmbuild"},
		Mongo: MongoConfig{
			Database:   "rnaqueue",
			Collection: "task_events",
		},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: "rnaqueue"},
		Queues: QueuesConfig{
			Defaults: QueueConfig{
				Concurrency:   3,
				MaxRetries:    &maxRetries,
				RetryStrategy: "linear",
				RetryDelay:    5 * time.Second,
				LockTTL:       time.Hour,
			},
		},
	}
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Broker.Type {
	case "redis", "memory":
	case "nats":
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("broker.natsURL is required for the nats broker")
		}
	default:
		return fmt.Errorf("broker.type %q is not redis, nats or memory", c.Broker.Type)
	}
	if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
		return fmt.Errorf("storage.endpoint and storage.bucket are required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.baseURL is required")
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter %q is not none, stdout or otlp", c.Telemetry.Exporter)
	}
	if err := c.Queues.Defaults.validate("defaults"); err != nil {
		return err
	}
	for name, q := range c.Queues.Kinds {
		if err := q.validate("kinds." + name); err != nil {
			return err
		}
	}
	return nil
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads path (if set), applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RNAQUEUE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("RNAQUEUE_" + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	integer := func(name string, dst *int) {
		if v, ok := lookup("RNAQUEUE_" + name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, "RNAQUEUE_"+name)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup("RNAQUEUE_" + name); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, "RNAQUEUE_"+name)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup("RNAQUEUE_" + name); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, "RNAQUEUE_"+name)
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	str("BROKER", &c.Broker.Type)
	str("NATS_URL", &c.Broker.NATSURL)
	str("MINIO_ENDPOINT", &c.Storage.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.SecretKey)
	str("MINIO_BUCKET", &c.Storage.Bucket)
	boolean("MINIO_USE_SSL", &c.Storage.UseSSL)
	str("MINIO_BASE_URL", &c.Storage.BaseURL)
	str("REMOTE_URL", &c.Remote.BaseURL)
	duration("REMOTE_TIMEOUT", &c.Remote.Timeout)
	str("CMBUILD_BINARY", &c.Cmbuild.Binary)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DATABASE", &c.Mongo.Database)
	str("OTEL_EXPORTER", &c.Telemetry.Exporter)
	str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}
