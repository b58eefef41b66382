// Package config handles configuration loading and validation for chunkmesh workers.
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chunkmesh/chunkmesh/pkg/bytesize"
)

// DatasetConfig locates the chunks of one dataset in object storage.
type DatasetConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"` // key prefix inside the bucket, may be empty
}

// StorageConfig selects the object storage backend.
type StorageConfig struct {
	Type      string `yaml:"type"`     // "s3" (default) or "disk"
	Endpoint  string `yaml:"endpoint"` // S3-compatible endpoint, empty for AWS
	Region    string `yaml:"region"`
	Root      string `yaml:"root"` // disk backend: directory holding one directory per bucket
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"` // optional, falls back to the default AWS credential chain
	SecretKey string `yaml:"secret_key"`
}

// DownloadConfig bounds chunk downloads.
type DownloadConfig struct {
	ConcurrentDownloads int           `yaml:"concurrent_downloads"`
	PartSize            bytesize.Size `yaml:"part_size"`
	PartConcurrency     int           `yaml:"part_concurrency"`
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	MaxDownloadRate     bytesize.Rate `yaml:"max_download_rate"` // 0 = unlimited
}

// QueryConfig bounds query execution.
type QueryConfig struct {
	ParallelQueries int           `yaml:"parallel_queries"`
	QueuedQueries   int           `yaml:"queued_queries"`
	ResponseBuffer  bytesize.Size `yaml:"response_buffer"` // result bytes held back before streaming
}

// RouterConfig configures the assignment poller. Disabled when URL is empty.
type RouterConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	AuthToken    string        `yaml:"auth_token"`
}

// SchedulerConfig configures the assignment push channel. Disabled when URL is empty.
type SchedulerConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// GatewaysConfig controls which gateways may query and how much.
type GatewaysConfig struct {
	JWTSecret       string  `yaml:"jwt_secret"`      // empty trusts the X-Gateway-ID header
	AllocationRate  float64 `yaml:"allocation_rate"` // queries per second per gateway, 0 = unlimited
	AllocationBurst int     `yaml:"allocation_burst"`
}

// TelemetryConfig configures the event collector. Events go to the debug
// log when CollectorURL is empty.
type TelemetryConfig struct {
	CollectorURL  string        `yaml:"collector_url"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config is the worker configuration.
type Config struct {
	WorkerID  string                   `yaml:"worker_id"` // derived from the worker key when empty
	KeyPath   string                   `yaml:"key_path"`  // ed25519 identity key, created on first start
	DataDir   string                   `yaml:"data_dir"`
	Listen    string                   `yaml:"listen"`
	LogLevel  string                   `yaml:"log_level"`
	Datasets  map[string]DatasetConfig `yaml:"datasets"`
	Storage   StorageConfig            `yaml:"storage"`
	Download  DownloadConfig           `yaml:"download"`
	Query     QueryConfig              `yaml:"query"`
	Router    RouterConfig             `yaml:"router"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Gateways  GatewaysConfig           `yaml:"gateways"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
}

// unset marks a setting whose zero value is meaningful and that was not configured.
const unset = math.MinInt

// overrides are the settings that can be changed from the environment.
// Zero values leave the file setting untouched.
type overrides struct {
	WorkerID        string        `env:"CHUNKMESH_WORKER_ID"`
	DataDir         string        `env:"CHUNKMESH_DATA_DIR"`
	Listen          string        `env:"CHUNKMESH_LISTEN"`
	LogLevel        string        `env:"CHUNKMESH_LOG_LEVEL"`
	StorageEndpoint string        `env:"CHUNKMESH_STORAGE_ENDPOINT"`
	AccessKey       string        `env:"CHUNKMESH_STORAGE_ACCESS_KEY"`
	SecretKey       string        `env:"CHUNKMESH_STORAGE_SECRET_KEY"`
	Downloads       int           `env:"CHUNKMESH_CONCURRENT_DOWNLOADS"`
	DownloadRate    bytesize.Rate `env:"CHUNKMESH_MAX_DOWNLOAD_RATE"`
	ParallelQueries int           `env:"PARALLEL_QUERIES"`
	QueuedQueries   string        `env:"QUEUED_QUERIES"`
	RouterURL       string        `env:"CHUNKMESH_ROUTER_URL"`
	RouterToken     string        `env:"CHUNKMESH_ROUTER_AUTH_TOKEN"`
	SchedulerURL    string        `env:"CHUNKMESH_SCHEDULER_URL"`
	JWTSecret       string        `env:"CHUNKMESH_JWT_SECRET"`
	CollectorURL    string        `env:"CHUNKMESH_COLLECTOR_URL"`
	PingInterval    time.Duration `env:"CHUNKMESH_PING_INTERVAL"`
}

// Load reads the configuration from a YAML file, applies environment
// overrides (an optional .env file in the working directory is loaded first)
// and fills in defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Query: QueryConfig{QueuedQueries: unset}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.WorkerID, o.WorkerID)
	set(&c.DataDir, o.DataDir)
	set(&c.Listen, o.Listen)
	set(&c.LogLevel, o.LogLevel)
	set(&c.Storage.Endpoint, o.StorageEndpoint)
	set(&c.Storage.AccessKey, o.AccessKey)
	set(&c.Storage.SecretKey, o.SecretKey)
	set(&c.Router.URL, o.RouterURL)
	set(&c.Router.AuthToken, o.RouterToken)
	set(&c.Scheduler.URL, o.SchedulerURL)
	set(&c.Gateways.JWTSecret, o.JWTSecret)
	set(&c.Telemetry.CollectorURL, o.CollectorURL)

	if o.Downloads > 0 {
		c.Download.ConcurrentDownloads = o.Downloads
	}
	if o.DownloadRate > 0 {
		c.Download.MaxDownloadRate = o.DownloadRate
	}
	if o.ParallelQueries > 0 {
		c.Query.ParallelQueries = o.ParallelQueries
	}
	// QUEUED_QUERIES=0 is meaningful: reject when every slot is busy.
	if o.QueuedQueries != "" {
		n, err := strconv.Atoi(o.QueuedQueries)
		if err != nil {
			return fmt.Errorf("invalid QUEUED_QUERIES %q: %w", o.QueuedQueries, err)
		}
		c.Query.QueuedQueries = n
	}
	if o.PingInterval > 0 {
		c.Router.PingInterval = o.PingInterval
		c.Scheduler.PingInterval = o.PingInterval
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/chunkmesh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.DataDir, "worker.key")
	}
	c.KeyPath = expandHome(c.KeyPath)
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "s3"
	}
	c.Storage.Root = expandHome(c.Storage.Root)

	d := &c.Download
	if d.ConcurrentDownloads == 0 {
		d.ConcurrentDownloads = 3
	}
	if d.PartSize == 0 {
		d.PartSize = bytesize.Size(32 * bytesize.MB)
	}
	if d.PartConcurrency == 0 {
		d.PartConcurrency = 4
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = time.Second
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = time.Minute
	}

	if c.Query.ParallelQueries == 0 {
		c.Query.ParallelQueries = 3
	}
	// queued_queries keeps an explicit 0; only an absent value gets the default.
	if c.Query.QueuedQueries == unset {
		c.Query.QueuedQueries = 15
	}
	if c.Query.ResponseBuffer == 0 {
		c.Query.ResponseBuffer = bytesize.Size(64 * bytesize.KB)
	}

	if c.Router.PingInterval == 0 {
		c.Router.PingInterval = 10 * time.Second
	}
	if c.Scheduler.PingInterval == 0 {
		c.Scheduler.PingInterval = 10 * time.Second
	}

	if c.Gateways.AllocationRate > 0 && c.Gateways.AllocationBurst == 0 {
		c.Gateways.AllocationBurst = max(1, int(c.Gateways.AllocationRate))
	}

	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = 100
	}
	if c.Telemetry.FlushInterval == 0 {
		c.Telemetry.FlushInterval = 5 * time.Second
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset is required")
	}
	for name, ds := range c.Datasets {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid dataset name %q", name)
		}
		if ds.Bucket == "" {
			return fmt.Errorf("datasets.%s.bucket is required", name)
		}
	}

	switch c.Storage.Type {
	case "s3":
	case "disk":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for disk storage")
		}
	default:
		return fmt.Errorf("storage.type must be s3 or disk, got %q", c.Storage.Type)
	}

	d := c.Download
	if d.ConcurrentDownloads < 1 {
		return fmt.Errorf("download.concurrent_downloads must be at least 1")
	}
	if d.PartSize < bytesize.Size(bytesize.KB) {
		return fmt.Errorf("download.part_size must be at least 1KB")
	}
	if d.PartConcurrency < 1 {
		return fmt.Errorf("download.part_concurrency must be at least 1")
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("download.max_attempts must be at least 1")
	}
	if d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("download.max_backoff must not be less than download.initial_backoff")
	}
	if d.MaxDownloadRate < 0 {
		return fmt.Errorf("download.max_download_rate must not be negative")
	}

	if c.Query.ParallelQueries < 1 {
		return fmt.Errorf("query.parallel_queries must be at least 1")
	}
	if c.Query.QueuedQueries < 0 {
		return fmt.Errorf("query.queued_queries must not be negative")
	}
	if c.Query.ResponseBuffer < 0 {
		return fmt.Errorf("query.response_buffer must not be negative")
	}

	for name, raw := range map[string]string{
		"router.url":              c.Router.URL,
		"scheduler.url":           c.Scheduler.URL,
		"telemetry.collector_url": c.Telemetry.CollectorURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	if c.Scheduler.URL != "" && !strings.HasPrefix(c.Scheduler.URL, "ws://") && !strings.HasPrefix(c.Scheduler.URL, "wss://") {
		return fmt.Errorf("scheduler.url must use ws:// or wss://")
	}

	if c.Gateways.AllocationRate < 0 {
		return fmt.Errorf("gateways.allocation_rate must not be negative")
	}
	return nil
}
