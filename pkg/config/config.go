package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/seedvault/seedvault/pkg/types"
)

// Backend selects the durable entity store implementation
type Backend string

const (
	BackendBolt     Backend = "bolt"
	BackendPostgres Backend = "postgres"
)

// Config is the full worker-process configuration
type Config struct {
	// WorkerID identifies this process in leases and heartbeats.
	// Empty means a random ID is generated at startup.
	WorkerID string `yaml:"workerId"`

	DataDir       string `yaml:"dataDir" validate:"required"`
	DownloadsRoot string `yaml:"downloadsRoot" validate:"required"`

	Store    Backend `yaml:"store" validate:"oneof=bolt postgres"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr" validate:"required,hostname_port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
	} `yaml:"redis"`

	Log struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	MetricsAddr string `yaml:"metricsAddr"`

	Lease struct {
		Duration          time.Duration `yaml:"duration" validate:"gt=0"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval" validate:"gt=0"`
	} `yaml:"lease"`

	Recovery struct {
		CheckInterval     time.Duration `yaml:"checkInterval" validate:"gt=0"`
		StaleJobThreshold time.Duration `yaml:"staleJobThreshold" validate:"gt=0"`
	} `yaml:"recovery"`

	Retry struct {
		MaxCount    int           `yaml:"maxCount" validate:"gt=0"`
		BackoffBase time.Duration `yaml:"backoffBase" validate:"gt=0"`
		BackoffCap  time.Duration `yaml:"backoffCap" validate:"gt=0"`
	} `yaml:"retry"`

	Upload struct {
		PartSize               int64         `yaml:"partSize" validate:"gt=0"`
		DriveChunkSize         int64         `yaml:"driveChunkSize" validate:"gt=0"`
		ProgressUpdateInterval time.Duration `yaml:"progressUpdateInterval" validate:"gt=0"`
	} `yaml:"upload"`

	Torrent struct {
		// Engine names the registered download engine the worker binds.
		// The worker command refuses to start without a resolvable one.
		Engine string `yaml:"engine"`
	} `yaml:"torrent"`

	Tracker struct {
		Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
		Retries        int           `yaml:"retries" validate:"gt=0"`
		PublicFallback []string      `yaml:"publicFallback" validate:"min=1"`
	} `yaml:"tracker"`

	Health struct {
		WeakSeederThreshold    int32 `yaml:"weakSeederThreshold" validate:"gt=0"`
		HealthySeederThreshold int32 `yaml:"healthySeederThreshold" validate:"gt=0"`
	} `yaml:"health"`

	Cancel struct {
		PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
		SignalTTL    time.Duration `yaml:"signalTTL" validate:"gt=0"`
	} `yaml:"cancel"`

	Queue struct {
		Concurrency int           `yaml:"concurrency" validate:"gt=0"`
		PollEvery   time.Duration `yaml:"pollEvery" validate:"gt=0"`
		// RetryDelays applies only to queues that opt in to runtime-side
		// retry. Download/upload queues do not; the recovery monitor owns
		// their retry counter.
		RetryDelays []time.Duration `yaml:"retryDelays"`
	} `yaml:"queue"`

	// Queues maps a provider or job type to its named queue.
	Queues map[string]string `yaml:"queues" validate:"required"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "/var/lib/seedvault"
	cfg.DownloadsRoot = "/app/downloads"
	cfg.Store = BackendBolt
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Log.Level = "info"
	cfg.MetricsAddr = ":9464"
	cfg.Lease.Duration = 60 * time.Second
	cfg.Lease.HeartbeatInterval = 15 * time.Second
	cfg.Recovery.CheckInterval = time.Minute
	cfg.Recovery.StaleJobThreshold = 5 * time.Minute
	cfg.Retry.MaxCount = 5
	cfg.Retry.BackoffBase = 30 * time.Second
	cfg.Retry.BackoffCap = 30 * time.Minute
	cfg.Upload.PartSize = 10 << 20
	cfg.Upload.DriveChunkSize = 8 << 20
	cfg.Upload.ProgressUpdateInterval = 10 * time.Second
	cfg.Tracker.Timeout = 5 * time.Second
	cfg.Tracker.Retries = 3
	cfg.Tracker.PublicFallback = []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.tracker.cl:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://exodus.desync.com:6969/announce",
	}
	cfg.Health.WeakSeederThreshold = 3
	cfg.Health.HealthySeederThreshold = 8
	cfg.Cancel.PollInterval = 5 * time.Second
	cfg.Cancel.SignalTTL = 10 * time.Minute
	cfg.Queue.Concurrency = 4
	cfg.Queue.PollEvery = time.Second
	cfg.Queue.RetryDelays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	cfg.Queues = map[string]string{
		string(types.JobKindTorrent):      "torrents",
		string(types.ProviderGoogleDrive): "googledrive",
		string(types.ProviderAwsS3):       "s3",
		string(types.JobKindSync):         "sync",
	}
	return cfg
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store == BackendPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("invalid configuration: postgres store selected but postgres.dsn is empty")
	}
	return nil
}

// QueueFor resolves the named queue for a provider or job kind.
func (c *Config) QueueFor(key string) (string, bool) {
	q, ok := c.Queues[key]
	return q, ok
}
