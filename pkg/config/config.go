// Package config loads the daemon's YAML configuration. Every tunable
// has a default; an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Cloud     CloudConfig     `yaml:"cloud" mapstructure:"cloud"`
	Transfer  TransferConfig  `yaml:"transfer" mapstructure:"transfer"`
	Bus       BusConfig       `yaml:"bus" mapstructure:"bus"`
	Workers   WorkersConfig   `yaml:"workers" mapstructure:"workers"`
	Notify    []ChannelConfig `yaml:"notify" mapstructure:"notify"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" mapstructure:"listen_addr"`
	MetricsInterval time.Duration `yaml:"metrics_interval" mapstructure:"metrics_interval"`
}

type DatabaseConfig struct {
	Type string `yaml:"type" mapstructure:"type"` // sqlite or memory
	Path string `yaml:"path" mapstructure:"path"`
	// CatalogPath points at the media catalog database maintained by
	// the upstream sync. Empty disables catalog lookups.
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval" mapstructure:"interval"`
	LoadWeight        float64       `yaml:"load_weight" mapstructure:"load_weight"`
	HistoryWeight     float64       `yaml:"history_weight" mapstructure:"history_weight"`
	TransferWeight    float64       `yaml:"transfer_weight" mapstructure:"transfer_weight"`
	AutoDeployGrace   time.Duration `yaml:"auto_deploy_grace" mapstructure:"auto_deploy_grace"`
	BenchmarkInterval time.Duration `yaml:"benchmark_interval" mapstructure:"benchmark_interval"`
}

type JobsConfig struct {
	DefaultMaxRetries int             `yaml:"default_max_retries" mapstructure:"default_max_retries"`
	RetryBackoff      []time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	StuckAfter        time.Duration   `yaml:"stuck_after" mapstructure:"stuck_after"`
	WatchdogInterval  time.Duration   `yaml:"watchdog_interval" mapstructure:"watchdog_interval"`
}

type CloudConfig struct {
	Provider            string        `yaml:"provider" mapstructure:"provider"`
	APIKeyFile          string        `yaml:"api_key_file" mapstructure:"api_key_file"`
	APIBaseURL          string        `yaml:"api_base_url" mapstructure:"api_base_url"`
	SSHUser             string        `yaml:"ssh_user" mapstructure:"ssh_user"`
	SSHKeyFile          string        `yaml:"ssh_key_file" mapstructure:"ssh_key_file"`
	MonthlySpendCapUSD  float64       `yaml:"monthly_spend_cap_usd" mapstructure:"monthly_spend_cap_usd"`
	InstanceSpendCapUSD float64       `yaml:"instance_spend_cap_usd" mapstructure:"instance_spend_cap_usd"`
	PollInterval        time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout         time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	AutoDeployPlan      string        `yaml:"auto_deploy_plan" mapstructure:"auto_deploy_plan"`
	AutoDeployRegion    string        `yaml:"auto_deploy_region" mapstructure:"auto_deploy_region"`
	AutoDeployIdleMin   int           `yaml:"auto_deploy_idle_minutes" mapstructure:"auto_deploy_idle_minutes"`
}

type TransferConfig struct {
	ChunkThresholdBytes  int64   `yaml:"chunk_threshold_bytes" mapstructure:"chunk_threshold_bytes"`
	ChunkStreams         int     `yaml:"chunk_streams" mapstructure:"chunk_streams"`
	MinSizeRatio         float64 `yaml:"min_size_ratio" mapstructure:"min_size_ratio"`
	MaxSizeRatio         float64 `yaml:"max_size_ratio" mapstructure:"max_size_ratio"`
	DurationTolerancePct float64 `yaml:"duration_tolerance_pct" mapstructure:"duration_tolerance_pct"`
}

type BusConfig struct {
	BufferSize   int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
}

type WorkersConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// ChannelConfig describes one notification channel.
type ChannelConfig struct {
	Name    string            `yaml:"name" mapstructure:"name"`
	Type    string            `yaml:"type" mapstructure:"type"` // webhook
	URL     string            `yaml:"url" mapstructure:"url"`
	Enabled bool              `yaml:"enabled" mapstructure:"enabled"`
	Topics  []string          `yaml:"topics" mapstructure:"topics"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			MetricsInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "farmd.db",
		},
		Scheduler: SchedulerConfig{
			Interval:          5 * time.Second,
			LoadWeight:        0.35,
			HistoryWeight:     0.30,
			TransferWeight:    0.35,
			AutoDeployGrace:   2 * time.Minute,
			BenchmarkInterval: 24 * time.Hour,
		},
		Jobs: JobsConfig{
			DefaultMaxRetries: 3,
			RetryBackoff:      []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
			StuckAfter:        15 * time.Minute,
			WatchdogInterval:  time.Minute,
		},
		Cloud: CloudConfig{
			SSHUser:           "root",
			PollInterval:      10 * time.Second,
			PollTimeout:       10 * time.Minute,
			SweepInterval:     time.Minute,
			AutoDeployIdleMin: 30,
		},
		Transfer: TransferConfig{
			ChunkThresholdBytes:  1 << 30,
			ChunkStreams:         4,
			MinSizeRatio:         0.01,
			MaxSizeRatio:         3.0,
			DurationTolerancePct: 2.0,
		},
		Bus: BusConfig{
			BufferSize:   256,
			PingInterval: 30 * time.Second,
		},
		Workers: WorkersConfig{
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults. A
// missing file is not an error; FARMD_* environment variables override
// individual keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FARMD")
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.metrics_interval", d.Server.MetricsInterval)
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.load_weight", d.Scheduler.LoadWeight)
	v.SetDefault("scheduler.history_weight", d.Scheduler.HistoryWeight)
	v.SetDefault("scheduler.transfer_weight", d.Scheduler.TransferWeight)
	v.SetDefault("scheduler.auto_deploy_grace", d.Scheduler.AutoDeployGrace)
	v.SetDefault("scheduler.benchmark_interval", d.Scheduler.BenchmarkInterval)
	v.SetDefault("jobs.default_max_retries", d.Jobs.DefaultMaxRetries)
	v.SetDefault("jobs.retry_backoff", d.Jobs.RetryBackoff)
	v.SetDefault("jobs.stuck_after", d.Jobs.StuckAfter)
	v.SetDefault("jobs.watchdog_interval", d.Jobs.WatchdogInterval)
	v.SetDefault("cloud.ssh_user", d.Cloud.SSHUser)
	v.SetDefault("cloud.poll_interval", d.Cloud.PollInterval)
	v.SetDefault("cloud.poll_timeout", d.Cloud.PollTimeout)
	v.SetDefault("cloud.sweep_interval", d.Cloud.SweepInterval)
	v.SetDefault("cloud.auto_deploy_idle_minutes", d.Cloud.AutoDeployIdleMin)
	v.SetDefault("transfer.chunk_threshold_bytes", d.Transfer.ChunkThresholdBytes)
	v.SetDefault("transfer.chunk_streams", d.Transfer.ChunkStreams)
	v.SetDefault("transfer.min_size_ratio", d.Transfer.MinSizeRatio)
	v.SetDefault("transfer.max_size_ratio", d.Transfer.MaxSizeRatio)
	v.SetDefault("transfer.duration_tolerance_pct", d.Transfer.DurationTolerancePct)
	v.SetDefault("bus.buffer_size", d.Bus.BufferSize)
	v.SetDefault("bus.ping_interval", d.Bus.PingInterval)
	v.SetDefault("workers.heartbeat_timeout", d.Workers.HeartbeatTimeout)
	v.SetDefault("workers.sweep_interval", d.Workers.SweepInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.json", d.Logging.JSON)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	sum := c.Scheduler.LoadWeight + c.Scheduler.HistoryWeight + c.Scheduler.TransferWeight
	if sum <= 0 {
		return fmt.Errorf("scheduler weights sum to %.2f, need > 0", sum)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "memory" {
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}
	if c.Jobs.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must be >= 0")
	}
	if c.Transfer.ChunkStreams < 1 {
		return fmt.Errorf("chunk_streams must be >= 1")
	}
	if c.Cloud.Provider != "" {
		if c.Cloud.APIBaseURL == "" {
			return fmt.Errorf("cloud provider %q needs api_base_url", c.Cloud.Provider)
		}
		if c.Cloud.APIKeyFile == "" {
			return fmt.Errorf("cloud provider %q needs api_key_file", c.Cloud.Provider)
		}
	}
	for i, ch := range c.Notify {
		if ch.Name == "" {
			return fmt.Errorf("notify[%d]: channel needs a name", i)
		}
		if ch.Type != "webhook" {
			return fmt.Errorf("notify %s: unknown type %q", ch.Name, ch.Type)
		}
		if ch.URL == "" {
			return fmt.Errorf("notify %s: webhook needs a url", ch.Name)
		}
	}
	return nil
}

// WriteDefault writes the default configuration as a starting point,
// with durations in human form. Refuses to clobber an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(defaultTree())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultTree() map[string]interface{} {
	d := Default()
	backoff := make([]string, len(d.Jobs.RetryBackoff))
	for i, b := range d.Jobs.RetryBackoff {
		backoff[i] = b.String()
	}
	return map[string]interface{}{
		"server": map[string]interface{}{
			"listen_addr":      d.Server.ListenAddr,
			"metrics_interval": d.Server.MetricsInterval.String(),
		},
		"database": map[string]interface{}{
			"type":         d.Database.Type,
			"path":         d.Database.Path,
			"catalog_path": d.Database.CatalogPath,
		},
		"scheduler": map[string]interface{}{
			"interval":           d.Scheduler.Interval.String(),
			"load_weight":        d.Scheduler.LoadWeight,
			"history_weight":     d.Scheduler.HistoryWeight,
			"transfer_weight":    d.Scheduler.TransferWeight,
			"auto_deploy_grace":  d.Scheduler.AutoDeployGrace.String(),
			"benchmark_interval": d.Scheduler.BenchmarkInterval.String(),
		},
		"jobs": map[string]interface{}{
			"default_max_retries": d.Jobs.DefaultMaxRetries,
			"retry_backoff":       backoff,
			"stuck_after":         d.Jobs.StuckAfter.String(),
			"watchdog_interval":   d.Jobs.WatchdogInterval.String(),
		},
		"cloud": map[string]interface{}{
			"provider":                 d.Cloud.Provider,
			"ssh_user":                 d.Cloud.SSHUser,
			"ssh_key_file":             d.Cloud.SSHKeyFile,
			"monthly_spend_cap_usd":    d.Cloud.MonthlySpendCapUSD,
			"instance_spend_cap_usd":   d.Cloud.InstanceSpendCapUSD,
			"poll_interval":            d.Cloud.PollInterval.String(),
			"poll_timeout":             d.Cloud.PollTimeout.String(),
			"sweep_interval":           d.Cloud.SweepInterval.String(),
			"auto_deploy_plan":         d.Cloud.AutoDeployPlan,
			"auto_deploy_region":       d.Cloud.AutoDeployRegion,
			"auto_deploy_idle_minutes": d.Cloud.AutoDeployIdleMin,
		},
		"transfer": map[string]interface{}{
			"chunk_threshold_bytes":  d.Transfer.ChunkThresholdBytes,
			"chunk_streams":          d.Transfer.ChunkStreams,
			"min_size_ratio":         d.Transfer.MinSizeRatio,
			"max_size_ratio":         d.Transfer.MaxSizeRatio,
			"duration_tolerance_pct": d.Transfer.DurationTolerancePct,
		},
		"bus": map[string]interface{}{
			"buffer_size":   d.Bus.BufferSize,
			"ping_interval": d.Bus.PingInterval.String(),
		},
		"workers": map[string]interface{}{
			"heartbeat_timeout": d.Workers.HeartbeatTimeout.String(),
			"sweep_interval":    d.Workers.SweepInterval.String(),
		},
		"notify": []interface{}{},
		"logging": map[string]interface{}{
			"level": d.Logging.Level,
			"json":  d.Logging.JSON,
		},
	}
}
