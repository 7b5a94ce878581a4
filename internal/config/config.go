// Package config loads and validates crawlmanager configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Shepherd  ShepherdConfig  `mapstructure:"shepherd"`
	Pools     []PoolConfig    `mapstructure:"pools"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig controls the coordination store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ShepherdConfig points at the browser-provisioning sidecar.
type ShepherdConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Flock    string            `mapstructure:"flock"`
	Browser  string            `mapstructure:"browser"`
	Environ  map[string]string `mapstructure:"environ"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// PoolConfig declares one browser pool.
type PoolConfig struct {
	Name        string        `mapstructure:"name"`
	Min         int           `mapstructure:"min"`
	Max         int           `mapstructure:"max"`
	Policy      string        `mapstructure:"policy"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// SchedulerConfig governs dispatch and retry behavior.
type SchedulerConfig struct {
	Workers          int           `mapstructure:"workers"`
	DefaultDeadline  time.Duration `mapstructure:"default_deadline"`
	RetryLimit       int           `mapstructure:"retry_limit"`
	AssignWait       time.Duration `mapstructure:"assign_wait"`
	MaxQueuedPerPool int           `mapstructure:"max_queued_per_pool"`
	DeadlinePriority bool          `mapstructure:"deadline_priority"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// ReconcileConfig governs the repair sweep.
type ReconcileConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	DeadThreshold    time.Duration `mapstructure:"dead_threshold"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	AssignStuck      time.Duration `mapstructure:"assign_stuck"`
	Retention        time.Duration `mapstructure:"retention"`
}

// ArchiveConfig controls the Postgres job-history sink.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// PubSubConfig holds metadata for lifecycle-event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "cm")
	v.SetDefault("shepherd.endpoint", "http://localhost:9020")
	v.SetDefault("shepherd.flock", "browsers")
	v.SetDefault("shepherd.timeout", "30s")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.default_deadline", "30m")
	v.SetDefault("scheduler.retry_limit", 3)
	v.SetDefault("scheduler.assign_wait", "30s")
	v.SetDefault("scheduler.max_queued_per_pool", 100)
	v.SetDefault("scheduler.lease_ttl", "60s")
	v.SetDefault("scheduler.poll_interval", "250ms")
	v.SetDefault("reconcile.interval", "15s")
	v.SetDefault("reconcile.dead_threshold", "90s")
	v.SetDefault("reconcile.provision_timeout", "2m")
	v.SetDefault("reconcile.assign_stuck", "2m")
	v.SetDefault("reconcile.retention", "24h")
	v.SetDefault("archive.table", "crawl_archive")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Shepherd.Endpoint == "" {
		return fmt.Errorf("shepherd.endpoint must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn must be set when archive is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[].name must be set")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Max < 0 || p.Min < 0 || p.Min > p.Max {
			return fmt.Errorf("pool %s: min/max must satisfy 0 <= min <= max", p.Name)
		}
		switch crawl.PoolPolicy(p.Policy) {
		case crawl.PoolFixed, crawl.PoolAuto:
		default:
			return fmt.Errorf("pool %s: policy must be %q or %q", p.Name, crawl.PoolFixed, crawl.PoolAuto)
		}
	}
	return nil
}

// PoolDefs converts the declared pools into store records.
func (c Config) PoolDefs() []crawl.Pool {
	pools := make([]crawl.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		pools = append(pools, crawl.Pool{
			Name:        p.Name,
			Min:         p.Min,
			Max:         p.Max,
			Policy:      crawl.PoolPolicy(p.Policy),
			IdleTimeout: p.IdleTimeout,
		})
	}
	return pools
}
