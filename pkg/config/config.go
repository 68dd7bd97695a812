package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// Config is the full server configuration. Values are resolved from
// defaults, then an optional YAML file, then JOBMON_-prefixed environment
// variables, later sources winning.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabaseURI selects the store: empty or "memory" runs the in-memory
	// store, anything else is a postgres DSN.
	DatabaseURI string `mapstructure:"database_uri"`

	// AuthEnabled turns on username ownership checks on mutating
	// workflow endpoints.
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// HeartbeatInterval is how often run controllers write their lease
	// heartbeat, independently of the poll cycle.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// HeartbeatReportByBuffer is how far ahead of now report-by deadlines
	// are pushed on each heartbeat.
	HeartbeatReportByBuffer time.Duration `mapstructure:"heartbeat_report_by_buffer"`

	// ReaperInterval is the period between reaper sweeps.
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`

	// MaxConcurrentlyRunning is the default workflow concurrency cap
	// applied when a bind does not set one.
	MaxConcurrentlyRunning int `mapstructure:"max_concurrently_running"`

	// SwarmPollInterval is the run-controller cycle period.
	SwarmPollInterval time.Duration `mapstructure:"swarm_poll_interval"`

	// RateLimit caps requests per second per client; zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`

	Logging LoggingConfig `mapstructure:"logging"`

	// QueuesFile points to a YAML file of scheduler queue definitions.
	QueuesFile string `mapstructure:"queues_file"`

	// Queues may also be defined inline.
	Queues []QueueConfig `mapstructure:"queues"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QueueConfig is one scheduler queue and its limits.
type QueueConfig struct {
	Name              string  `mapstructure:"name" yaml:"name"`
	MaxCores          int     `mapstructure:"max_cores" yaml:"max_cores"`
	MaxMemoryGiB      float64 `mapstructure:"max_memory_gib" yaml:"max_memory_gib"`
	MaxRuntimeSeconds int64   `mapstructure:"max_runtime_seconds" yaml:"max_runtime_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8070")
	v.SetDefault("database_uri", "memory")
	v.SetDefault("auth_enabled", true)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("heartbeat_report_by_buffer", 90*time.Second)
	v.SetDefault("reaper_interval", 30*time.Second)
	v.SetDefault("max_concurrently_running", 10000)
	v.SetDefault("swarm_poll_interval", 3*time.Second)
	v.SetDefault("rate_limit", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load resolves the configuration. path may be empty; a missing explicit
// file is an error, a missing default search path is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JOBMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("jobmon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jobmon")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.QueuesFile != "" {
		queues, err := LoadQueues(cfg.QueuesFile)
		if err != nil {
			return nil, err
		}
		cfg.Queues = append(cfg.Queues, queues...)
	}
	return &cfg, nil
}

// LoadQueues reads scheduler queue definitions from a YAML file of the form
//
//	queues:
//	  - name: all.q
//	    max_memory_gib: 512
//	    max_runtime_seconds: 259200
func LoadQueues(path string) ([]QueueConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queues file: %w", err)
	}
	var doc struct {
		Queues []QueueConfig `yaml:"queues"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse queues file %s: %w", path, err)
	}
	return doc.Queues, nil
}

// QueueMap converts the configured queues to the limits map consumed by
// the scaling policy.
func (c *Config) QueueMap() map[string]types.Queue {
	out := make(map[string]types.Queue, len(c.Queues))
	for _, q := range c.Queues {
		out[q.Name] = types.Queue{
			Name:              q.Name,
			MaxCores:          q.MaxCores,
			MaxMemoryGiB:      q.MaxMemoryGiB,
			MaxRuntimeSeconds: q.MaxRuntimeSeconds,
		}
	}
	return out
}
