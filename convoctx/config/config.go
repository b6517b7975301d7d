package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig stores the durable session store connection details.
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`           // libsql DSN or file: path
	AuthToken    string        `mapstructure:"auth_token"`    // remote turso auth token, empty for embedded
	QueryTimeout time.Duration `mapstructure:"query_timeout"` // per-call deadline for store operations
}

// CacheConfig stores session cache limits.
type CacheConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"` // LRU capacity
	TTL         time.Duration `mapstructure:"ttl"`          // entry time-to-live
}

// LifecycleConfig stores session lifecycle policy.
type LifecycleConfig struct {
	MemoryTTL          time.Duration `mapstructure:"memory_ttl"`            // cache-resident session lifetime
	DatabaseTTL        time.Duration `mapstructure:"database_ttl"`          // persisted session lifetime
	MaxSessionsPerUser int           `mapstructure:"max_sessions_per_user"` // per-user session cap
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`      // background sweep period
	CleanupConcurrency int           `mapstructure:"cleanup_concurrency"`   // parallel delete batches per sweep stage
}

// AnalysisConfig stores heuristic analyzer settings.
type AnalysisConfig struct {
	RulesPath           string  `mapstructure:"rules_path"`            // optional external rule table (JSON)
	WatchRules          bool    `mapstructure:"watch_rules"`           // hot-reload the rule table on change
	ResearchThreshold   float64 `mapstructure:"research_threshold"`    // complexity score that triggers research
	RelevanceFloor      float64 `mapstructure:"relevance_floor"`       // minimum history relevance score
	RecentHistoryWindow int     `mapstructure:"recent_history_window"` // turns considered "recent" by analyzers
}

// LoggingConfig stores zerolog output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // trace|debug|info|warn|error
	Pretty bool   `mapstructure:"pretty"` // console writer instead of JSON
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("etc/convoctx")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("CONVOCTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and env are enough to run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the subsystem cannot run with.
func (c *Config) Validate() error {
	if c.Cache.MaxSessions <= 0 {
		return fmt.Errorf("cache.max_sessions must be positive: %d", c.Cache.MaxSessions)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive: %s", c.Cache.TTL)
	}
	if c.Lifecycle.DatabaseTTL < c.Lifecycle.MemoryTTL {
		return fmt.Errorf("lifecycle.database_ttl %s must not be shorter than lifecycle.memory_ttl %s",
			c.Lifecycle.DatabaseTTL, c.Lifecycle.MemoryTTL)
	}
	if c.Lifecycle.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("lifecycle.max_sessions_per_user must be positive: %d", c.Lifecycle.MaxSessionsPerUser)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Database defaults (embedded libsql)
	v.SetDefault("database.dsn", "file:data/convoctx.db")
	v.SetDefault("database.auth_token", "")
	v.SetDefault("database.query_timeout", "5s")

	// Cache defaults
	v.SetDefault("cache.max_sessions", 1000)
	v.SetDefault("cache.ttl", "30m")

	// Lifecycle defaults
	v.SetDefault("lifecycle.memory_ttl", "30m")
	v.SetDefault("lifecycle.database_ttl", "168h") // 7 days
	v.SetDefault("lifecycle.max_sessions_per_user", 10)
	v.SetDefault("lifecycle.cleanup_interval", "24h")
	v.SetDefault("lifecycle.cleanup_concurrency", 4)

	// Analysis defaults
	v.SetDefault("analysis.rules_path", "")
	v.SetDefault("analysis.watch_rules", false)
	v.SetDefault("analysis.research_threshold", 15.0)
	v.SetDefault("analysis.relevance_floor", 0.3)
	v.SetDefault("analysis.recent_history_window", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}
