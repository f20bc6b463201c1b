package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator service configuration. It is loaded once
// at startup from orchestrator.yaml plus environment overrides and validated
// before any run starts.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Research ResearchConfig `mapstructure:"research"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
}

// ServiceConfig contains basic service settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RingCapacity    int           `mapstructure:"ring_capacity"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ResearchConfig carries the orchestration knobs the core validates before
// accepting a run.
type ResearchConfig struct {
	MinWorkers       int           `mapstructure:"min_workers"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	DefaultWorkers   int           `mapstructure:"default_workers"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	SearchesPerAngle int           `mapstructure:"searches_per_angle"`
	// TokenWarnCeiling is a soft per-run token ceiling; 0 disables it.
	TokenWarnCeiling int `mapstructure:"token_warn_ceiling"`
	// MaxFactCheckClaims caps how many extracted claims are verified before
	// synthesis.
	MaxFactCheckClaims int `mapstructure:"max_fact_check_claims"`
}

// RedisConfig configures the evidence cache backend.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PostgresConfig configures the persistent store handoff.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// LLMConfig configures the model invocation service client.
type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
}

// SearchConfig configures the external search provider.
type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Depth      string        `mapstructure:"depth"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from CONFIG_PATH (default config/orchestrator.yaml)
// with RESEARCH_* environment overrides layered on top, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is tolerated; defaults plus env must still validate.
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8081)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.read_timeout", 10*time.Second)
	v.SetDefault("service.write_timeout", 10*time.Second)
	v.SetDefault("service.ring_capacity", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("research.min_workers", 4)
	v.SetDefault("research.max_workers", 20)
	v.SetDefault("research.default_workers", 4)
	v.SetDefault("research.max_iterations", 3)
	v.SetDefault("research.quality_threshold", 75.0)
	v.SetDefault("research.task_timeout", 90*time.Second)
	v.SetDefault("research.max_concurrency", 8)
	v.SetDefault("research.cache_ttl", 24*time.Hour)
	v.SetDefault("research.searches_per_angle", 2)
	v.SetDefault("research.token_warn_ceiling", 0)
	v.SetDefault("research.max_fact_check_claims", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "research")
	v.SetDefault("postgres.database", "research")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_connections", 10)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 30*time.Minute)

	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.requests_per_sec", 5.0)
	v.SetDefault("llm.burst", 10)

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.depth", "basic")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", 20*time.Second)
}

// Validate rejects a configuration that could not support a correct run.
// It runs once at startup; an invalid value fails the service before any
// query is accepted.
func (c *Config) Validate() error {
	r := c.Research
	if r.MinWorkers < 1 {
		return fmt.Errorf("research.min_workers must be >= 1, got %d", r.MinWorkers)
	}
	if r.MaxWorkers < r.MinWorkers {
		return fmt.Errorf("research.max_workers (%d) must be >= min_workers (%d)", r.MaxWorkers, r.MinWorkers)
	}
	if r.DefaultWorkers < r.MinWorkers || r.DefaultWorkers > r.MaxWorkers {
		return fmt.Errorf("research.default_workers (%d) must be within [%d, %d]", r.DefaultWorkers, r.MinWorkers, r.MaxWorkers)
	}
	if r.MaxIterations < 1 {
		return fmt.Errorf("research.max_iterations must be >= 1, got %d", r.MaxIterations)
	}
	if r.QualityThreshold < 0 || r.QualityThreshold > 100 {
		return fmt.Errorf("research.quality_threshold must be in [0, 100], got %v", r.QualityThreshold)
	}
	if r.TaskTimeout <= 0 {
		return fmt.Errorf("research.task_timeout must be positive, got %v", r.TaskTimeout)
	}
	if r.MaxConcurrency < 1 {
		return fmt.Errorf("research.max_concurrency must be >= 1, got %d", r.MaxConcurrency)
	}
	if r.CacheTTL <= 0 {
		return fmt.Errorf("research.cache_ttl must be positive, got %v", r.CacheTTL)
	}
	if r.SearchesPerAngle < 1 {
		return fmt.Errorf("research.searches_per_angle must be >= 1, got %d", r.SearchesPerAngle)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.RequestsPerSec <= 0 {
		return fmt.Errorf("llm.requests_per_sec must be positive, got %v", c.LLM.RequestsPerSec)
	}
	if c.Search.BaseURL == "" {
		return fmt.Errorf("search.base_url is required")
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search.max_results must be >= 1, got %d", c.Search.MaxResults)
	}
	return nil
}

// DSN renders the Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}
