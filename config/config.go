package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the prospector service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	PDFIndex  PDFIndexConfig  `mapstructure:"pdf_index"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxRunTime     time.Duration `mapstructure:"max_run_time"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	RunWorkers  int      `mapstructure:"run_workers"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // anthropic, openai
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model to use for different research tasks.
type LLMRoutingConfig struct {
	Coordination string `mapstructure:"coordination"` // agent loop planning and tool selection
	Extraction   string `mapstructure:"extraction"`   // entity summary and fact extraction
	Dedup        string `mapstructure:"dedup"`        // duplicate detection over summary pools
	Synthesis    string `mapstructure:"synthesis"`    // property synthesis for proposals
	Fallback     string `mapstructure:"fallback"`
}

// ResearchConfig bounds the agent loop and its sub-agents.
type ResearchConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"`
	PlanningRetries      int           `mapstructure:"planning_retries"`
	RequestRetries       int           `mapstructure:"request_retries"`
	ExtractionRetries    int           `mapstructure:"extraction_retries"`
	DedupRetries         int           `mapstructure:"dedup_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxConcurrentTools   int           `mapstructure:"max_concurrent_tools"`
	ReducedFactCount     int           `mapstructure:"reduced_fact_count"`
	SynthesizeProperties bool          `mapstructure:"synthesize_properties"`

	// CatalogPath points at the JSON ontology catalog tasks draw their
	// entity and link types from.
	CatalogPath string `mapstructure:"catalog_path"`
}

// FetchConfig contains web page fetching settings.
type FetchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxChars    int           `mapstructure:"max_chars"`
	UserAgent   string        `mapstructure:"user_agent"`
	UseHeadless bool          `mapstructure:"use_headless"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// PDFIndexConfig contains PDF indexing and ranking settings.
type PDFIndexConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	TopK         int           `mapstructure:"top_k"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a Postgres connection string from the configured fields,
// preferring an explicit URL when set.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

// LoadConfig loads configuration from file and environment variables.
// path may be empty, in which case the default search paths are used.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("prospector")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults plus env are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// MustLoadConfig loads configuration or exits the process.
func MustLoadConfig(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "60s")
	v.SetDefault("general.max_run_time", "30m")

	v.SetDefault("server.address", ":8787")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.run_workers", 2)

	v.SetDefault("llm.routing.coordination", "claude-sonnet")
	v.SetDefault("llm.routing.extraction", "claude-sonnet")
	v.SetDefault("llm.routing.dedup", "claude-haiku")
	v.SetDefault("llm.routing.synthesis", "claude-sonnet")
	v.SetDefault("llm.routing.fallback", "claude-haiku")

	v.SetDefault("research.max_iterations", 30)
	v.SetDefault("research.planning_retries", 3)
	v.SetDefault("research.request_retries", 3)
	v.SetDefault("research.extraction_retries", 3)
	v.SetDefault("research.dedup_retries", 5)
	v.SetDefault("research.retry_delay", "1s")
	v.SetDefault("research.max_concurrent_tools", 4)
	v.SetDefault("research.reduced_fact_count", 40)
	v.SetDefault("research.synthesize_properties", true)
	v.SetDefault("research.catalog_path", "config/ontology.json")

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_chars", 20000)
	v.SetDefault("fetch.user_agent", "prospector/1.0 (+https://github.com/mohammad-safakhou/prospector)")
	v.SetDefault("fetch.use_headless", false)
	v.SetDefault("fetch.cache_ttl", "1h")

	v.SetDefault("pdf_index.chunk_size", 1000)
	v.SetDefault("pdf_index.chunk_overlap", 200)
	v.SetDefault("pdf_index.top_k", 6)
	v.SetDefault("pdf_index.max_file_bytes", 33554432)
	v.SetDefault("pdf_index.timeout", "60s")

	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("telemetry.periodic_logs", false)
}

// overrideFromEnv overrides configuration with well-known environment variables.
func overrideFromEnv(v *viper.Viper) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		v.Set("llm.providers.anthropic.api_key", apiKey)
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		v.Set("llm.providers.openai.api_key", apiKey)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("server.jwt_secret", secret)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		v.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		v.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		v.Set("storage.postgres.port", port)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		v.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		v.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		v.Set("storage.postgres.dbname", db)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		v.Set("storage.redis.port", port)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("storage.redis.password", password)
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			v.Set("storage.redis.db", n)
		}
	}
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if len(config.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}

	routingModels := []string{
		config.LLM.Routing.Coordination,
		config.LLM.Routing.Extraction,
		config.LLM.Routing.Dedup,
		config.LLM.Routing.Synthesis,
		config.LLM.Routing.Fallback,
	}
	for _, model := range routingModels {
		if model == "" {
			continue
		}
		found := false
		for _, provider := range config.LLM.Providers {
			if _, ok := provider.Models[model]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("routing model %q not found in any provider", model)
		}
	}

	if config.Research.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be positive")
	}
	if config.Research.ReducedFactCount <= 0 {
		return fmt.Errorf("research.reduced_fact_count must be positive")
	}
	return nil
}
