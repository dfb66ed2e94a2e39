package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Dialog     DialogConfig     `mapstructure:"dialog"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	DB          int    `mapstructure:"db"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type ClassifierConfig struct {
	// Provider selects the oracle: "openai" or "keyword" (offline/dev).
	Provider     string        `mapstructure:"provider"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryDepth int           `mapstructure:"history_depth"`
}

type EscalationConfig struct {
	ConfidenceThreshold  float64       `mapstructure:"confidence_threshold"`
	RepeatedFailureCount int           `mapstructure:"repeated_failure_count"`
	FailureWindow        time.Duration `mapstructure:"failure_window"`
}

type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	ClientPerMinute int  `mapstructure:"client_per_minute"`
	GlobalPerMinute int  `mapstructure:"global_per_minute"`
	GlobalPerHour   int  `mapstructure:"global_per_hour"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type WebhookConfig struct {
	DefaultURL  string        `mapstructure:"default_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type DialogConfig struct {
	AutoCloseEnabled bool          `mapstructure:"auto_close_enabled"`
	FarewellAfter    time.Duration `mapstructure:"farewell_after"`
	CloseAfter       time.Duration `mapstructure:"close_after"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.2)
	v.SetDefault("classifier.provider", "openai")
	v.SetDefault("classifier.timeout", 30*time.Second)
	v.SetDefault("classifier.history_depth", 5)
	v.SetDefault("escalation.confidence_threshold", 0.85)
	v.SetDefault("escalation.repeated_failure_count", 2)
	v.SetDefault("escalation.failure_window", 2*time.Hour)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.client_per_minute", 10)
	v.SetDefault("rate_limit.global_per_minute", 60)
	v.SetDefault("rate_limit.global_per_hour", 1000)
	v.SetDefault("dedup.window", 5*time.Second)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.backoff_base", 2*time.Second)
	v.SetDefault("dialog.auto_close_enabled", true)
	v.SetDefault("dialog.farewell_after", 2*time.Minute)
	v.SetDefault("dialog.close_after", 3*time.Minute)
	v.SetDefault("dialog.scan_interval", 30*time.Second)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if addr := v.GetString("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	return &config, nil
}
