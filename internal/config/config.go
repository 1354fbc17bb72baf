// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Provider      ProviderConfig      `yaml:"provider"`
	Assembler     AssemblerConfig     `yaml:"assembler"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Database      DatabaseConfig      `yaml:"database"`
	Automation    AutomationConfig    `yaml:"automation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and process settings.
type ServiceConfig struct {
	Principal       string        `yaml:"principal"`
	Env             string        `yaml:"env"`
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCPort        string        `yaml:"grpc_port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig holds the meeting-bot provider API settings.
type ProviderConfig struct {
	APIKey                   string        `yaml:"api_key"`
	APIURL                   string        `yaml:"api_url"`
	WebhookBaseURL           string        `yaml:"webhook_base_url"`
	DefaultLanguage          string        `yaml:"default_language"`
	DefaultBotName           string        `yaml:"default_bot_name"`
	DefaultTranscriptionType string        `yaml:"default_transcription_type"`
	Model                    string        `yaml:"model"`
	PartialEvents            bool          `yaml:"partial_events"`
	Timeout                  time.Duration `yaml:"timeout"`
}

// AssemblerConfig controls intervention assembly.
type AssemblerConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	MaxFragments int           `yaml:"max_fragments"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	QueueSize    int           `yaml:"queue_size"`
	ReapAfter    time.Duration `yaml:"reap_after"` // idle bots release in-memory state (negative = never)
}

// KafkaConfig holds the intervention event publisher settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // sqlite, postgres, memory
	DSN             string `yaml:"dsn"`
	PersistPartials bool   `yaml:"persist_partials"`
}

// AutomationConfig holds the outbound automation webhook settings.
type AutomationConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json, console
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:       "svc-meeting-relay",
			HTTPAddr:        ":3000",
			GRPCPort:        "50051",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Provider: ProviderConfig{
			APIURL:                   "https://us-west-2.recall.ai/api/v1",
			DefaultLanguage:          "auto",
			DefaultBotName:           "Transcription Bot",
			DefaultTranscriptionType: "meeting_captions",
			Model:                    "nova-2",
			Timeout:                  15 * time.Second,
		},
		Assembler: AssemblerConfig{
			IdleTimeout:  5 * time.Second,
			DedupWindow:  time.Second,
			MaxFragments: 500,
			MaxDuration:  5 * time.Minute,
			QueueSize:    256,
			ReapAfter:    10 * time.Minute,
		},
		Kafka: KafkaConfig{
			TopicPartial: "meeting.intervention.partial",
			TopicFinal:   "meeting.intervention.final",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/relay.db",
		},
		Automation: AutomationConfig{
			Timeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration. CONFIG_FILE, when set, names a YAML file
// applied over the defaults; environment variables are applied last.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.Env = envOrDefault("ENV", cfg.Service.Env)
	cfg.Service.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.Service.HTTPAddr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		cfg.Service.HTTPAddr = ":" + port
	}
	cfg.Service.GRPCPort = envOrDefault("GRPC_PORT", cfg.Service.GRPCPort)
	cfg.Service.AllowedOrigins = envOrDefaultList("WS_ALLOWED_ORIGINS", cfg.Service.AllowedOrigins)
	cfg.Service.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", cfg.Service.ShutdownTimeout)

	cfg.Provider.APIKey = envOrDefault("PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.APIURL = envOrDefault("PROVIDER_API_URL", cfg.Provider.APIURL)
	cfg.Provider.WebhookBaseURL = envOrDefault("WEBHOOK_BASE_URL", cfg.Provider.WebhookBaseURL)
	cfg.Provider.DefaultLanguage = envOrDefault("PROVIDER_DEFAULT_LANGUAGE", cfg.Provider.DefaultLanguage)
	cfg.Provider.DefaultBotName = envOrDefault("PROVIDER_DEFAULT_BOT_NAME", cfg.Provider.DefaultBotName)
	cfg.Provider.DefaultTranscriptionType = envOrDefault("PROVIDER_TRANSCRIPTION_TYPE", cfg.Provider.DefaultTranscriptionType)
	cfg.Provider.Model = envOrDefault("PROVIDER_MODEL", cfg.Provider.Model)
	cfg.Provider.PartialEvents = envOrDefaultBool("PROVIDER_PARTIAL_EVENTS", cfg.Provider.PartialEvents)
	cfg.Provider.Timeout = envOrDefaultDuration("PROVIDER_TIMEOUT", cfg.Provider.Timeout)

	cfg.Assembler.IdleTimeout = envOrDefaultDuration("ASSEMBLER_IDLE_TIMEOUT", cfg.Assembler.IdleTimeout)
	cfg.Assembler.DedupWindow = envOrDefaultDuration("ASSEMBLER_DEDUP_WINDOW", cfg.Assembler.DedupWindow)
	cfg.Assembler.MaxFragments = envOrDefaultInt("ASSEMBLER_MAX_FRAGMENTS", cfg.Assembler.MaxFragments)
	cfg.Assembler.MaxDuration = envOrDefaultDuration("ASSEMBLER_MAX_DURATION", cfg.Assembler.MaxDuration)
	cfg.Assembler.QueueSize = envOrDefaultInt("SESSION_QUEUE_SIZE", cfg.Assembler.QueueSize)
	cfg.Assembler.ReapAfter = envOrDefaultDuration("ASSEMBLER_REAP_AFTER", cfg.Assembler.ReapAfter)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Database.Driver = strings.ToLower(envOrDefault("DB_DRIVER", cfg.Database.Driver))
	cfg.Database.DSN = envOrDefault("DB_DSN", cfg.Database.DSN)
	cfg.Database.PersistPartials = envOrDefaultBool("PERSIST_PARTIALS", cfg.Database.PersistPartials)

	cfg.Automation.WebhookURL = envOrDefault("N8N_WEBHOOK_URL", cfg.Automation.WebhookURL)
	cfg.Automation.Timeout = envOrDefaultDuration("AUTOMATION_TIMEOUT", cfg.Automation.Timeout)

	cfg.Observability.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat))
	cfg.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", cfg.Observability.MetricsAddr)
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Assembler.IdleTimeout <= 0 {
		errs = append(errs, errors.New("assembler idle timeout must be positive"))
	}
	if c.Assembler.DedupWindow < 0 {
		errs = append(errs, errors.New("assembler dedup window must not be negative"))
	}
	if c.Assembler.QueueSize <= 0 {
		errs = append(errs, errors.New("session queue size must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required when kafka is enabled"))
	}
	if c.Service.HTTPAddr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Observability.LogFormat))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
