// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Queue struct {
	Name                string        `mapstructure:"name"`
	DeadLetterName      string        `mapstructure:"dead_letter_name"`
	VisibilityTimeout   time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	ConcurrentWorkers   int           `mapstructure:"concurrent_workers"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MessageTimeout      time.Duration `mapstructure:"message_timeout"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

type RetryPolicy struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// Azure carries the identity and storage-account hints named in the
// external interfaces (spec §6). ConnectionString is a fallback when
// identity-based auth via StorageAccountName isn't configured.
type Azure struct {
	StorageAccountName string `mapstructure:"storage_account_name"`
	ConnectionString   string `mapstructure:"connection_string"`
	Region             string `mapstructure:"region"`
	ClientID           string `mapstructure:"client_id"`
}

type Cosmos struct {
	Endpoint      string `mapstructure:"endpoint"`
	Key           string `mapstructure:"key"`
	DatabaseName  string `mapstructure:"database_name"`
	ContainerName string `mapstructure:"container_name"`
}

// StructuredRule is an operator-editable jsonpath condition, evaluated
// against a failure's structured system context. It gives rule 3 of the
// classifier (the ignorable LLM-transient allowlist) a richer matching
// mode than plain substrings without touching ordered-rule semantics.
type StructuredRule struct {
	JSONPath string `mapstructure:"jsonpath"`
	Equals   string `mapstructure:"equals"`
}

// Classifier configures the Error Classifier's allowlists (spec §4.2).
// These are configuration, not hard-coded policy.
type Classifier struct {
	AllowRetries           bool             `mapstructure:"allow_retries"`
	IgnorableSubstrings    []string         `mapstructure:"ignorable_substrings"`
	IgnorableJSONPathRules []StructuredRule `mapstructure:"ignorable_jsonpath_rules"`
	RetryableSubstrings    []string         `mapstructure:"retryable_substrings"`
	NonRetryableSubstrings []string         `mapstructure:"non_retryable_substrings"`
	HardTerminationMarkers []string         `mapstructure:"hard_termination_markers"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Idempotency configures the Redis-backed duplicate-delivery guard.
type Idempotency struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Telemetry bounds the Telemetry Store's concurrency and history (spec §4.4).
type Telemetry struct {
	MaxConcurrentReads     int           `mapstructure:"max_concurrent_reads"`
	MaxConcurrentWrites    int           `mapstructure:"max_concurrent_writes"`
	ActivityHistoryLimit   int           `mapstructure:"activity_history_limit"`
	MessagePreviewMaxRunes int           `mapstructure:"message_preview_max_runes"`
	StaleProcessThreshold  time.Duration `mapstructure:"stale_process_threshold"`
}

type Config struct {
	Queue          Queue               `mapstructure:"queue"`
	RetryPolicy    RetryPolicy         `mapstructure:"retry_policy"`
	Azure          Azure               `mapstructure:"azure"`
	Cosmos         Cosmos              `mapstructure:"cosmos"`
	Classifier     Classifier          `mapstructure:"classifier"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Idempotency    Idempotency         `mapstructure:"idempotency"`
	Telemetry      Telemetry           `mapstructure:"telemetry"`
}

func defaultConfig() *Config {
	return &Config{
		Queue: Queue{
			Name:                "migration-requests",
			DeadLetterName:      "migration-requests-dlq",
			VisibilityTimeout:   5 * time.Minute,
			MaxAttempts:         5,
			ConcurrentWorkers:   4,
			PollInterval:        2 * time.Second,
			MessageTimeout:      10 * time.Minute,
			ShutdownGracePeriod: 2 * time.Second,
		},
		RetryPolicy: RetryPolicy{
			BaseDelay:         30 * time.Second,
			MaxDelay:          300 * time.Second,
			JitterFraction:    0.1,
			BackoffMultiplier: 2.0,
		},
		Azure: Azure{
			Region: "eastus",
		},
		Cosmos: Cosmos{
			DatabaseName:  "migration",
			ContainerName: "process-status",
		},
		Classifier: Classifier{
			AllowRetries: true,
			IgnorableSubstrings: []string{
				"service failed to complete",
				"upstream hiccup",
			},
			RetryableSubstrings: []string{
				"timeout", "timed out", "connection", "network",
				"service unavailable", "internal server error",
				"bad gateway", "gateway timeout", "temporarily unavailable",
				"429", "502", "503", "504", "rate limit", "throttle",
			},
			NonRetryableSubstrings: []string{
				"invalid", "malformed", "bad request", "unauthorized",
				"forbidden", "not found", "conflict", "unprocessable entity",
				"validation", "configuration",
			},
			HardTerminationMarkers: []string{
				"connection reset", "dns failure", "host unreachable",
			},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 5 * time.Second,
		},
		Idempotency: Idempotency{
			Enabled: true,
			Addr:    "localhost:6379",
			TTL:     15 * time.Minute,
		},
		Telemetry: Telemetry{
			MaxConcurrentReads:     50,
			MaxConcurrentWrites:    10,
			ActivityHistoryLimit:   100,
			MessagePreviewMaxRunes: 200,
			StaleProcessThreshold:  30 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file overlaid with environment
// variables, validates it, and returns it. A missing file is not an error;
// defaults plus environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.dead_letter_name", def.Queue.DeadLetterName)
	v.SetDefault("queue.visibility_timeout", def.Queue.VisibilityTimeout)
	v.SetDefault("queue.max_attempts", def.Queue.MaxAttempts)
	v.SetDefault("queue.concurrent_workers", def.Queue.ConcurrentWorkers)
	v.SetDefault("queue.poll_interval", def.Queue.PollInterval)
	v.SetDefault("queue.message_timeout", def.Queue.MessageTimeout)
	v.SetDefault("queue.shutdown_grace_period", def.Queue.ShutdownGracePeriod)

	v.SetDefault("retry_policy.base_delay", def.RetryPolicy.BaseDelay)
	v.SetDefault("retry_policy.max_delay", def.RetryPolicy.MaxDelay)
	v.SetDefault("retry_policy.jitter_fraction", def.RetryPolicy.JitterFraction)
	v.SetDefault("retry_policy.backoff_multiplier", def.RetryPolicy.BackoffMultiplier)

	v.SetDefault("azure.region", def.Azure.Region)
	v.SetDefault("cosmos.database_name", def.Cosmos.DatabaseName)
	v.SetDefault("cosmos.container_name", def.Cosmos.ContainerName)

	v.SetDefault("classifier.allow_retries", def.Classifier.AllowRetries)
	v.SetDefault("classifier.ignorable_substrings", def.Classifier.IgnorableSubstrings)
	v.SetDefault("classifier.ignorable_jsonpath_rules", def.Classifier.IgnorableJSONPathRules)
	v.SetDefault("classifier.retryable_substrings", def.Classifier.RetryableSubstrings)
	v.SetDefault("classifier.non_retryable_substrings", def.Classifier.NonRetryableSubstrings)
	v.SetDefault("classifier.hard_termination_markers", def.Classifier.HardTerminationMarkers)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("idempotency.enabled", def.Idempotency.Enabled)
	v.SetDefault("idempotency.addr", def.Idempotency.Addr)
	v.SetDefault("idempotency.ttl", def.Idempotency.TTL)

	v.SetDefault("telemetry.max_concurrent_reads", def.Telemetry.MaxConcurrentReads)
	v.SetDefault("telemetry.max_concurrent_writes", def.Telemetry.MaxConcurrentWrites)
	v.SetDefault("telemetry.activity_history_limit", def.Telemetry.ActivityHistoryLimit)
	v.SetDefault("telemetry.message_preview_max_runes", def.Telemetry.MessagePreviewMaxRunes)
	v.SetDefault("telemetry.stale_process_threshold", def.Telemetry.StaleProcessThreshold)

	// Bind the literal environment variables named in spec §6, which don't
	// follow the dotted mapstructure naming convention.
	_ = v.BindEnv("azure.storage_account_name", "STORAGE_ACCOUNT_NAME")
	_ = v.BindEnv("azure.connection_string", "AZURE_STORAGE_CONNECTION_STRING")
	_ = v.BindEnv("cosmos.endpoint", "COSMOS_DB_ENDPOINT")
	_ = v.BindEnv("cosmos.key", "COSMOS_DB_KEY")
	_ = v.BindEnv("cosmos.database_name", "RAI_COSMOS_DB_NAME")
	_ = v.BindEnv("cosmos.container_name", "RAI_COSMOS_CONTAINER_NAME")
	_ = v.BindEnv("classifier.allow_retries", "ALLOW_RETRIES")
	_ = v.BindEnv("azure.region", "AZURE_REGION")
	_ = v.BindEnv("azure.client_id", "AZURE_CLIENT_ID")

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.ConcurrentWorkers < 1 {
		return fmt.Errorf("queue.concurrent_workers must be >= 1")
	}
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be set")
	}
	if cfg.Queue.DeadLetterName == "" {
		return fmt.Errorf("queue.dead_letter_name must be set")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be > 0")
	}
	if cfg.RetryPolicy.BaseDelay <= 0 {
		return fmt.Errorf("retry_policy.base_delay must be > 0")
	}
	if cfg.RetryPolicy.MaxDelay < cfg.RetryPolicy.BaseDelay {
		return fmt.Errorf("retry_policy.max_delay must be >= base_delay")
	}
	if cfg.RetryPolicy.JitterFraction < 0 || cfg.RetryPolicy.JitterFraction > 1 {
		return fmt.Errorf("retry_policy.jitter_fraction must be in [0,1]")
	}
	if cfg.RetryPolicy.BackoffMultiplier <= 1 {
		return fmt.Errorf("retry_policy.backoff_multiplier must be > 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Telemetry.MaxConcurrentReads < 1 || cfg.Telemetry.MaxConcurrentWrites < 1 {
		return fmt.Errorf("telemetry concurrency bounds must be >= 1")
	}
	return nil
}
