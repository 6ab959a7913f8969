package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every environment-tunable setting recognized by the runtime:
// bus connection, queue names, retry policy, shared-state defaults, event
// channel naming, router concurrency, executor mode, and health tick
// parameters. It is loaded once at process start via LoadConfigFromEnv.
type Config struct {
	Redis    RedisConfig
	Queue    QueueConfig
	State    StateConfig
	Events   EventsConfig
	Router   RouterConfig
	Executor ExecutorConfig
	Health   HealthConfig
}

// RedisConfig is the bus/state/events backing store connection.
type RedisConfig struct {
	URL string
}

// QueueConfig names the four bus lists and the retry policy applied by
// fail().
type QueueConfig struct {
	Default       string
	High          string
	Critical      string
	DLQ           string
	MaxRetries    int
	RetryDelay    time.Duration
}

// StateConfig configures the shared K/V store (C2).
type StateConfig struct {
	Prefix     string
	DefaultTTL time.Duration
}

// EventsConfig names the event channel prefix (C3).
type EventsConfig struct {
	Prefix string
}

// RouterConfig bounds Consumer/Router concurrency (C5).
type RouterConfig struct {
	MaxConcurrency int
}

// ExecutorConfig configures the Executor Agent (C7).
type ExecutorConfig struct {
	Mode       string // "simulate" or "process"
	TimeoutMs  int
	ReportDir  string
	TestsDir   string
}

// HealthConfig configures the Agent Runtime health tick (C4).
type HealthConfig struct {
	IntervalMs        int
	FailureThreshold  int
	RecoveryThreshold int
}

// LoadConfigFromEnv builds a Config layered three ways, lowest precedence
// first: built-in defaults, then a YAML config file named by
// TESTORCH_CONFIG_FILE if set, then individual TESTORCH_* environment
// variables. This mirrors the deploy-time override pattern operators
// expect: ship a checked-in testorchd.yaml for the stable topology, let
// an env var punch through for a one-off.
func LoadConfigFromEnv() *Config {
	cfg := defaultConfig()

	if path := os.Getenv("TESTORCH_CONFIG_FILE"); path != "" {
		if err := mergeConfigFile(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "testorch: ignoring config file %s: %v\n", path, err)
		}
	}

	cfg.Redis.URL = getEnvOrDefault("TESTORCH_REDIS_URL", cfg.Redis.URL)
	cfg.Queue.Default = getEnvOrDefault("TESTORCH_QUEUE_DEFAULT", cfg.Queue.Default)
	cfg.Queue.High = getEnvOrDefault("TESTORCH_QUEUE_HIGH", cfg.Queue.High)
	cfg.Queue.Critical = getEnvOrDefault("TESTORCH_QUEUE_CRITICAL", cfg.Queue.Critical)
	cfg.Queue.DLQ = getEnvOrDefault("TESTORCH_QUEUE_DLQ", cfg.Queue.DLQ)
	cfg.Queue.MaxRetries = getEnvIntOrDefault("TESTORCH_MAX_RETRIES", cfg.Queue.MaxRetries)
	cfg.Queue.RetryDelay = time.Duration(getEnvIntOrDefault("TESTORCH_RETRY_DELAY_MS", int(cfg.Queue.RetryDelay/time.Millisecond))) * time.Millisecond
	cfg.State.Prefix = getEnvOrDefault("TESTORCH_STATE_PREFIX", cfg.State.Prefix)
	cfg.State.DefaultTTL = time.Duration(getEnvIntOrDefault("TESTORCH_STATE_DEFAULT_TTL_SEC", int(cfg.State.DefaultTTL/time.Second))) * time.Second
	cfg.Events.Prefix = getEnvOrDefault("TESTORCH_EVENTS_PREFIX", cfg.Events.Prefix)
	cfg.Router.MaxConcurrency = getEnvIntOrDefault("TESTORCH_MAX_CONCURRENCY", cfg.Router.MaxConcurrency)
	cfg.Executor.Mode = getEnvOrDefault("TESTORCH_EXECUTOR_MODE", cfg.Executor.Mode)
	cfg.Executor.TimeoutMs = getEnvIntOrDefault("TESTORCH_EXECUTOR_TIMEOUT_MS", cfg.Executor.TimeoutMs)
	cfg.Executor.ReportDir = getEnvOrDefault("TESTORCH_REPORT_DIR", cfg.Executor.ReportDir)
	cfg.Executor.TestsDir = getEnvOrDefault("TESTORCH_TESTS_DIR", cfg.Executor.TestsDir)
	cfg.Health.IntervalMs = getEnvIntOrDefault("TESTORCH_HEALTH_INTERVAL_MS", cfg.Health.IntervalMs)
	cfg.Health.FailureThreshold = getEnvIntOrDefault("TESTORCH_HEALTH_FAILURE_THRESHOLD", cfg.Health.FailureThreshold)
	cfg.Health.RecoveryThreshold = getEnvIntOrDefault("TESTORCH_HEALTH_RECOVERY_THRESHOLD", cfg.Health.RecoveryThreshold)

	return cfg
}

// defaultConfig returns the built-in production-sane defaults, before any
// YAML file or environment variable override is applied.
func defaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{URL: "redis://localhost:6379"},
		Queue: QueueConfig{
			Default:    "testorch:queue:default",
			High:       "testorch:queue:high",
			Critical:   "testorch:queue:critical",
			DLQ:        "testorch:queue:dlq",
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		State: StateConfig{
			Prefix:     "testorch:state",
			DefaultTTL: time.Hour,
		},
		Events: EventsConfig{Prefix: "testorch:events"},
		Router: RouterConfig{MaxConcurrency: 4},
		Executor: ExecutorConfig{
			Mode:      "simulate",
			TimeoutMs: 30000,
			ReportDir: "./reports",
			TestsDir:  "./tests",
		},
		Health: HealthConfig{
			IntervalMs:        10000,
			FailureThreshold:  3,
			RecoveryThreshold: 2,
		},
	}
}

// configFile mirrors Config for YAML unmarshaling (grounded on the
// teacher's orchestration.WorkflowDefinition/ParseWorkflowYAML). A zero
// value for any field means "not set in the file", the same convention
// getEnvOrDefault/getEnvIntOrDefault use for environment variables below.
type configFile struct {
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Queue struct {
		Default      string `yaml:"default"`
		High         string `yaml:"high"`
		Critical     string `yaml:"critical"`
		DLQ          string `yaml:"dlq"`
		MaxRetries   int    `yaml:"max_retries"`
		RetryDelayMs int    `yaml:"retry_delay_ms"`
	} `yaml:"queue"`
	State struct {
		Prefix        string `yaml:"prefix"`
		DefaultTTLSec int    `yaml:"default_ttl_sec"`
	} `yaml:"state"`
	Events struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"events"`
	Router struct {
		MaxConcurrency int `yaml:"max_concurrency"`
	} `yaml:"router"`
	Executor struct {
		Mode      string `yaml:"mode"`
		TimeoutMs int    `yaml:"timeout_ms"`
		ReportDir string `yaml:"report_dir"`
		TestsDir  string `yaml:"tests_dir"`
	} `yaml:"executor"`
	Health struct {
		IntervalMs        int `yaml:"interval_ms"`
		FailureThreshold  int `yaml:"failure_threshold"`
		RecoveryThreshold int `yaml:"recovery_threshold"`
	} `yaml:"health"`
}

// mergeConfigFile reads and parses a YAML config file at path, overlaying
// any fields it sets onto cfg. A missing or malformed file is returned as
// an error so the caller can log and fall back to defaults+env rather
// than failing process startup over an optional override file.
func mergeConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if file.Redis.URL != "" {
		cfg.Redis.URL = file.Redis.URL
	}
	if file.Queue.Default != "" {
		cfg.Queue.Default = file.Queue.Default
	}
	if file.Queue.High != "" {
		cfg.Queue.High = file.Queue.High
	}
	if file.Queue.Critical != "" {
		cfg.Queue.Critical = file.Queue.Critical
	}
	if file.Queue.DLQ != "" {
		cfg.Queue.DLQ = file.Queue.DLQ
	}
	if file.Queue.MaxRetries != 0 {
		cfg.Queue.MaxRetries = file.Queue.MaxRetries
	}
	if file.Queue.RetryDelayMs != 0 {
		cfg.Queue.RetryDelay = time.Duration(file.Queue.RetryDelayMs) * time.Millisecond
	}
	if file.State.Prefix != "" {
		cfg.State.Prefix = file.State.Prefix
	}
	if file.State.DefaultTTLSec != 0 {
		cfg.State.DefaultTTL = time.Duration(file.State.DefaultTTLSec) * time.Second
	}
	if file.Events.Prefix != "" {
		cfg.Events.Prefix = file.Events.Prefix
	}
	if file.Router.MaxConcurrency != 0 {
		cfg.Router.MaxConcurrency = file.Router.MaxConcurrency
	}
	if file.Executor.Mode != "" {
		cfg.Executor.Mode = file.Executor.Mode
	}
	if file.Executor.TimeoutMs != 0 {
		cfg.Executor.TimeoutMs = file.Executor.TimeoutMs
	}
	if file.Executor.ReportDir != "" {
		cfg.Executor.ReportDir = file.Executor.ReportDir
	}
	if file.Executor.TestsDir != "" {
		cfg.Executor.TestsDir = file.Executor.TestsDir
	}
	if file.Health.IntervalMs != 0 {
		cfg.Health.IntervalMs = file.Health.IntervalMs
	}
	if file.Health.FailureThreshold != 0 {
		cfg.Health.FailureThreshold = file.Health.FailureThreshold
	}
	if file.Health.RecoveryThreshold != 0 {
		cfg.Health.RecoveryThreshold = file.Health.RecoveryThreshold
	}
	return nil
}

// Validate rejects configurations that would make the runtime misbehave
// rather than merely perform suboptimally.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return NewFrameworkError("config.Validate", "config", ErrMissingConfiguration)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidConfiguration)
	}
	if c.Router.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be >= 1", ErrInvalidConfiguration)
	}
	if c.Executor.Mode != "simulate" && c.Executor.Mode != "process" {
		return fmt.Errorf("%w: executor mode must be simulate or process", ErrInvalidConfiguration)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}
