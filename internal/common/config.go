package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/policyreviewer/pipeline/constants"
)

// Config holds all application configuration. It is constructed once at
// process start and passed into component constructors; business logic
// never reads the environment directly.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Notify  NotifyConfig  `yaml:"notify"`
	Server  ServerConfig  `yaml:"server"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// StorageConfig locates the durable store and the key prefixes inside it.
type StorageConfig struct {
	// Root is the base directory of the blob store.
	Root string `yaml:"root"`
	// InputPrefix is where source documents arrive (e.g. "policy/pdf").
	InputPrefix string `yaml:"input_prefix"`
	// OutputPrefix is where per-job results and manifests are written.
	OutputPrefix string `yaml:"output_prefix"`
	// AuditPrefix is the root of the date-partitioned audit log.
	AuditPrefix string `yaml:"audit_prefix"`
}

// EngineConfig holds the analysis engine endpoint settings.
type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig holds the completion-notification settings the engine needs
// to call back: where to publish and the identity it must assume to do so.
type NotifyConfig struct {
	Target        string `yaml:"target"`
	PublishRoleID string `yaml:"publish_role_id"`
	// WebhookSecret, when set, requires an HMAC-SHA256 signature on
	// inbound completion notifications.
	WebhookSecret string `yaml:"webhook_secret"`
}

// ServerConfig holds the callback listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig holds the job-ledger connection settings. An empty DSN
// disables the ledger: the pipeline then runs without dedup lookups.
type LedgerConfig struct {
	DSN string `yaml:"dsn"`
}

// IngestConfig holds arrival-trigger settings.
type IngestConfig struct {
	Mode     constants.AnalysisMode `yaml:"mode"`
	Workers  int                    `yaml:"workers"`
	Debounce time.Duration          `yaml:"debounce"`
	// InitialScan submits documents already present under the input
	// prefix when the watcher starts.
	InitialScan bool `yaml:"initial_scan"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:         getEnv("STORAGE_ROOT", ""),
			InputPrefix:  getEnv("INPUT_PREFIX", "policy/pdf"),
			OutputPrefix: getEnv("OUTPUT_PREFIX", "policy/analysis"),
			AuditPrefix:  getEnv("AUDIT_PREFIX", "policy/audit"),
		},
		Engine: EngineConfig{
			BaseURL: getEnv("ENGINE_URL", ""),
			Token:   getEnv("ENGINE_TOKEN", ""),
			Timeout: getEnvAsDuration("ENGINE_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			Target:        getEnv("NOTIFY_TARGET", ""),
			PublishRoleID: getEnv("NOTIFY_PUBLISH_ROLE", ""),
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		},
		Server: ServerConfig{
			ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Ledger: LedgerConfig{
			DSN: getEnv("LEDGER_DSN", ""),
		},
		Ingest: IngestConfig{
			Mode:        mustMode(getEnv("ANALYSIS_MODE", "text")),
			Workers:     getEnvAsInt("INGEST_WORKERS", 4),
			Debounce:    getEnvAsDuration("WATCH_DEBOUNCE", 500*time.Millisecond),
			InitialScan: getEnvAsBool("INITIAL_SCAN", false),
		},
	}
}

// LoadConfigFile reads a YAML config file, then applies environment
// variable overrides on top of it.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read config file %s", path), err)
	}
	cfg := LoadConfig()
	fromEnv := *cfg
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config file %s", path), err)
	}
	overlayEnv(cfg, &fromEnv)
	return cfg, nil
}

// overlayEnv re-applies values that were explicitly set in the environment
// so that env vars win over the file.
func overlayEnv(cfg, env *Config) {
	set := func(key string, dst *string, val string) {
		if os.Getenv(key) != "" {
			*dst = val
		}
	}
	set("STORAGE_ROOT", &cfg.Storage.Root, env.Storage.Root)
	set("INPUT_PREFIX", &cfg.Storage.InputPrefix, env.Storage.InputPrefix)
	set("OUTPUT_PREFIX", &cfg.Storage.OutputPrefix, env.Storage.OutputPrefix)
	set("AUDIT_PREFIX", &cfg.Storage.AuditPrefix, env.Storage.AuditPrefix)
	set("ENGINE_URL", &cfg.Engine.BaseURL, env.Engine.BaseURL)
	set("ENGINE_TOKEN", &cfg.Engine.Token, env.Engine.Token)
	set("NOTIFY_TARGET", &cfg.Notify.Target, env.Notify.Target)
	set("NOTIFY_PUBLISH_ROLE", &cfg.Notify.PublishRoleID, env.Notify.PublishRoleID)
	set("WEBHOOK_SECRET", &cfg.Notify.WebhookSecret, env.Notify.WebhookSecret)
	set("LISTEN_ADDR", &cfg.Server.ListenAddr, env.Server.ListenAddr)
	set("LEDGER_DSN", &cfg.Ledger.DSN, env.Ledger.DSN)
	if os.Getenv("ENGINE_TIMEOUT") != "" {
		cfg.Engine.Timeout = env.Engine.Timeout
	}
	if os.Getenv("ANALYSIS_MODE") != "" {
		cfg.Ingest.Mode = env.Ingest.Mode
	}
	if os.Getenv("INGEST_WORKERS") != "" {
		cfg.Ingest.Workers = env.Ingest.Workers
	}
	if os.Getenv("WATCH_DEBOUNCE") != "" {
		cfg.Ingest.Debounce = env.Ingest.Debounce
	}
	if os.Getenv("INITIAL_SCAN") != "" {
		cfg.Ingest.InitialScan = env.Ingest.InitialScan
	}
	if os.Getenv("SHUTDOWN_TIMEOUT") != "" {
		cfg.Server.ShutdownTimeout = env.Server.ShutdownTimeout
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func mustMode(s string) constants.AnalysisMode {
	m, err := constants.ParseMode(s)
	if err != nil {
		return constants.ModeTextOnly
	}
	return m
}

// Validate validates the loaded configuration.
func (c *Config) Validate() error {
	var problems []string
	if c.Storage.Root == "" {
		problems = append(problems, "STORAGE_ROOT is required")
	}
	if c.Engine.BaseURL == "" {
		problems = append(problems, "ENGINE_URL is required")
	}
	if strings.TrimSpace(c.Storage.InputPrefix) == "" {
		problems = append(problems, "INPUT_PREFIX must not be empty")
	}
	if strings.TrimSpace(c.Storage.OutputPrefix) == "" {
		problems = append(problems, "OUTPUT_PREFIX must not be empty")
	}
	if c.Ingest.Workers <= 0 {
		problems = append(problems, "INGEST_WORKERS must be positive")
	}
	if len(problems) > 0 {
		return NewAppError("CONFIG_ERROR", strings.Join(problems, "; "), ErrConfig)
	}
	return nil
}
