package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the b1e55ed brain process.
type Config struct {
	// Identity
	DataDir        string // base directory for the journal, KV store, and identity material
	NodeKeyPath    string // path to the sealed Ed25519 identity file
	DevInsecureKey bool   // allow plaintext identity material (development only)

	// Event store
	JournalPath        string // path to the cometbft-db backed journal
	CheckpointInterval uint64 // events between signed checkpoints
	MaxBatchEvents     int    // read from MAX_BATCH_EVENTS; AppendBatch does not enforce it

	// Database (projections)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Orchestrator
	CycleDeadline  time.Duration
	PhaseDeadline  time.Duration
	EntryThreshold float64
	CTSTrigger     float64
	BaseSize       float64
	ColdStartDays  int
	WarmPeriodDays int
	WeightDeltaMax float64
	WeightMin      float64
	WeightMax      float64

	// Karma / settlement
	KarmaEnabled    bool
	KarmaPercentage float64
	LiveMode        bool // false = paper mode; karma intents never generated in paper mode

	// Operational surface
	HealthAddr  string
	MetricsAddr string
	LogLevel    string

	// Authorization
	OperatorToken     string
	ElevatedAuthToken string // required by Validate and distinct from OperatorToken; no other code reads it

	// PolicyOverridePath, if set, points at a YAML file layered over the
	// env-derived elevated-authorization and karma policy fields above.
	// Absent by default; operators use it to rotate ElevatedAuthToken or
	// adjust KarmaPercentage without restarting with a new environment.
	PolicyOverridePath string
}

// policyOverride is the on-disk shape of PolicyOverridePath. Zero-value
// fields are left untouched by applyPolicyOverrides so a partial override
// file only layers the keys it sets.
type policyOverride struct {
	ElevatedAuthToken string   `yaml:"elevated_auth_token"`
	KarmaEnabled      *bool    `yaml:"karma_enabled"`
	KarmaPercentage   *float64 `yaml:"karma_percentage"`
	WeightMin         *float64 `yaml:"weight_min"`
	WeightMax         *float64 `yaml:"weight_max"`
}

// Load reads configuration from environment variables.
//
// SECURITY: ElevatedAuthToken has no default, and Validate() rejects a
// configuration without it. The kill switch takes elevated authorization as
// a boolean from its caller and does not compare anything against this
// token. Call Validate() after Load() before starting the orchestrator in
// production.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:        getEnv("DATA_DIR", "./data"),
		NodeKeyPath:    getEnv("NODE_KEY_PATH", ""),
		DevInsecureKey: getEnvBool("DEV_INSECURE_PLAINTEXT_KEY", false),

		JournalPath:        getEnv("JOURNAL_PATH", ""),
		CheckpointInterval: uint64(getEnvInt("CHECKPOINT_INTERVAL", 1000)),
		MaxBatchEvents:     getEnvInt("MAX_BATCH_EVENTS", 500),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", false),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "b1e55ed"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "b1e55ed_core"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		CycleDeadline:  getEnvDuration("CYCLE_DEADLINE", 10*time.Second),
		PhaseDeadline:  getEnvDuration("PHASE_DEADLINE", 3*time.Second),
		EntryThreshold: getEnvFloat("ENTRY_THRESHOLD", 0.7),
		CTSTrigger:     getEnvFloat("CTS_TRIGGER", 0.75),
		BaseSize:       getEnvFloat("BASE_SIZE", 1.0),
		ColdStartDays:  getEnvInt("COLD_START_DAYS", 30),
		WarmPeriodDays: getEnvInt("WARM_PERIOD_DAYS", 90),
		WeightDeltaMax: getEnvFloat("WEIGHT_DELTA_MAX", 0.02),
		WeightMin:      getEnvFloat("WEIGHT_MIN", 0.05),
		WeightMax:      getEnvFloat("WEIGHT_MAX", 0.40),

		KarmaEnabled:    getEnvBool("KARMA_ENABLED", false),
		KarmaPercentage: getEnvFloat("KARMA_PERCENTAGE", 0.10),
		LiveMode:        getEnvBool("LIVE_MODE", false),

		HealthAddr:  getEnv("HEALTH_ADDR", "0.0.0.0:8081"),
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		OperatorToken:     getEnv("OPERATOR_TOKEN", ""),
		ElevatedAuthToken: getEnv("ELEVATED_AUTH_TOKEN", ""),

		PolicyOverridePath: getEnv("POLICY_OVERRIDE_PATH", ""),
	}

	if cfg.JournalPath == "" {
		cfg.JournalPath = cfg.DataDir + "/journal"
	}
	if cfg.NodeKeyPath == "" {
		cfg.NodeKeyPath = cfg.DataDir + "/identity.sealed"
	}

	if cfg.PolicyOverridePath != "" {
		if err := cfg.applyPolicyOverrides(); err != nil {
			return nil, fmt.Errorf("config: apply policy overrides: %w", err)
		}
	}

	return cfg, nil
}

// applyPolicyOverrides reads PolicyOverridePath and layers any set fields
// over the env-derived configuration. A missing file is not an error — the
// override path is opt-in operational convenience, not a required input.
func (c *Config) applyPolicyOverrides() error {
	data, err := os.ReadFile(c.PolicyOverridePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy override file: %w", err)
	}

	var override policyOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parse policy override file: %w", err)
	}

	if override.ElevatedAuthToken != "" {
		c.ElevatedAuthToken = override.ElevatedAuthToken
	}
	if override.KarmaEnabled != nil {
		c.KarmaEnabled = *override.KarmaEnabled
	}
	if override.KarmaPercentage != nil {
		c.KarmaPercentage = *override.KarmaPercentage
	}
	if override.WeightMin != nil {
		c.WeightMin = *override.WeightMin
	}
	if override.WeightMax != nil {
		c.WeightMax = *override.WeightMax
	}
	return nil
}

// Validate checks that all required configuration is present and secure.
// This must be called after Load() before starting the service in production.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "DATA_DIR is required but not set")
	}
	if c.ElevatedAuthToken == "" {
		errs = append(errs, "ELEVATED_AUTH_TOKEN is required but not set")
	}
	if c.ElevatedAuthToken != "" && c.OperatorToken != "" && c.ElevatedAuthToken == c.OperatorToken {
		errs = append(errs, "ELEVATED_AUTH_TOKEN must differ from OPERATOR_TOKEN")
	}
	if c.KarmaEnabled && c.KarmaPercentage <= 0 {
		errs = append(errs, "KARMA_PERCENTAGE must be > 0 when KARMA_ENABLED is true")
	}
	if c.WeightDeltaMax <= 0 || c.WeightMin >= c.WeightMax {
		errs = append(errs, "weight bounds are inconsistent: need 0 < WEIGHT_DELTA_MAX and WEIGHT_MIN < WEIGHT_MAX")
	}
	if c.CheckpointInterval == 0 {
		errs = append(errs, "CHECKPOINT_INTERVAL must be > 0")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local development.
// Do not use this in production — use Validate() instead.
func (c *Config) ValidateForDevelopment() error {
	if c.DataDir == "" {
		return fmt.Errorf("development configuration validation failed: DATA_DIR is required")
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
