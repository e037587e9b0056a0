// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/compliance"
	"github.com/mbd888/txguard/internal/engine"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Backing services, all optional
	DatabaseURL  string // PostgreSQL; in-memory state when empty
	RedisURL     string // shared velocity tables and suspicion counters
	OTLPEndpoint string

	TraceSampleRatio float64 // fraction of new root traces exported

	// Engine policy (decimal amounts)
	MaxAmount          string
	DailyLimit         string
	MultisigThreshold  string
	RequiredSignatures int
	MultisigWindow     time.Duration
	ReportingThreshold string
	KYCThreshold       string
	AMLThreshold       string
	LedgerRetention    time.Duration
	Timezone           string

	// Audit
	AuditRetention time.Duration
	AuditRingSize  int

	// Maintenance
	SweepInterval time.Duration
	SweepBatch    int

	// Access
	JWTSecret    string // bearer tokens when set; trusted gateway headers otherwise
	RateLimitRPM int
	CORSOrigins  []string // browser consoles allowed to call the API
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMaxAmount          = "10000000"
	DefaultDailyLimit         = "1000000"
	DefaultMultisigThreshold  = "100000"
	DefaultRequiredSignatures = 2
	DefaultMultisigWindow     = 24 * time.Hour
	DefaultReportingThreshold = "10000"
	DefaultKYCThreshold       = "25000"
	DefaultAMLThreshold       = "50000"
	DefaultLedgerRetention    = 30 * 24 * time.Hour
	DefaultTimezone           = "UTC"
	DefaultAuditRetention     = 7 * 365 * 24 * time.Hour
	DefaultAuditRingSize      = 10000
	DefaultSweepInterval      = time.Minute
	DefaultSweepBatch         = 500
	DefaultRateLimitRPM       = 120
	DefaultTraceSampleRatio   = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("TXG_TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio, &errs),
		MaxAmount:          getEnv("TXG_MAX_AMOUNT", DefaultMaxAmount),
		DailyLimit:         getEnv("TXG_DAILY_LIMIT", DefaultDailyLimit),
		MultisigThreshold:  getEnv("TXG_MULTISIG_THRESHOLD", DefaultMultisigThreshold),
		RequiredSignatures: getEnvInt("TXG_REQUIRED_SIGNATURES", DefaultRequiredSignatures, &errs),
		MultisigWindow:     getEnvDuration("TXG_MULTISIG_WINDOW", DefaultMultisigWindow, &errs),
		ReportingThreshold: getEnv("TXG_REPORTING_THRESHOLD", DefaultReportingThreshold),
		KYCThreshold:       getEnv("TXG_KYC_THRESHOLD", DefaultKYCThreshold),
		AMLThreshold:       getEnv("TXG_AML_THRESHOLD", DefaultAMLThreshold),
		LedgerRetention:    getEnvDuration("TXG_LEDGER_RETENTION", DefaultLedgerRetention, &errs),
		Timezone:           getEnv("TXG_TIMEZONE", DefaultTimezone),
		AuditRetention:     getEnvDuration("TXG_AUDIT_RETENTION", DefaultAuditRetention, &errs),
		AuditRingSize:      getEnvInt("TXG_AUDIT_RING_SIZE", DefaultAuditRingSize, &errs),
		SweepInterval:      getEnvDuration("TXG_SWEEP_INTERVAL", DefaultSweepInterval, &errs),
		SweepBatch:         getEnvInt("TXG_SWEEP_BATCH", DefaultSweepBatch, &errs),
		JWTSecret:          os.Getenv("TXG_JWT_SECRET"),
		RateLimitRPM:       getEnvInt("TXG_RATE_LIMIT_RPM", DefaultRateLimitRPM, &errs),
		CORSOrigins:        splitList(os.Getenv("TXG_CORS_ORIGINS")),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TXG_TIMEZONE: %w", err))
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"TXG_MULTISIG_WINDOW", c.MultisigWindow},
		{"TXG_LEDGER_RETENTION", c.LedgerRetention},
		{"TXG_AUDIT_RETENTION", c.AuditRetention},
		{"TXG_SWEEP_INTERVAL", c.SweepInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	for _, n := range []struct {
		key string
		v   int
	}{
		{"TXG_AUDIT_RING_SIZE", c.AuditRingSize},
		{"TXG_SWEEP_BATCH", c.SweepBatch},
		{"TXG_RATE_LIMIT_RPM", c.RateLimitRPM},
	} {
		if n.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", n.key))
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TXG_TRACE_SAMPLE_RATIO must be between 0 and 1, got %g", c.TraceSampleRatio))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("TXG_JWT_SECRET is required in production"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Amount parsing, threshold ordering and signature count.
	_, err := c.Engine()
	return err
}

// Engine projects the policy settings into an engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	var errs []error
	parse := func(key, v string) *big.Int {
		amt, ok := amount.Parse(v)
		if !ok || amt.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive decimal, got %q", key, v))
			return nil
		}
		return amt
	}

	cfg := engine.Config{
		MaxAmount:          parse("TXG_MAX_AMOUNT", c.MaxAmount),
		DailyLimit:         parse("TXG_DAILY_LIMIT", c.DailyLimit),
		MultisigThreshold:  parse("TXG_MULTISIG_THRESHOLD", c.MultisigThreshold),
		RequiredSignatures: c.RequiredSignatures,
		MultisigWindow:     c.MultisigWindow,
		Compliance: compliance.Thresholds{
			Reporting: parse("TXG_REPORTING_THRESHOLD", c.ReportingThreshold),
			KYC:       parse("TXG_KYC_THRESHOLD", c.KYCThreshold),
			AML:       parse("TXG_AML_THRESHOLD", c.AMLThreshold),
		},
		LedgerRetention: c.LedgerRetention,
	}
	if len(errs) > 0 {
		return engine.Config{}, errors.Join(errs...)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return engine.Config{}, fmt.Errorf("TXG_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return i
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, value))
		return defaultValue
	}
	return d
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return f
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
