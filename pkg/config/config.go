// Package config loads the broker configuration: compiled defaults, an
// optional YAML file, then environment overrides, in that order. The master
// key is the only option without a default; Load fails without it.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

var ErrMasterKeyMissing = errors.New("config: master_key is required (set SCRIPTEXEC_MASTER_KEY)")

// Config is the full option set. YAML keys mirror the dotted option names.
type Config struct {
	Execution  ExecutionConfig  `yaml:"execution"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Quota      QuotaConfig      `yaml:"quota"`
	Callback   CallbackConfig   `yaml:"callback"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	API        APIConfig        `yaml:"api"`
	Events     EventsConfig     `yaml:"events"`
	Otel       OtelConfig       `yaml:"otel"`

	// MasterKey is the process-wide root secret. Subkeys for secret
	// encryption and token signing are derived from it; it is never used
	// directly and never logged.
	MasterKey string `yaml:"master_key"`
}

type ExecutionConfig struct {
	TimeoutS      int `yaml:"timeout_s"`
	MaxTimeoutS   int `yaml:"max_timeout_s"`
	MemoryMB      int `yaml:"memory_mb"`
	MaxMemoryMB   int `yaml:"max_memory_mb"`
	MaxConcurrent int `yaml:"max_concurrent"`
	ContextMaxKB  int `yaml:"context_max_kb"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

type QuotaConfig struct {
	PerMonth int `yaml:"per_month"`
}

type CallbackConfig struct {
	// PublicURL is the callback endpoint as the sandbox reaches it.
	PublicURL       string `yaml:"public_url"`
	MaxPerExecution int    `yaml:"max_per_execution"`
	RatePerSec      int    `yaml:"rate_per_sec"`
	MaxBodyMB       int    `yaml:"max_body_mb"`
	HTTPTimeoutS    int    `yaml:"http_timeout_s"`
	MaxRedirects    int    `yaml:"max_redirects"`
}

type KillSwitchConfig struct {
	MemoryPct    float64 `yaml:"memory_pct"`
	CPUPct       float64 `yaml:"cpu_pct"`
	Concurrent   int     `yaml:"concurrent"`
	LongRunningS int     `yaml:"long_running_s"`
	FailureRate  float64 `yaml:"failure_rate"`
	ErrorPerMin  int     `yaml:"error_per_min"`
	CooldownS    int     `yaml:"cooldown_s"`
	AlertURL     string  `yaml:"alert_url"`
}

type ValidatorConfig struct {
	MaxLength     int `yaml:"max_length"`
	MaxComplexity int `yaml:"max_complexity"`
	MaxDepth      int `yaml:"max_depth"`
	MaxLine       int `yaml:"max_line"`
	CacheTTLS     int `yaml:"cache_ttl_s"`
}

type WatchdogConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

type SandboxConfig struct {
	URL        string `yaml:"url"`
	MinVersion string `yaml:"min_version"` // semver constraint, empty disables the gate
}

type ArchiveConfig struct {
	Backend     string `yaml:"backend"` // fs | s3 | gcs
	Dir         string `yaml:"dir"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	GCSBucket   string `yaml:"gcs_bucket"`
	InlineMaxKB int    `yaml:"inline_max_kb"`
}

type StoreConfig struct {
	// URL is a postgres DSN. Empty selects lite mode: an embedded sqlite
	// file suitable for development and the CLI.
	URL      string `yaml:"url"`
	LitePath string `yaml:"lite_path"`
}

type CacheConfig struct {
	// URL is a redis address ("redis://host:port/db" or "host:port").
	// Empty selects the in-process cache.
	URL string `yaml:"url"`
}

type APIConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"` // empty disables the admin surface
}

type EventsConfig struct {
	// WebhookURL receives script-emitted events as JSON POSTs. Empty
	// keeps events on the in-process registry.
	WebhookURL string `yaml:"webhook_url"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint"` // OTLP gRPC endpoint, empty disables
	Insecure bool   `yaml:"insecure"`
}

// Default returns the documented defaults for every option except MasterKey.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			TimeoutS:      30,
			MaxTimeoutS:   300,
			MemoryMB:      128,
			MaxMemoryMB:   512,
			MaxConcurrent: 10,
			ContextMaxKB:  64,
		},
		RateLimit: RateLimitConfig{PerMinute: 60},
		Quota:     QuotaConfig{PerMonth: 10000},
		Callback: CallbackConfig{
			PublicURL:       "http://localhost:8080/internal/script-executor/callback",
			MaxPerExecution: 2000,
			RatePerSec:      1000,
			MaxBodyMB:       1,
			HTTPTimeoutS:    10,
			MaxRedirects:    3,
		},
		KillSwitch: KillSwitchConfig{
			MemoryPct:    80,
			CPUPct:       85,
			Concurrent:   50,
			LongRunningS: 600,
			FailureRate:  0.5,
			ErrorPerMin:  100,
			CooldownS:    300,
		},
		Validator: ValidatorConfig{
			MaxLength:     64 * 1024,
			MaxComplexity: 15,
			MaxDepth:      8,
			MaxLine:       200,
			CacheTTLS:     300,
		},
		Watchdog: WatchdogConfig{IntervalMS: 1000},
		Sandbox:  SandboxConfig{URL: "http://localhost:8090"},
		Archive: ArchiveConfig{
			Backend:     "fs",
			Dir:         "data/archive",
			InlineMaxKB: 64,
		},
		Store: StoreConfig{LitePath: "scriptexec.db"},
		API:   APIConfig{Addr: ":8080"},
	}
}

// Load assembles the configuration. Path order: Default(), then the YAML
// file named by SCRIPTEXEC_CONFIG (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SCRIPTEXEC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("SCRIPTEXEC_MASTER_KEY", &c.MasterKey)
	envStr("SCRIPTEXEC_STORE_URL", &c.Store.URL)
	envStr("DATABASE_URL", &c.Store.URL)
	envStr("SCRIPTEXEC_CACHE_URL", &c.Cache.URL)
	envStr("REDIS_URL", &c.Cache.URL)
	envStr("SCRIPTEXEC_CALLBACK_URL", &c.Callback.PublicURL)
	envStr("SCRIPTEXEC_SANDBOX_URL", &c.Sandbox.URL)
	envStr("SCRIPTEXEC_SANDBOX_MIN_VERSION", &c.Sandbox.MinVersion)
	envStr("SCRIPTEXEC_API_ADDR", &c.API.Addr)
	envStr("SCRIPTEXEC_JWT_SECRET", &c.API.JWTSecret)
	envStr("SCRIPTEXEC_ALERT_URL", &c.KillSwitch.AlertURL)
	envStr("SCRIPTEXEC_ARCHIVE_BACKEND", &c.Archive.Backend)
	envStr("SCRIPTEXEC_ARCHIVE_DIR", &c.Archive.Dir)
	envStr("SCRIPTEXEC_ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	envStr("SCRIPTEXEC_ARCHIVE_S3_REGION", &c.Archive.S3Region)
	envStr("SCRIPTEXEC_ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	envStr("SCRIPTEXEC_ARCHIVE_GCS_BUCKET", &c.Archive.GCSBucket)
	envStr("SCRIPTEXEC_EVENTS_URL", &c.Events.WebhookURL)
	envStr("SCRIPTEXEC_OTEL_ENDPOINT", &c.Otel.Endpoint)

	envInt("SCRIPTEXEC_TIMEOUT_S", &c.Execution.TimeoutS)
	envInt("SCRIPTEXEC_MEMORY_MB", &c.Execution.MemoryMB)
	envInt("SCRIPTEXEC_MAX_CONCURRENT", &c.Execution.MaxConcurrent)
	envInt("SCRIPTEXEC_RATE_PER_MINUTE", &c.RateLimit.PerMinute)
	envInt("SCRIPTEXEC_QUOTA_PER_MONTH", &c.Quota.PerMonth)
	envInt("SCRIPTEXEC_KILL_COOLDOWN_S", &c.KillSwitch.CooldownS)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks cross-field consistency and the master key. It is also
// called by Load; exposed for tests building configs by hand.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return ErrMasterKeyMissing
	}
	if len(c.MasterKeyBytes()) < 32 {
		return errors.New("config: master_key must provide at least 32 bytes of key material")
	}
	if c.Execution.TimeoutS <= 0 || c.Execution.TimeoutS > c.Execution.MaxTimeoutS {
		return fmt.Errorf("config: execution.timeout_s must be in (0, %d]", c.Execution.MaxTimeoutS)
	}
	if c.Execution.MemoryMB <= 0 || c.Execution.MemoryMB > c.Execution.MaxMemoryMB {
		return fmt.Errorf("config: execution.memory_mb must be in (0, %d]", c.Execution.MaxMemoryMB)
	}
	if c.Execution.MaxConcurrent <= 0 {
		return errors.New("config: execution.max_concurrent must be positive")
	}
	if c.Validator.MaxLength <= 0 {
		return errors.New("config: validator.max_length must be positive")
	}
	switch c.Archive.Backend {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown archive backend %q", c.Archive.Backend)
	}
	return nil
}

// MasterKeyBytes decodes the master key. Base64 (std or url) is accepted;
// anything that fails to decode is treated as a raw passphrase.
func (c *Config) MasterKeyBytes() []byte {
	if b, err := base64.StdEncoding.DecodeString(c.MasterKey); err == nil && len(b) >= 32 {
		return b
	}
	if b, err := base64.URLEncoding.DecodeString(c.MasterKey); err == nil && len(b) >= 32 {
		return b
	}
	return []byte(c.MasterKey)
}

// SubKey derives a purpose-bound key from the master key. The master key
// itself never touches a cipher or MAC directly.
func (c *Config) SubKey(purpose string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, c.MasterKeyBytes(), []byte("script-executor-kdf"), []byte(purpose))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("config: derive %s key: %w", purpose, err)
	}
	return key, nil
}
