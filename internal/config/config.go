package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a torii node.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Workers   WorkerConfig    `yaml:"workers"`
	Admission AdmissionConfig `yaml:"admission"`
	Defense   DefenseConfig   `yaml:"defense"`
	Identity  IdentityConfig  `yaml:"identity"`
	Audit     AuditConfig     `yaml:"audit"`
	Token     TokenConfig     `yaml:"token"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	EnableTLS         bool          `yaml:"enable_tls"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	EnableEnroll      bool          `yaml:"enable_enroll"`
	AdminToken        string        `yaml:"admin_token"`
}

// VerifierConfig selects and parameterizes the proof verification backend.
// Backend is fixed at startup; there is no per-request fallback.
type VerifierConfig struct {
	// Backend is "groth16" or "commitment".
	Backend string `yaml:"backend"`
	// VerifyingKeyPath is required when Backend is "groth16".
	VerifyingKeyPath string `yaml:"verifying_key_path"`
	// KeyFormat is "snarkjs" (verification_key.json) or "gnark" (binary).
	KeyFormat string `yaml:"key_format"`
	// MaxProofAge bounds the freshness nonce carried in public signals.
	MaxProofAge time.Duration `yaml:"max_proof_age"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
}

// WorkerConfig contains verification worker pool settings.
type WorkerConfig struct {
	Count       int           `yaml:"count"` // 0 = NumCPU
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// AdmissionConfig bounds concurrent verification per identity.
type AdmissionConfig struct {
	MaxPerIdentity int `yaml:"max_per_identity"`
}

// DefenseConfig parameterizes the abuse defense pipeline.
type DefenseConfig struct {
	Store  string        `yaml:"store"` // "memory" or "redis"
	Redis  RedisConfig   `yaml:"redis"`
	Window time.Duration `yaml:"window"`

	// Risk tier thresholds, in failures per window per IP.
	RiskElevated int `yaml:"risk_elevated"`
	RiskHigh     int `yaml:"risk_high"`
	RiskCritical int `yaml:"risk_critical"`

	// CaptchaThreshold is the failure count at which the gate engages.
	CaptchaThreshold int    `yaml:"captcha_threshold"`
	CaptchaMode      string `yaml:"captcha_mode"` // "http", "static" or "off"
	CaptchaVerifyURL string `yaml:"captcha_verify_url"`
	CaptchaSecret    string `yaml:"captcha_secret"`

	// Progressive delay curve: no delay for the first DelayFree failures,
	// then DelayBase * DelayFactor^n capped at DelayMax.
	DelayFree   int           `yaml:"delay_free"`
	DelayBase   time.Duration `yaml:"delay_base"`
	DelayFactor float64       `yaml:"delay_factor"`
	DelayMax    time.Duration `yaml:"delay_max"`

	// AutoLock locks the account once the per-identity failure count
	// reaches LockThreshold. Locks are never cleared automatically.
	AutoLock      bool `yaml:"auto_lock"`
	LockThreshold int  `yaml:"lock_threshold"`

	// FailMode decides what a defense store error means: "secure" treats
	// the stage as blocking, "open" waves the attempt through.
	FailMode string `yaml:"fail_mode"`
}

// RedisConfig contains connection settings shared by the redis-backed stores.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IdentityConfig selects the identity record store.
type IdentityConfig struct {
	// Store is "sqlite", "postgres", "redis" or "memory".
	Store string      `yaml:"store"`
	DSN   string      `yaml:"dsn"`
	Redis RedisConfig `yaml:"redis"`

	// CacheEnabled fronts the store with an in-process read cache.
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Sink is "sql" or "file".
	Sink         string        `yaml:"sink"`
	DSN          string        `yaml:"dsn"`
	Driver       string        `yaml:"driver"` // "sqlite3" or "postgres"
	File         string        `yaml:"file"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TokenConfig contains session token settings.
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "console" or "json"
	File       string `yaml:"file"`   // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8443",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 * 1024,
			RateLimit:       50,
			RateBurst:       100,
		},
		Verifier: VerifierConfig{
			Backend:     "commitment",
			KeyFormat:   "snarkjs",
			MaxProofAge: 5 * time.Minute,
			ClockSkew:   30 * time.Second,
		},
		Workers: WorkerConfig{
			Count:       0, // auto-detect
			QueueSize:   256,
			TaskTimeout: 5 * time.Second,
			WaitTimeout: 8 * time.Second,
		},
		Admission: AdmissionConfig{
			MaxPerIdentity: 3,
		},
		Defense: DefenseConfig{
			Store:            "memory",
			Window:           time.Hour,
			RiskElevated:     3,
			RiskHigh:         8,
			RiskCritical:     20,
			CaptchaThreshold: 5,
			CaptchaMode:      "off",
			DelayFree:        3,
			DelayBase:        time.Second,
			DelayFactor:      2.0,
			DelayMax:         5 * time.Minute,
			AutoLock:         false,
			LockThreshold:    20,
			FailMode:         "secure",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "torii:defense:",
			},
		},
		Identity: IdentityConfig{
			Store:        "sqlite",
			DSN:          "./data/torii.db",
			CacheEnabled: true,
			CacheTTL:     time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "torii:identity:",
			},
		},
		Audit: AuditConfig{
			Sink:         "sql",
			Driver:       "sqlite3",
			DSN:          "./data/audit.db",
			File:         "./logs/audit.json",
			WriteTimeout: 2 * time.Second,
		},
		Token: TokenConfig{
			TTL:    15 * time.Minute,
			Issuer: "torii",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("TORII_TOKEN_SECRET"); v != "" {
		c.Token.Secret = v
	}
	if v := os.Getenv("TORII_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("TORII_REDIS_PASSWORD"); v != "" {
		c.Defense.Redis.Password = v
		c.Identity.Redis.Password = v
	}
	if v := os.Getenv("TORII_IDENTITY_DSN"); v != "" {
		c.Identity.DSN = v
	}
	if v := os.Getenv("TORII_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("TORII_CAPTCHA_SECRET"); v != "" {
		c.Defense.CaptchaSecret = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Verifier.Backend {
	case "groth16":
		if c.Verifier.VerifyingKeyPath == "" {
			return fmt.Errorf("verifier.verifying_key_path is required for the groth16 backend")
		}
		if c.Verifier.KeyFormat != "snarkjs" && c.Verifier.KeyFormat != "gnark" {
			return fmt.Errorf("invalid verifier.key_format: %s", c.Verifier.KeyFormat)
		}
	case "commitment":
	default:
		return fmt.Errorf("invalid verifier.backend: %s", c.Verifier.Backend)
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count cannot be negative")
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = runtime.NumCPU()
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("workers.queue_size must be at least 1")
	}
	if c.Workers.TaskTimeout <= 0 {
		return fmt.Errorf("workers.task_timeout must be positive")
	}
	if c.Workers.WaitTimeout < c.Workers.TaskTimeout {
		// The caller must outlive the task deadline or results leak.
		return fmt.Errorf("workers.wait_timeout must be at least task_timeout")
	}

	if c.Admission.MaxPerIdentity < 1 {
		return fmt.Errorf("admission.max_per_identity must be at least 1")
	}

	if c.Defense.Store != "memory" && c.Defense.Store != "redis" {
		return fmt.Errorf("invalid defense.store: %s", c.Defense.Store)
	}
	if c.Defense.Window <= 0 {
		return fmt.Errorf("defense.window must be positive")
	}
	if c.Defense.CaptchaThreshold < 1 {
		return fmt.Errorf("defense.captcha_threshold must be at least 1")
	}
	switch c.Defense.CaptchaMode {
	case "http":
		if c.Defense.CaptchaVerifyURL == "" {
			return fmt.Errorf("defense.captcha_verify_url is required for captcha_mode http")
		}
	case "static", "off":
	default:
		return fmt.Errorf("invalid defense.captcha_mode: %s", c.Defense.CaptchaMode)
	}
	if c.Defense.DelayFactor < 1 {
		return fmt.Errorf("defense.delay_factor must be at least 1")
	}
	if c.Defense.FailMode != "secure" && c.Defense.FailMode != "open" {
		return fmt.Errorf("invalid defense.fail_mode: %s", c.Defense.FailMode)
	}
	if !(c.Defense.RiskElevated < c.Defense.RiskHigh && c.Defense.RiskHigh < c.Defense.RiskCritical) {
		return fmt.Errorf("defense risk thresholds must be strictly increasing")
	}

	switch c.Identity.Store {
	case "sqlite", "postgres":
		if c.Identity.DSN == "" {
			return fmt.Errorf("identity.dsn is required for store %s", c.Identity.Store)
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid identity.store: %s", c.Identity.Store)
	}

	switch c.Audit.Sink {
	case "sql":
		if c.Audit.Driver != "sqlite3" && c.Audit.Driver != "postgres" {
			return fmt.Errorf("invalid audit.driver: %s", c.Audit.Driver)
		}
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the sql sink")
		}
	case "file":
		if c.Audit.File == "" {
			return fmt.Errorf("audit.file is required for the file sink")
		}
	default:
		return fmt.Errorf("invalid audit.sink: %s", c.Audit.Sink)
	}
	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit.write_timeout must be positive")
	}

	if len(c.Token.Secret) > 0 && len(c.Token.Secret) < 32 {
		return fmt.Errorf("token.secret must be at least 32 bytes")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}

	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive")
	}
	if c.Server.EnableEnroll && c.Server.AdminToken == "" {
		return fmt.Errorf("server.admin_token is required when enrollment is enabled")
	}

	return nil
}
