package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "commitment", cfg.Verifier.Backend)
	assert.Equal(t, 3, cfg.Admission.MaxPerIdentity)
	assert.Equal(t, 5, cfg.Defense.CaptchaThreshold)
	assert.Equal(t, "secure", cfg.Defense.FailMode)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers.Count)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torii.yaml")
	data := []byte(`
server:
  listen: ":9000"
workers:
  count: 4
  queue_size: 32
defense:
  captcha_threshold: 7
  window: 30m
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 32, cfg.Workers.QueueSize)
	assert.Equal(t, 7, cfg.Defense.CaptchaThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Defense.Window)
	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite", cfg.Identity.Store)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/torii.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TORII_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TORII_IDENTITY_DSN", "/tmp/override.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Token.Secret)
	assert.Equal(t, "/tmp/override.db", cfg.Identity.DSN)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"groth16 without key", func(c *Config) {
			c.Verifier.Backend = "groth16"
			c.Verifier.VerifyingKeyPath = ""
		}},
		{"unknown backend", func(c *Config) {
			c.Verifier.Backend = "plonk"
		}},
		{"zero queue", func(c *Config) {
			c.Workers.QueueSize = 0
		}},
		{"wait shorter than task", func(c *Config) {
			c.Workers.TaskTimeout = 10 * time.Second
			c.Workers.WaitTimeout = time.Second
		}},
		{"zero admission cap", func(c *Config) {
			c.Admission.MaxPerIdentity = 0
		}},
		{"unknown fail mode", func(c *Config) {
			c.Defense.FailMode = "maybe"
		}},
		{"non-increasing risk tiers", func(c *Config) {
			c.Defense.RiskElevated = 10
			c.Defense.RiskHigh = 10
		}},
		{"http captcha without url", func(c *Config) {
			c.Defense.CaptchaMode = "http"
			c.Defense.CaptchaVerifyURL = ""
		}},
		{"short token secret", func(c *Config) {
			c.Token.Secret = "short"
		}},
		{"enroll without admin token", func(c *Config) {
			c.Server.EnableEnroll = true
			c.Server.AdminToken = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
