package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "X-User-ID", cfg.Server.UserHeader)
	assert.Equal(t, 12*time.Hour, cfg.Store.AuthTTL)
	assert.Equal(t, 120*time.Second, cfg.Session.ExtractTimeout)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Session.ExtractTimeout)
	assert.Contains(t, cfg.Platforms, "uber")
	assert.Equal(t, "uber", cfg.Platforms["uber"].Name)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
store:
  driver: memory
  auth_ttl: 6h
platforms:
  acme:
    login_url: https://acme.test/login
    login:
      authenticated_url_patterns: ['^https://acme\.test/app']
    extraction:
      earnings_urls: [https://acme.test/app/earnings]
      row_xpath: //tr
      name_xpath: ./td[1]
      amount_xpath: ./td[2]
`), 0o600))
	t.Setenv("PORTALRELAY_BROWSER_MAX_CONCURRENT", "3")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Browser.MaxConcurrent)
	require.Contains(t, cfg.Platforms, "acme")
	require.Contains(t, cfg.Platforms, "uber")
	assert.Equal(t, 6*time.Hour, cfg.Platforms["acme"].AuthStateTTL, "profiles without a ttl inherit store.auth_ttl")
	assert.Equal(t, 12*time.Hour, cfg.Platforms["uber"].AuthStateTTL)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad mode":             func(c *Config) { c.Browser.Mode = "cloud" },
		"zero concurrency":     func(c *Config) { c.Browser.MaxConcurrent = 0 },
		"bad format":           func(c *Config) { c.Browser.ScreenshotFormat = "gif" },
		"postgres without url": func(c *Config) { c.Store.Driver = "postgres" },
		"unknown driver":       func(c *Config) { c.Store.Driver = "redis" },
		"short key":            func(c *Config) { c.Store.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short")) },
		"max age below idle":   func(c *Config) { c.Session.MaxAge = time.Second },
		"zero sweep":           func(c *Config) { c.Session.SweepInterval = 0 },
		"no platforms":         func(c *Config) { c.Platforms = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	cfg := NewDefaultConfig()
	key, err := cfg.EncryptionKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	cfg.Store.EncryptionKey = base64.StdEncoding.EncodeToString(raw)
	key, err = cfg.EncryptionKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}
