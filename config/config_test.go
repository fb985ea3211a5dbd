package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:5060", cfg.ListenAddr())
	assert.False(t, cfg.RelayMode())
	assert.Equal(t, time.Hour, cfg.SweepInterval)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sipregistrar.yaml")
	data := `
port: 5080
verbose: true
up:
  host: registrar.example.com
sweep_interval: 10m
rate_limit:
  per_second: 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 5080, cfg.Port)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.RelayMode())
	assert.Equal(t, 5060, cfg.Up.Port)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, DefaultRelayTimeout, cfg.RelayTimeout)
	assert.Equal(t, 51, cfg.RateLimit.Burst)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNormalizeEmpty(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, 0, cfg.Up.Port, "no upstream, no upstream port")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"bad network", func(c *Config) { c.Network = "sctp" }},
		{"host and service", func(c *Config) { c.Up.Host = "a"; c.Up.Service = "b"; c.Etcd.Endpoints = []string{"x:2379"} }},
		{"service without etcd", func(c *Config) { c.Up.Service = "registrar" }},
		{"announce without address", func(c *Config) { c.Etcd.Service = "registrar"; c.Etcd.Endpoints = []string{"x:2379"} }},
		{"negative retries", func(c *Config) { c.RelayRetries = -1 }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mod(&cfg)
		assert.Error(t, cfg.Validate(), tc.name)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{"--port=5070", "-v", "--up-host=10.0.0.1", "--etcd-endpoints=a:2379,b:2379"}))
	cfg.Normalize()

	assert.Equal(t, 5070, cfg.Port)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "10.0.0.1", cfg.Up.Host)
	assert.Equal(t, 5060, cfg.Up.Port)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Etcd.Endpoints)
}
