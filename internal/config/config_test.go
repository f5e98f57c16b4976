package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "p2pconf", cfg.App.Name)
	assert.Equal(t, "dev", cfg.App.Environment)
	assert.NotEmpty(t, cfg.RTC.ICEServers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Timers.MaxICERestarts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid default config",
			setup:   func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			setup: func(c *Config) {
				c.App.Environment = "invalid"
			},
			wantErr: true,
			errMsg:  "invalid environment",
		},
		{
			name: "invalid log level",
			setup: func(c *Config) {
				c.Logging.Level = "invalid"
			},
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name: "negative max ice restarts",
			setup: func(c *Config) {
				c.Timers.MaxICERestarts = -1
			},
			wantErr: true,
			errMsg:  "max_ice_restarts",
		},
		{
			name: "zero connect timeout",
			setup: func(c *Config) {
				c.Fabric.ConnectTimeout = 0
			},
			wantErr: true,
			errMsg:  "connect_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.setup(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := Default()
	cfg.App.Environment = "production"
	cfg.Fabric.BrokerURLs = []string{"wss://broker.example.com/mqtt"}
	cfg.Logging.Level = "debug"

	require.NoError(t, cfg.Save(configPath))

	loaded, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "production", loaded.App.Environment)
	assert.Equal(t, []string{"wss://broker.example.com/mqtt"}, loaded.Fabric.BrokerURLs)
	assert.Equal(t, "debug", loaded.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("P2PCONF_ENV", "staging")
	os.Setenv("P2PCONF_BROKER_URLS", "wss://a.example.com,wss://b.example.com")
	os.Setenv("LOG_LEVEL", "warn")
	defer func() {
		os.Unsetenv("P2PCONF_ENV")
		os.Unsetenv("P2PCONF_BROKER_URLS")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg := Default()
	cfg.loadFromEnv()

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, cfg.Fabric.BrokerURLs)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	original := Default()
	original.Timers.DisconnectGrace = 30 * time.Second

	require.NoError(t, original.Save(configPath))

	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, loaded.Timers.DisconnectGrace)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"fatal", "fatal"},
		{"invalid", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := Default()
			cfg.Logging.Level = tt.level
			assert.Equal(t, tt.expected, cfg.GetLogLevel().String())
		})
	}
}

func TestIsProduction(t *testing.T) {
	cfg := Default()

	cfg.App.Environment = "production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	cfg.App.Environment = "dev"
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadNonExistentFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nonexistent.json")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	_, err = os.Stat(configPath)
	require.NoError(t, err)
}

func TestDefaultConfigDirExists(t *testing.T) {
	configDir := getDefaultConfigDir()
	assert.NotEmpty(t, configDir)
	assert.Contains(t, configDir, "p2pconf")
}
