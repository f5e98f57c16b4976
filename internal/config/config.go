// Package config loads the process-level configuration this core needs:
// MQTT broker list, ICE server list, the timer constants governing
// announce/heartbeat/disconnect-grace/backoff cadences, and logging.
// Grounded on the teacher's internal/config/config.go JSON-file +
// environment-variable layering, narrowed to the fields this core
// actually consumes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config is the complete process configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	Fabric   FabricConfig   `json:"fabric"`
	RTC      RTCConfig      `json:"rtc"`
	Timers   TimersConfig   `json:"timers"`
	Logging  LoggingConfig  `json:"logging"`
}

// AppConfig contains general process identity settings.
type AppConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"` // dev, staging, production
	ConfigDir   string `json:"config_dir"`
}

// ICEServerConfig mirrors the {urls, username?, credential?} shape
// consumed by rtc.StaticLoader/webrtc.ICEServer.
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// FabricConfig configures the multi-broker MQTT fan-out.
type FabricConfig struct {
	BrokerURLs  []string `json:"broker_urls"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout"` // 10s (spec §5)
	KeepAlive   time.Duration `json:"keep_alive"`        // 20s send / 60s declared (spec §5)
}

// RTCConfig configures the WebRTC peer connection layer.
type RTCConfig struct {
	ICEServers []ICEServerConfig `json:"ice_servers"`
}

// TimersConfig holds the liveness/reconnect cadence constants of spec
// §4.5/§4.6. These values are loaded, validated and saved with the rest
// of the config; internal/session does not read them and runs on its
// own unexported constants for the same cadences.
type TimersConfig struct {
	AnnounceInterval   time.Duration `json:"announce_interval"`
	AnnounceSteadyWait time.Duration `json:"announce_steady_wait"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	HeartbeatStaleness time.Duration `json:"heartbeat_staleness"`
	DisconnectGrace    time.Duration `json:"disconnect_grace"`
	MaxICERestarts     int           `json:"max_ice_restarts"`
}

// LoggingConfig contains structured-logging settings.
type LoggingConfig struct {
	Level        string `json:"level"` // debug, info, warn, error
	Format       string `json:"format"` // json, console
	EnableCaller bool   `json:"enable_caller"`
}

// Load loads configuration from file and environment variables.
// Priority: env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if err := cfg.Save(configPath); err != nil {
					return nil, fmt.Errorf("config: create default config: %w", err)
				}
			} else {
				return nil, fmt.Errorf("config: load: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse config file: %w", err)
	}
	return nil
}

// loadFromEnv overrides configuration with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("P2PCONF_ENV"); v != "" {
		c.App.Environment = v
	}
	if v := os.Getenv("P2PCONF_BROKER_URLS"); v != "" {
		c.Fabric.BrokerURLs = splitCSV(v)
	}
	if v := os.Getenv("P2PCONF_MQTT_USERNAME"); v != "" {
		c.Fabric.Username = v
	}
	if v := os.Getenv("P2PCONF_MQTT_PASSWORD"); v != "" {
		c.Fabric.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.App.Environment != "dev" && c.App.Environment != "staging" && c.App.Environment != "production" {
		return fmt.Errorf("config: invalid environment: %s (must be dev, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("config: invalid log level: %s", c.Logging.Level)
	}

	if c.Timers.MaxICERestarts < 0 {
		return errors.New("config: max_ice_restarts cannot be negative")
	}
	if c.Fabric.ConnectTimeout <= 0 {
		return errors.New("config: fabric connect_timeout must be positive")
	}

	return nil
}

// GetLogLevel returns the zerolog level for the configured string.
func (c *Config) GetLogLevel() zerolog.Level {
	switch c.Logging.Level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// IsProduction reports whether the process is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment reports whether the process is running in dev mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "dev"
}
