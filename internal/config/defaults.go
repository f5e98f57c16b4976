package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Default returns a Config with sensible default values: public STUN
// only (no TURN/broker configured), the cadence constants of spec
// §4.5/§4.6, and info-level JSON logging.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "p2pconf",
			Version:     "0.1.0",
			Environment: "dev",
			ConfigDir:   getDefaultConfigDir(),
		},

		Fabric: FabricConfig{
			BrokerURLs:     []string{},
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      20 * time.Second,
		},

		RTC: RTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
		},

		Timers: TimersConfig{
			AnnounceInterval:   3 * time.Second,
			AnnounceSteadyWait: 60 * time.Second,
			HeartbeatInterval:  5 * time.Second,
			HeartbeatStaleness: 10 * time.Second,
			DisconnectGrace:    15 * time.Second,
			MaxICERestarts:     3,
		},

		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: false,
		},
	}
}

// getDefaultConfigDir returns the default config directory based on OS.
func getDefaultConfigDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		baseDir = filepath.Join(os.Getenv("HOME"), "Library", "Application Support")
	default: // linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("HOME"), ".config")
		}
	}

	return filepath.Join(baseDir, "p2pconf")
}
