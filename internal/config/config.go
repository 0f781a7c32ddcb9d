package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
)

// BridgePort is the well-known loopback port for the control bridge.
const BridgePort = 19384

// Config holds process configuration.
type Config struct {
	Port         int
	DBPath       string
	SettingsPath string
	ClearHistory bool
}

// DefaultDBPath returns the default history database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "sva", "downloads.db")
}

// DefaultSettingsPath returns the default settings file path using XDG_CONFIG_HOME.
func DefaultSettingsPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "sva", "settings.toml")
}

// DefaultSaveDir returns the default download directory.
func DefaultSaveDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// Load parses flags and environment to build Config.
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", BridgePort, "Bridge server port (loopback only)")
	flag.StringVar(&cfg.DBPath, "db", DefaultDBPath(), "History database path")
	flag.StringVar(&cfg.SettingsPath, "settings", DefaultSettingsPath(), "Settings file path")
	flag.BoolVar(&cfg.ClearHistory, "clear-history", false, "Clear the download history and exit")
	flag.Parse()

	// Env overrides
	if port := os.Getenv("SVA_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("SVA_DB"); db != "" {
		cfg.DBPath = db
	}
	if settings := os.Getenv("SVA_SETTINGS"); settings != "" {
		cfg.SettingsPath = settings
	}

	return cfg
}
