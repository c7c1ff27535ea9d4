// Package config provides configuration management for shardlink.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// ConfigDirectory returns the per-user configuration directory.
//
// Locations:
//   - Windows: %APPDATA%\shardlink
//   - Unix: ~/.config/shardlink
func ConfigDirectory() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "shardlink")
		}
		return filepath.Join(homeDir, ".config", "shardlink")
	}
	return filepath.Join(configDir, "shardlink")
}

// DefaultConfigPath returns the default path of the INI config file.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDirectory(), "config")
}

// DefaultMnemonicPath returns the default path of the mnemonic file.
func DefaultMnemonicPath() string {
	return filepath.Join(ConfigDirectory(), "mnemonic")
}

// LogDirectory returns the directory for log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\shardlink\logs
//   - Unix: ~/.config/shardlink/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "shardlink-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "shardlink", "logs")
	}
	return filepath.Join(ConfigDirectory(), "logs")
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
