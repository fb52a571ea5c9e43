package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.shellbridge.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".shellbridge"), nil
}

// DefaultPath returns ~/.shellbridge/config.yaml, or "" if the home directory is unknown.
func DefaultPath() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}
