package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "CDISPD_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $CDISPD_CONFIG, ~/.config/cdispd/config.yaml,
// /etc/cdispd/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "cdispd", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	if systemConfig := "/etc/cdispd/config.yaml"; fileExists(systemConfig) {
		return systemConfig, nil
	}

	if localConfig := "./config.yaml"; fileExists(localConfig) {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/cdispd/config.yaml, /etc/cdispd/config.yaml, ./config.yaml)", EnvConfigPath)
}

// ResolveConfigPath returns explicit when set, otherwise the discovered path.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return DiscoverConfigPath()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
