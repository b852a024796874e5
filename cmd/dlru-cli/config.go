package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the settings that govern where and how the demo CLI opens
// a cache directory.
type Config struct {
	Dir        string `json:"dir"`
	ValueCount int    `json:"value_count,omitempty"` //nolint:tagliatelle
	MaxSize    int64  `json:"max_size,omitempty"`    //nolint:tagliatelle
	AppVersion int64  `json:"app_version,omitempty"` //nolint:tagliatelle
}

// ConfigFileName is the default project-level config file name.
const ConfigFileName = ".dlru.json"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errDirEmpty           = errors.New("dir cannot be empty")
)

// DefaultConfig returns the settings used when no config file and no CLI
// override supplies a value.
func DefaultConfig() Config {
	return Config{
		Dir:        ".dlru-cache",
		ValueCount: 1,
		MaxSize:    10 << 20,
		AppVersion: 1,
	}
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/dlru/config.json, or
// ~/.config/dlru/config.json if XDG_CONFIG_HOME is unset. Returns "" if
// the home directory can't be determined.
func getGlobalConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dlru", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "dlru", "config.json")
}

// LoadConfig loads settings with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config at workDir/.dlru.json, or, if configPath is
//     non-empty, the file at configPath instead (which must then exist)
//  4. CLI overrides, applied by the caller field-by-field.
func LoadConfig(workDir, configPath string) (Config, error) {
	cfg := DefaultConfig()

	if globalPath := getGlobalConfigPath(); globalPath != "" {
		globalCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		projectPath = configPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	fileCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = mergeConfig(cfg, fileCfg)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, projectPath, err)
	}

	return cfg, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-controlled by design
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if strings.TrimSpace(overlay.Dir) != "" {
		base.Dir = overlay.Dir
	}

	if overlay.ValueCount > 0 {
		base.ValueCount = overlay.ValueCount
	}

	if overlay.MaxSize > 0 {
		base.MaxSize = overlay.MaxSize
	}

	if overlay.AppVersion > 0 {
		base.AppVersion = overlay.AppVersion
	}

	return base
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Dir) == "" {
		return errDirEmpty
	}

	return nil
}
