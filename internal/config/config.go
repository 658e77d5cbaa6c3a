package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the modelcache configuration
type Config struct {
	Hub      HubConfig      `mapstructure:"hub"`
	Download DownloadConfig `mapstructure:"download"`
	Log      LogConfig      `mapstructure:"log"`
}

// HubConfig overrides the values the hub client derives from HF_* variables.
// Empty fields keep the environment defaults.
type HubConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
	CacheDir string `mapstructure:"cache_dir"`
	Offline  bool   `mapstructure:"offline"`
}

type DownloadConfig struct {
	MaxWorkers  int  `mapstructure:"max_workers"`
	ProgressBar bool `mapstructure:"progress_bar"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// Load reads configuration from cfgFile, or from config.yaml in the usual
// search paths when cfgFile is empty. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MODELCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if configDir := getUserConfigDir(); configDir != "" {
			v.AddConfigPath(configDir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Hub.CacheDir = expandPath(cfg.Hub.CacheDir)
	if cfg.Download.MaxWorkers < 1 {
		cfg.Download.MaxWorkers = 1
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.endpoint", "")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.cache_dir", "")
	v.SetDefault("hub.offline", false)

	v.SetDefault("download.max_workers", 8)
	v.SetDefault("download.progress_bar", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// getUserConfigDir returns the user's config directory
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "modelcache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "modelcache")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "modelcache")
		}
		return filepath.Join(home, "AppData", "Roaming", "modelcache")
	default:
		return filepath.Join(home, ".config", "modelcache")
	}
}

// expandPath expands ~ and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return os.ExpandEnv(path)
}
