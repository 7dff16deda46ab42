package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "INVENTORY"

var (
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config

	mu       sync.RWMutex
	loadedBy *viper.Viper
)

// LoadConfig loads configuration from file and environment variables.
// An environment overlay (config.<env>.yaml next to the base file) is merged
// on top when INVENTORY_ENV names one.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/inventory")
		v.AddConfigPath("$HOME/.inventory")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		// no file at all is fine, defaults and env vars still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if env := GetEnv(envPrefix+"_ENV", ""); env != "" {
		overlay := filepath.Join(filepath.Dir(v.ConfigFileUsed()), fmt.Sprintf("config.%s.yaml", env))
		if _, err := os.Stat(overlay); err == nil {
			v.SetConfigFile(overlay)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to merge %s: %w", overlay, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = cfg
	loadedBy = v
	mu.Unlock()

	return cfg, nil
}

// bindEnvKeys makes AutomaticEnv see keys that have no value in any file,
// so a bare INVENTORY_DATABASE_PASSWORD still reaches Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"database.host", "database.port", "database.username", "database.password", "database.dbname",
		"redis.host", "redis.port", "redis.password",
		"queue.driver", "queue.brokers",
		"log.level", "log.format",
		"server.port",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("config not loaded, call LoadConfig first")
	}
	return GlobalConfig
}

// WatchConfig reloads the configuration when the backing file changes and
// hands the fresh copy to callback. Only settings read per operation (the
// default low-stock threshold, dispatcher batch size) pick the change up.
func WatchConfig(callback func(*Config)) {
	mu.RLock()
	v := loadedBy
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to reload config %s: %v\n", e.Name, err)
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	v.WatchConfig()
}

// GetEnv returns environment variable value with fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
