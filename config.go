package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the cache server, bound from flags,
// environment variables and an optional config file via viper, per
// SPEC_FULL.md §6.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Storage selects the store implementation: "st_lru" (unsynchronized,
	// valid only with the st_block/st_nonblock network profiles) or
	// "mt_lru" (mutex-wrapped, required by the mt_* profiles).
	Storage  string `mapstructure:"storage"`
	MaxBytes int    `mapstructure:"max_bytes"`

	// Network selects the deployment profile: st_block, mt_block,
	// st_nonblock or mt_nonblock.
	Network   string        `mapstructure:"network"`
	Workers   int           `mapstructure:"workers"`
	Acceptors int           `mapstructure:"acceptors"`
	Timeout   time.Duration `mapstructure:"timeout"`

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Host:      "localhost",
		Port:      6379,
		Storage:   "mt_lru",
		MaxBytes:  64 * 1024 * 1024,
		Network:   "mt_block",
		Workers:   4,
		Acceptors: 1,
		Timeout:   30 * time.Second,
		LogLevel:  "info",
	}
}

// LoadConfig loads configuration from environment variables, an optional
// config file, and command line flags, matching the teacher's gofast.yaml
// / GOFAST_* precedent with the module's own name.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("lrucached")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/lrucached/")
	viper.AddConfigPath("$HOME/.lrucached")

	viper.SetEnvPrefix("LRUCACHED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("host", config.Host)
	viper.SetDefault("port", config.Port)
	viper.SetDefault("storage", config.Storage)
	viper.SetDefault("max_bytes", config.MaxBytes)
	viper.SetDefault("network", config.Network)
	viper.SetDefault("workers", config.Workers)
	viper.SetDefault("acceptors", config.Acceptors)
	viper.SetDefault("timeout", config.Timeout)
	viper.SetDefault("log_level", config.LogLevel)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

var validStorageModes = map[string]bool{"st_lru": true, "mt_lru": true}

var validNetworkProfiles = map[string]bool{
	"st_block":    true,
	"mt_block":    true,
	"st_nonblock": true,
	"mt_nonblock": true,
}

// Validate validates the configuration and cross-checks storage/network
// compatibility, per SPEC_FULL.md §5: the single-threaded store must not
// be paired with a multi-threaded network profile.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if !validStorageModes[c.Storage] {
		return fmt.Errorf("invalid storage: %s (must be one of: st_lru, mt_lru)", c.Storage)
	}
	if !validNetworkProfiles[c.Network] {
		return fmt.Errorf("invalid network: %s (must be one of: st_block, mt_block, st_nonblock, mt_nonblock)", c.Network)
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must be non-negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Acceptors < 1 {
		return fmt.Errorf("acceptors must be at least 1")
	}
	multiThreaded := c.Network == "mt_block" || c.Network == "mt_nonblock"
	if multiThreaded && c.Storage != "mt_lru" {
		return fmt.Errorf("network profile %q requires storage mt_lru, got %s", c.Network, c.Storage)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a one-line summary of the config, used by the startup
// banner and the config subcommand.
func (c *Config) String() string {
	return fmt.Sprintf("lrucached: %s:%d storage=%s network=%s max_bytes=%d workers=%d acceptors=%d timeout=%v log_level=%s",
		c.Host, c.Port, c.Storage, c.Network, c.MaxBytes, c.Workers, c.Acceptors, c.Timeout, c.LogLevel)
}
